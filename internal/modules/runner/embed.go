// Package runner embeds the fixed in-container shim that bridges the
// broker and a user module's solve() function. The packager adds these
// files to every module's build context.
package runner

import _ "embed"

// Shim is the dispatch loop injected into every module image as laps.py.
//
//go:embed laps.py
var Shim []byte

// Dockerfile is the canonical build recipe for module images.
//
//go:embed Dockerfile
var Dockerfile []byte
