// Package modules owns the pathfinding module lifecycle: image building,
// one supervised container per (name, version), and the state machine
// governing start, crash recovery and teardown.
package modules

import (
	"context"
	"regexp"
	"strings"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidName reports whether s is usable as a module name or version.
func ValidName(s string) bool { return keyPattern.MatchString(s) }

// Key identifies a module by name and version.
type Key struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewKey validates the name and version against the allowed pattern.
func NewKey(name, version string) (Key, error) {
	if !keyPattern.MatchString(name) {
		return Key{}, ecode.Newf(ecode.KindInvalidInput, "invalid module name %q", name)
	}
	if !keyPattern.MatchString(version) {
		return Key{}, ecode.Newf(ecode.KindInvalidInput, "invalid module version %q", version)
	}
	return Key{Name: name, Version: version}, nil
}

func (k Key) String() string { return k.Name + ":" + k.Version }

// ImageTag returns the container image tag for this module under prefix,
// e.g. "laps/simple:1".
func (k Key) ImageTag(prefix string) string {
	return prefix + "/" + k.Name + ":" + k.Version
}

// ContainerName returns a daemon-safe container name.
func (k Key) ContainerName() string {
	return "laps-" + k.Name + "-" + strings.ReplaceAll(k.Version, ".", "-")
}

// KeyFromImageTag parses "prefix/name:version" back into a Key.
func KeyFromImageTag(prefix, tag string) (Key, bool) {
	rest, ok := strings.CutPrefix(tag, prefix+"/")
	if !ok {
		return Key{}, false
	}
	name, version, ok := strings.Cut(rest, ":")
	if !ok || name == "" || version == "" {
		return Key{}, false
	}
	return Key{Name: name, Version: version}, true
}

// State is a module's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
	StateStopped  State = "stopped"
	// StateOther covers states that do not fit the machine, with a
	// message in the state hash's error field.
	StateOther State = "other"
)

// Labels applied to every module container so reconciliation can find
// them after a process restart.
const (
	labelManaged = "laps.managed"
	labelName    = "laps.module.name"
	labelVersion = "laps.module.version"
)

// Info is the externally visible status of a module.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// writeState publishes a module's state transition to the broker hash
// shared with the dispatcher.
func writeState(ctx context.Context, b broker.Broker, key Key, state State, containerID, errMsg string) error {
	return b.HSet(ctx, broker.ModuleStateKey(key.Name, key.Version), map[string]string{
		"state":        string(state),
		"container_id": containerID,
		"error":        errMsg,
	})
}

// ReadState reads a module's state hash. Returns StateOther with an
// empty message when the hash is missing.
func ReadState(ctx context.Context, b broker.Broker, key Key) (State, string, error) {
	fields, err := b.HGetAll(ctx, broker.ModuleStateKey(key.Name, key.Version))
	if err != nil {
		if err == broker.ErrNotFound {
			return StateOther, "", nil
		}
		return StateOther, "", err
	}
	return State(fields["state"]), fields["error"], nil
}
