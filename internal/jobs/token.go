package jobs

import gonanoid "github.com/matoous/go-nanoid/v2"

// tokenAlphabet is URL-safe so tokens can ride in paths unescaped.
const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// tokenLength of 22 over a 64-symbol alphabet gives 132 bits, enough
// that tokens double as unguessable capabilities.
const tokenLength = 22

// NewToken mints a fresh job token.
func NewToken() (string, error) {
	return gonanoid.Generate(tokenAlphabet, tokenLength)
}
