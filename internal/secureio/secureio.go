// Package secureio is the single source of cryptographically secure random
// material in the engine: every nonce, salt, and key the vault and pipeline
// draw comes through here, so no call site can accidentally reach for a
// deterministic source.
package secureio

import (
	"crypto/rand"
	"fmt"
)

// Bytes returns n bytes drawn from crypto/rand.
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("secureio: reading %d random bytes: %w", n, err)
	}
	return b, nil
}

// Key32 returns a fresh 32-byte key, the size every symmetric key and
// X25519 scalar in the engine uses.
func Key32() ([32]byte, error) {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("secureio: generating key: %w", err)
	}
	return k, nil
}

// Nonce returns a fresh nonce of the given length.
func Nonce(n int) ([]byte, error) { return Bytes(n) }

// Salt returns a fresh KDF salt of the given length.
func Salt(n int) ([]byte, error) { return Bytes(n) }
