// Package streamcrypto implements the cryptographic primitives STREAM layers
// on top of: HMAC-SHA256 key derivation, AES-256-GCM packet encryption, and
// the fulfillment/condition binding between a packet's ciphertext and its
// ILP execution condition.
package streamcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

// SecretSize is the length in bytes of a shared secret (§3 Connection).
const SecretSize = 32

// Secret holds a 32-byte shared secret in locked, wiped-on-destroy memory.
// Grounded on ratchet.go's use of memguard.LockedBuffer for long-lived key
// material; STREAM has only one long-lived secret per connection rather than
// a full ratchet key schedule, so this wraps a single buffer instead of the
// teacher's constellation of buffers.
type Secret struct {
	buf *memguard.LockedBuffer
}

// NewSecret moves b (which must be SecretSize bytes) into locked memory.
// memguard.NewBufferFromBytes wipes b after copying it, so the caller's
// slice holds zeros once NewSecret returns.
func NewSecret(b []byte) (*Secret, error) {
	if len(b) != SecretSize {
		return nil, fmt.Errorf("streamcrypto: shared secret must be %d bytes, got %d", SecretSize, len(b))
	}
	return &Secret{buf: memguard.NewBufferFromBytes(b)}, nil
}

// RandomSecret generates a fresh random 32-byte secret, used by the server
// pool for its per-process server_secret (§4.G).
func RandomSecret() (*Secret, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	return NewSecret(b)
}

// Bytes returns the raw secret bytes. The returned slice aliases locked
// memory; callers must not retain it past the Secret's lifetime.
func (s *Secret) Bytes() []byte {
	return s.buf.Bytes()
}

// Destroy wipes the secret from memory. Safe to call multiple times.
func (s *Secret) Destroy() {
	s.buf.Destroy()
}
