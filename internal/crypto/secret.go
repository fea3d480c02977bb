package crypto

import (
	"crypto/rand"
	"crypto/subtle"
)

// Secret owns a buffer of key material. Wipe overwrites it with random bytes
// and then zeroes it; callers defer Wipe on every path that created one.
type Secret struct {
	b []byte
}

func NewSecret(size int) *Secret {
	return &Secret{b: make([]byte, size)}
}

// SecretFrom copies b into a new Secret. The caller keeps ownership of b.
func SecretFrom(b []byte) *Secret {
	s := NewSecret(len(b))
	copy(s.b, b)
	return s
}

// Bytes returns the underlying buffer. It stays valid until Wipe.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	return SecretFrom(s.b)
}

func (s *Secret) Equal(other *Secret) bool {
	if s == nil || other == nil {
		return s == other
	}
	return subtle.ConstantTimeCompare(s.b, other.b) == 1
}

func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	Wipe(s.b)
	s.b = nil
}

// Wipe overwrites b in place with random bytes, then zeroes it.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = rand.Read(b)
	zeroBytes(b)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
