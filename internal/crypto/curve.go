package crypto

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ScalarMultBase returns X25519(scalar, basepoint).
func ScalarMultBase(scalar []byte) ([]byte, error) {
	if len(scalar) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: scalar is %d bytes", ErrInvalidKeyLength, len(scalar))
	}
	return curve25519.X25519(scalar, curve25519.Basepoint)
}

// ScalarMult returns X25519(scalar, point).
func ScalarMult(scalar, point []byte) ([]byte, error) {
	if len(scalar) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: scalar is %d bytes", ErrInvalidKeyLength, len(scalar))
	}
	if len(point) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: point is %d bytes", ErrInvalidKeyLength, len(point))
	}
	return curve25519.X25519(scalar, point)
}

// SigningKeyFromSeed expands a 32-byte seed into an Ed25519 keypair.
func SigningKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeyLength, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
