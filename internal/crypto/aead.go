package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Seal encrypts plaintext with AES-256-GCM and returns the ciphertext and
// the detached 16-byte tag. aad is authenticated but not encrypted.
func Seal(key, iv, aad, plaintext []byte) ([]byte, []byte, error) {
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// Open reverses Seal. Any mismatch of key, iv, aad, ciphertext or tag yields
// ErrAuthenticationFailed.
func Open(key, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes", ErrAuthenticationFailed, len(tag))
	}
	gcm, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIVLength, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
