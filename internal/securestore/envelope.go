package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	wrapVersion  = byte(1)
	wrapSaltSize = 16

	argonTime    = uint32(2)
	argonMemKB   = uint32(64 * 1024)
	argonThreads = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
)

// PassphraseWrapper is a KeyWrapper for hosts without a hardware keystore.
// The key is sealed with XChaCha20-Poly1305 under an argon2id-stretched
// passphrase. Blob layout: version, salt, nonce, ciphertext; hex-encoded.
type PassphraseWrapper struct {
	passphrase []byte
}

func NewPassphraseWrapper(passphrase string) (*PassphraseWrapper, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalid)
	}
	return &PassphraseWrapper{passphrase: []byte(passphrase)}, nil
}

func (w *PassphraseWrapper) Wrap(key []byte) (string, error) {
	salt := make([]byte, wrapSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	aead, wrapKey, err := w.aead(salt)
	if err != nil {
		return "", err
	}
	defer zeroBytes(wrapKey)

	header := append([]byte{wrapVersion}, salt...)
	header = append(header, nonce...)
	blob := aead.Seal(header, nonce, key, header[:1])
	return hex.EncodeToString(blob), nil
}

func (w *PassphraseWrapper) Unwrap(blob string) ([]byte, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	headLen := 1 + wrapSaltSize + chacha20poly1305.NonceSizeX
	if len(raw) < headLen+chacha20poly1305.Overhead || raw[0] != wrapVersion {
		return nil, ErrInvalid
	}
	salt := raw[1 : 1+wrapSaltSize]
	nonce := raw[1+wrapSaltSize : headLen]
	aead, wrapKey, err := w.aead(salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(wrapKey)

	key, err := aead.Open(nil, nonce, raw[headLen:], raw[:1])
	if err != nil {
		return nil, ErrAuthFailed
	}
	return key, nil
}

func (w *PassphraseWrapper) aead(salt []byte) (cipher.AEAD, []byte, error) {
	wrapKey := argon2.IDKey(w.passphrase, salt, argonTime, argonMemKB, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		zeroBytes(wrapKey)
		return nil, nil, err
	}
	return aead, wrapKey, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
