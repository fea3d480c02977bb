package securestore

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"sqrl-client/go-core/internal/crypto"
)

const (
	quickPassIterLen = 4
	quickPassLen     = quickPassIterLen + crypto.SaltSize + crypto.IVSize + crypto.KeySize + crypto.TagSize

	// DefaultQuickPassTime bounds the KDF run over the password prefix.
	DefaultQuickPassTime = time.Second
)

var ErrInvalidQuickPass = errors.New("securestore: invalid quickpass blob")

// QuickPass wraps the full password-derived key under a key derived from a
// short password prefix. Layout: iterations (u32 LE), salt, iv, ciphertext,
// tag. No AAD is bound.
type QuickPass struct {
	Iterations uint32
	Salt       []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

func (q QuickPass) Marshal() string {
	raw := make([]byte, 0, quickPassLen)
	raw = binary.LittleEndian.AppendUint32(raw, q.Iterations)
	raw = append(raw, q.Salt...)
	raw = append(raw, q.IV...)
	raw = append(raw, q.Ciphertext...)
	raw = append(raw, q.Tag...)
	return hex.EncodeToString(raw)
}

func ParseQuickPass(s string) (QuickPass, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return QuickPass{}, fmt.Errorf("%w: %v", ErrInvalidQuickPass, err)
	}
	if len(raw) != quickPassLen {
		return QuickPass{}, fmt.Errorf("%w: %d bytes", ErrInvalidQuickPass, len(raw))
	}
	off := 0
	take := func(n int) []byte {
		out := append([]byte(nil), raw[off:off+n]...)
		off += n
		return out
	}
	q := QuickPass{Iterations: binary.LittleEndian.Uint32(take(quickPassIterLen))}
	q.Salt = take(crypto.SaltSize)
	q.IV = take(crypto.IVSize)
	q.Ciphertext = take(crypto.KeySize)
	q.Tag = take(crypto.TagSize)
	if q.Iterations == 0 {
		return QuickPass{}, fmt.Errorf("%w: zero iterations", ErrInvalidQuickPass)
	}
	return q, nil
}

// SealQuickPass derives a key from prefix for about target and uses it to
// encrypt key. rand supplies the salt and IV.
func SealQuickPass(engine *crypto.Engine, rand io.Reader, prefix []byte, logN uint8, target time.Duration, key []byte, sink crypto.ProgressSink) (QuickPass, error) {
	salt := make([]byte, crypto.SaltSize)
	iv := make([]byte, crypto.IVSize)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return QuickPass{}, err
	}
	if _, err := io.ReadFull(rand, iv); err != nil {
		return QuickPass{}, err
	}
	wrapKey, iterations, err := engine.DeriveTimed(prefix, salt, logN, target, sink)
	if err != nil {
		return QuickPass{}, err
	}
	defer wrapKey.Wipe()

	ct, tag, err := crypto.Seal(wrapKey.Bytes(), iv, nil, key)
	if err != nil {
		return QuickPass{}, err
	}
	return QuickPass{Iterations: iterations, Salt: salt, IV: iv, Ciphertext: ct, Tag: tag}, nil
}

// OpenQuickPass recovers the wrapped key. A wrong prefix returns
// crypto.ErrAuthenticationFailed.
func OpenQuickPass(engine *crypto.Engine, prefix []byte, logN uint8, q QuickPass, sink crypto.ProgressSink) (*crypto.Secret, error) {
	wrapKey, err := engine.DeriveIterations(prefix, q.Salt, logN, q.Iterations, sink)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Wipe()

	plain, err := crypto.Open(wrapKey.Bytes(), q.IV, nil, q.Ciphertext, q.Tag)
	if err != nil {
		return nil, err
	}
	key := crypto.SecretFrom(plain)
	crypto.Wipe(plain)
	return key, nil
}
