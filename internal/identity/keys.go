package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"

	"sqrl-client/go-core/internal/crypto"
)

const identityIDPrefix = "sqrl1"

// DomainSigningKey returns the Ed25519 key for domain. With usePrevious the
// seed comes from a retired unlock key: generation is 1-based, newest first,
// and 0 means the generation chosen by SelectPreviousGeneration.
func (m *Manager) DomainSigningKey(domain []byte, usePrevious bool, generation int) (ed25519.PrivateKey, error) {
	seed, err := m.domainSeed(domain, usePrevious, generation)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(seed)
	return crypto.SigningKeyFromSeed(seed)
}

// domainSeed is HMAC-SHA256(IMK, domain) for the current generation and
// HMAC-SHA256(EnHash(previousIUK), domain) for a retired one.
func (m *Manager) domainSeed(domain []byte, usePrevious bool, generation int) ([]byte, error) {
	if !usePrevious {
		if m.imk == nil {
			return nil, ErrLocked
		}
		return crypto.HMAC(m.imk.Bytes(), domain), nil
	}
	prev, err := m.previousKey(generation)
	if err != nil {
		return nil, err
	}
	prevIMK := crypto.EnHash(prev.Bytes())
	defer crypto.Wipe(prevIMK)
	return crypto.HMAC(prevIMK, domain), nil
}

func (m *Manager) previousKey(generation int) (*crypto.Secret, error) {
	if generation == 0 {
		generation = m.selectedGeneration
	}
	if generation < 1 || generation > len(m.previousKeys) {
		return nil, fmt.Errorf("%w: generation %d of %d", ErrNoPreviousKey, generation, len(m.previousKeys))
	}
	return m.previousKeys[generation-1], nil
}

// SelectPreviousGeneration picks which retired key usePrevious calls use.
func (m *Manager) SelectPreviousGeneration(generation int) error {
	if generation < 1 || generation > len(m.previousKeys) {
		return fmt.Errorf("%w: generation %d of %d", ErrNoPreviousKey, generation, len(m.previousKeys))
	}
	m.selectedGeneration = generation
	return nil
}

func (m *Manager) SelectedGeneration() int { return m.selectedGeneration }

// SecretIndex returns base64url(HMAC-SHA256(EnHash(domainSeed), sin)), the
// per-site value a server can ask the client to reproduce.
func (m *Manager) SecretIndex(domain []byte, sin string, usePrevious bool) (string, error) {
	seed, err := m.domainSeed(domain, usePrevious, 0)
	if err != nil {
		return "", err
	}
	key := crypto.EnHash(seed)
	crypto.Wipe(seed)
	defer crypto.Wipe(key)
	return base64.RawURLEncoding.EncodeToString(crypto.HMAC(key, []byte(sin))), nil
}

// ServerUnlockMaterial derives the SUK/VUK pair from a random lock scalar.
// A nil random draws one from the manager's entropy source.
func (m *Manager) ServerUnlockMaterial(random []byte) (suk, vuk []byte, err error) {
	if m.ilk == nil {
		return nil, nil, ErrLocked
	}
	if random == nil {
		if random, err = m.randomBytes(crypto.KeySize); err != nil {
			return nil, nil, err
		}
		defer crypto.Wipe(random)
	}
	suk, err = crypto.ScalarMultBase(random)
	if err != nil {
		return nil, nil, err
	}
	shared, err := crypto.ScalarMult(random, m.ilk.Bytes())
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(shared)
	signer, err := crypto.SigningKeyFromSeed(shared)
	if err != nil {
		return nil, nil, err
	}
	vuk = append([]byte(nil), signer.Public().(ed25519.PublicKey)...)
	crypto.Wipe(signer)
	return suk, vuk, nil
}

// UnlockAuthorizationKey returns the key that signs an unlock request (urs)
// given the server unlock key returned by the server.
func (m *Manager) UnlockAuthorizationKey(suk []byte, usePrevious bool) (ed25519.PrivateKey, error) {
	var iuk *crypto.Secret
	if usePrevious {
		prev, err := m.previousKey(0)
		if err != nil {
			return nil, err
		}
		iuk = prev
	} else {
		if m.iuk == nil {
			return nil, ErrNoUnlockKey
		}
		iuk = m.iuk
	}
	shared, err := crypto.ScalarMult(iuk.Bytes(), suk)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(shared)
	return crypto.SigningKeyFromSeed(shared)
}

// IdentityLockKey returns a copy of the public identity lock key.
func (m *Manager) IdentityLockKey() ([]byte, error) {
	if m.ilk == nil {
		return nil, ErrLocked
	}
	return append([]byte(nil), m.ilk.Bytes()...), nil
}

// IdentityID is a stable, non-secret handle for the unlocked identity.
func (m *Manager) IdentityID() (string, error) {
	if m.ilk == nil {
		return "", ErrLocked
	}
	return BuildIdentityID(m.ilk.Bytes())
}

func BuildIdentityID(lockKey []byte) (string, error) {
	if len(lockKey) != crypto.KeySize {
		return "", fmt.Errorf("%w: lock key is %d bytes", ErrInvalidParameters, len(lockKey))
	}
	h := blake2b.Sum256(lockKey)
	return identityIDPrefix + base58.Encode(h[:]), nil
}
