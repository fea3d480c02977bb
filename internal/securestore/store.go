// Package securestore holds the secret-store contract used to cache unlock
// shortcuts, the QuickPass envelope, and key wrapping for platform-protected
// unlock.
package securestore

import (
	"errors"
	"sync"
)

// Names under which the identity manager keeps its cached blobs.
const (
	QuickPassName  = "quickpass"
	WrappedKeyName = "biometricKey"
)

var ErrStoreClosed = errors.New("securestore: store closed")

// SecretStore keeps opaque hex-encoded blobs by name. A missing name is
// reported as ok=false, never as an error.
type SecretStore interface {
	LoadSecret(name string) (value string, ok bool, err error)
	StoreSecret(name, value string) error
	DeleteSecret(name string) error
}

// KeyWrapper protects a key with a platform capability (keystore, biometric
// prompt, passphrase) and returns a blob safe to persist.
type KeyWrapper interface {
	Wrap(key []byte) (string, error)
	Unwrap(blob string) ([]byte, error)
}

// MemoryStore is a process-local SecretStore.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (s *MemoryStore) LoadSecret(name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[name]
	return v, ok, nil
}

func (s *MemoryStore) StoreSecret(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
	return nil
}

func (s *MemoryStore) DeleteSecret(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
	return nil
}

// Namespaced prefixes every name so several identities can share one store.
type Namespaced struct {
	Store  SecretStore
	Prefix string
}

func (n Namespaced) LoadSecret(name string) (string, bool, error) {
	return n.Store.LoadSecret(n.Prefix + "/" + name)
}

func (n Namespaced) StoreSecret(name, value string) error {
	return n.Store.StoreSecret(n.Prefix+"/"+name, value)
}

func (n Namespaced) DeleteSecret(name string) error {
	return n.Store.DeleteSecret(n.Prefix + "/" + name)
}
