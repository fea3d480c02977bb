// Package storage persists identities and cached unlock secrets in a
// single bbolt file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"sqrl-client/go-core/internal/securestore"
)

const (
	identitiesBucket = "identities"
	secretsBucket    = "secrets"
	metadataBucket   = "metadata"

	versionKey = "version"
	currentKey = "current"

	schemaVersion byte = 1
)

var (
	ErrIdentityNotFound = errors.New("storage: identity not found")
	ErrInvalidRecord    = errors.New("storage: invalid identity record")
	ErrNoCurrent        = errors.New("storage: no current identity")
)

// Record is one stored identity. Data holds the container bytes exactly as
// the identity manager saved them.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DB is a bbolt-backed identity database. It also implements
// securestore.SecretStore.
type DB struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
	now    func() time.Time
}

// Open creates or loads the database at path. Missing parent directories
// are created owner-only.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	d := &DB{db: bdb, now: func() time.Time { return time.Now().UTC() }}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{identitiesBucket, secretsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != schemaVersion {
				return fmt.Errorf("storage: incompatible schema version %v", v)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

func (d *DB) view(fn func(tx *bolt.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return securestore.ErrStoreClosed
	}
	return d.db.View(fn)
}

func (d *DB) update(fn func(tx *bolt.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return securestore.ErrStoreClosed
	}
	return d.db.Update(fn)
}

// PutIdentity inserts or replaces rec. CreatedAt is preserved across
// updates. The first identity stored becomes current.
func (d *DB) PutIdentity(rec Record) (Record, error) {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" || len(rec.Data) == 0 {
		return Record{}, ErrInvalidRecord
	}
	now := d.now()
	err := d.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(identitiesBucket))
		rec.CreatedAt = now
		if raw := bkt.Get([]byte(rec.ID)); raw != nil {
			var prior Record
			if err := json.Unmarshal(raw, &prior); err == nil && !prior.CreatedAt.IsZero() {
				rec.CreatedAt = prior.CreatedAt
			}
		}
		rec.UpdatedAt = now
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(rec.ID), raw); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(metadataBucket))
		if meta.Get([]byte(currentKey)) == nil {
			return meta.Put([]byte(currentKey), []byte(rec.ID))
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (d *DB) Identity(id string) (Record, error) {
	var rec Record
	err := d.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(identitiesBucket)).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Identities lists every record ordered by creation time.
func (d *DB) Identities() ([]Record, error) {
	var out []Record
	err := d.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteIdentity removes the record and every secret stored under its id.
func (d *DB) DeleteIdentity(id string) error {
	return d.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(identitiesBucket))
		if bkt.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
		if err := bkt.Delete([]byte(id)); err != nil {
			return err
		}
		secrets := tx.Bucket([]byte(secretsBucket))
		prefix := []byte(id + "/")
		var doomed [][]byte
		c := secrets.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := secrets.Delete(k); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(metadataBucket))
		if string(meta.Get([]byte(currentKey))) == id {
			return meta.Delete([]byte(currentKey))
		}
		return nil
	})
}

func (d *DB) SetCurrent(id string) error {
	return d.update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(identitiesBucket)).Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(currentKey), []byte(id))
	})
}

// Current returns the selected identity.
func (d *DB) Current() (Record, error) {
	var id string
	if err := d.view(func(tx *bolt.Tx) error {
		id = string(tx.Bucket([]byte(metadataBucket)).Get([]byte(currentKey)))
		return nil
	}); err != nil {
		return Record{}, err
	}
	if id == "" {
		return Record{}, ErrNoCurrent
	}
	return d.Identity(id)
}

func (d *DB) LoadSecret(name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := d.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(secretsBucket)).Get([]byte(name)); v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	return value, ok, err
}

func (d *DB) StoreSecret(name, value string) error {
	return d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Put([]byte(name), []byte(value))
	})
}

func (d *DB) DeleteSecret(name string) error {
	return d.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(secretsBucket)).Delete([]byte(name))
	})
}

// SecretsFor returns a store whose names are scoped to one identity.
func (d *DB) SecretsFor(id string) securestore.SecretStore {
	return securestore.Namespaced{Store: d, Prefix: id}
}
