package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sqrl-client/go-core/internal/securestore"
	"sqrl-client/go-core/internal/testutil/fsperm"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqrl.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenCreatesPrivateParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "sqrl")
	path := filepath.Join(dir, "sqrl.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	fsperm.AssertPrivateDirPerm(t, dir)
	fsperm.AssertPrivateFilePerm(t, path)
}

func TestIdentityLifecycle(t *testing.T) {
	db, path := openTestDB(t)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db.now = func() time.Time { return clock }

	first, err := db.PutIdentity(Record{ID: "sqrl1aaa", Name: "home", Data: []byte("sqrldata-1")})
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Hour)
	if _, err := db.PutIdentity(Record{ID: "sqrl1bbb", Name: "work", Data: []byte("sqrldata-2")}); err != nil {
		t.Fatal(err)
	}

	cur, err := db.Current()
	if err != nil || cur.ID != first.ID {
		t.Fatalf("first identity should be current, got %+v, %v", cur, err)
	}

	clock = clock.Add(time.Hour)
	updated, err := db.PutIdentity(Record{ID: "sqrl1aaa", Name: "home", Data: []byte("sqrldata-1b")})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) || !updated.UpdatedAt.Equal(clock) {
		t.Fatalf("timestamps not preserved: %+v", updated)
	}

	list, err := db.Identities()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "sqrl1aaa" || list[1].ID != "sqrl1bbb" {
		t.Fatalf("unexpected order: %+v", list)
	}

	if err := db.SetCurrent("sqrl1bbb"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCurrent("missing"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("err = %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	cur, err = reopened.Current()
	if err != nil || cur.ID != "sqrl1bbb" || string(cur.Data) != "sqrldata-2" {
		t.Fatalf("current after reopen = %+v, %v", cur, err)
	}
	got, err := reopened.Identity("sqrl1aaa")
	if err != nil || string(got.Data) != "sqrldata-1b" {
		t.Fatalf("identity after reopen = %+v, %v", got, err)
	}
}

func TestPutIdentityRejectsEmpty(t *testing.T) {
	db, _ := openTestDB(t)
	if _, err := db.PutIdentity(Record{ID: " ", Data: []byte{1}}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err = %v", err)
	}
	if _, err := db.PutIdentity(Record{ID: "x"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("err = %v", err)
	}
	if _, err := db.Current(); !errors.Is(err, ErrNoCurrent) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteIdentityDropsScopedSecrets(t *testing.T) {
	db, _ := openTestDB(t)
	if _, err := db.PutIdentity(Record{ID: "a", Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PutIdentity(Record{ID: "ab", Data: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	a, ab := db.SecretsFor("a"), db.SecretsFor("ab")
	if err := a.StoreSecret(securestore.QuickPassName, "00ff"); err != nil {
		t.Fatal(err)
	}
	if err := ab.StoreSecret(securestore.QuickPassName, "11ee"); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteIdentity("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := a.LoadSecret(securestore.QuickPassName); ok {
		t.Fatal("secret of deleted identity survived")
	}
	if v, ok, _ := ab.LoadSecret(securestore.QuickPassName); !ok || v != "11ee" {
		t.Fatalf("sibling secret lost: %q %v", v, ok)
	}
	if _, err := db.Current(); !errors.Is(err, ErrNoCurrent) {
		t.Fatalf("deleting the current identity should clear it, err = %v", err)
	}
	if err := db.DeleteIdentity("a"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSecretStoreContract(t *testing.T) {
	db, _ := openTestDB(t)
	var store securestore.SecretStore = db

	if _, ok, err := store.LoadSecret("missing"); ok || err != nil {
		t.Fatalf("missing secret: ok=%v err=%v", ok, err)
	}
	if err := store.StoreSecret("k", "v"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := store.LoadSecret("k"); !ok || err != nil || v != "v" {
		t.Fatalf("load: %q %v %v", v, ok, err)
	}
	if err := store.DeleteSecret("k"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.StoreSecret("k", "v"); !errors.Is(err, securestore.ErrStoreClosed) {
		t.Fatalf("err after close = %v", err)
	}
}
