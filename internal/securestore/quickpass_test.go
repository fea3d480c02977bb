package securestore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"sqrl-client/go-core/internal/crypto"
)

func TestQuickPassSealOpen(t *testing.T) {
	engine := crypto.NewEngine()
	key := bytes.Repeat([]byte{0x11}, crypto.KeySize)

	q, err := SealQuickPass(engine, rand.Reader, []byte("abcd"), 1, time.Millisecond, key, nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	blob := q.Marshal()
	if len(blob) != quickPassLen*2 {
		t.Fatalf("unexpected blob length %d", len(blob))
	}

	parsed, err := ParseQuickPass(blob)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got, err := OpenQuickPass(engine, []byte("abcd"), 1, parsed, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer got.Wipe()
	if !bytes.Equal(got.Bytes(), key) {
		t.Fatal("recovered key mismatch")
	}

	if _, err := OpenQuickPass(engine, []byte("abce"), 1, parsed, nil); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestParseQuickPassRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "xyz", strings.Repeat("00", quickPassLen-1), strings.Repeat("00", quickPassLen)} {
		if _, err := ParseQuickPass(in); !errors.Is(err, ErrInvalidQuickPass) {
			t.Fatalf("%q: expected ErrInvalidQuickPass, got %v", in, err)
		}
	}
}

func TestMemoryStoreMissIsNotAnError(t *testing.T) {
	s := NewMemoryStore()
	if _, ok, err := s.LoadSecret(QuickPassName); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	ns := Namespaced{Store: s, Prefix: "sqrl1abc"}
	if err := ns.StoreSecret(QuickPassName, "beef"); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if v, ok, _ := s.LoadSecret("sqrl1abc/" + QuickPassName); !ok || v != "beef" {
		t.Fatalf("namespaced value not found: %q %v", v, ok)
	}
	if err := ns.DeleteSecret(QuickPassName); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := ns.LoadSecret(QuickPassName); ok {
		t.Fatal("value must be gone after delete")
	}
}
