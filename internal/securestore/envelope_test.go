package securestore

import (
	"bytes"
	"errors"
	"testing"
)

func TestPassphraseWrapperRoundtrip(t *testing.T) {
	w, err := NewPassphraseWrapper("pass")
	if err != nil {
		t.Fatalf("new wrapper failed: %v", err)
	}
	key := bytes.Repeat([]byte{0x5C}, 32)
	blob, err := w.Wrap(key)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	got, err := w.Unwrap(blob)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("unwrapped key mismatch")
	}
}

func TestPassphraseWrapperRejectsWrongPassphrase(t *testing.T) {
	w, _ := NewPassphraseWrapper("pass")
	blob, err := w.Wrap([]byte("secret"))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	other, _ := NewPassphraseWrapper("other")
	if _, err := other.Unwrap(blob); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestPassphraseWrapperTamperedFailsDeterministically(t *testing.T) {
	w, _ := NewPassphraseWrapper("pass")
	blob, err := w.Wrap([]byte("secret"))
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	tampered := []byte(blob)
	if tampered[len(tampered)-1] == '0' {
		tampered[len(tampered)-1] = '1'
	} else {
		tampered[len(tampered)-1] = '0'
	}
	_, err = w.Unwrap(string(tampered))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if _, err := w.Unwrap("zz"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestNewPassphraseWrapperRejectsEmpty(t *testing.T) {
	if _, err := NewPassphraseWrapper("  "); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
