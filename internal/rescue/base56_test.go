package rescue

import (
	"bytes"
	"errors"
	"testing"
)

func TestBase56Roundtrip(t *testing.T) {
	sizes := []int{1, 2, 16, 32, 73, 73 + 54, 73 + 150}
	for _, size := range sizes {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i*31 + size)
		}
		text := EncodeBase56(data)
		lines := (EncodedLen(size) + charsPerLine - 1) / charsPerLine
		if len(text) != EncodedLen(size)+lines {
			t.Fatalf("size %d: unexpected text length %d", size, len(text))
		}
		got, err := DecodeBase56(Format(text))
		if err != nil {
			t.Fatalf("size %d: decode failed: %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: roundtrip mismatch", size)
		}
	}
}

func TestBase56KeepsZeroBytes(t *testing.T) {
	data := []byte{0, 0, 1, 0, 0}
	got, err := DecodeBase56(EncodeBase56(data))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %v, got %v", data, got)
	}
}

func TestBase56AlphabetAvoidsAmbiguousLetters(t *testing.T) {
	text := EncodeBase56(bytes.Repeat([]byte{0xA5, 0x5A, 0xFF, 0x00}, 40))
	for _, c := range []byte("01lIoO") {
		if bytes.IndexByte([]byte(text), c) >= 0 {
			t.Fatalf("text contains ambiguous character %q", c)
		}
	}
}

func TestBase56DetectsTypo(t *testing.T) {
	text := []byte(EncodeBase56(bytes.Repeat([]byte{0x33}, 40)))
	if text[charsPerLine] == '2' {
		text[charsPerLine] = '3'
	} else {
		text[charsPerLine] = '2'
	}
	if _, err := DecodeBase56(string(text)); !errors.Is(err, ErrCheckMismatch) {
		t.Fatalf("expected ErrCheckMismatch, got %v", err)
	}
}

func TestBase56RejectsForeignCharacters(t *testing.T) {
	if _, err := DecodeBase56("ab0cd"); !errors.Is(err, ErrInvalidBase56) {
		t.Fatalf("expected ErrInvalidBase56, got %v", err)
	}
}
