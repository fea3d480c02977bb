// Package rescue generates rescue codes and renders the printable
// recovery text of an identity.
package rescue

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	CodeDigits   = 24
	EntropyBytes = 32

	groupSize     = 4
	groupsPerLine = 5
)

var (
	ErrInvalidCode  = errors.New("rescue: invalid rescue code")
	ErrShortEntropy = errors.New("rescue: entropy source returned too few bytes")
)

// Code is a 24-digit decimal rescue code.
type Code struct {
	digits string
}

// NewCode draws 256 bits from entropy and reduces them to 24 decimal digits.
// A nil entropy source uses bip39.NewEntropy.
func NewCode(entropy io.Reader) (Code, error) {
	raw, err := readEntropy(entropy)
	if err != nil {
		return Code{}, err
	}
	defer zeroBytes(raw)
	return codeFromEntropy(raw), nil
}

// codeFromEntropy keeps the last 24 base-10 digits of the big-endian
// integer, which is the same as 24 rounds of division by 10.
func codeFromEntropy(raw []byte) Code {
	n := new(big.Int).SetBytes(raw)
	s := n.Text(10)
	n.SetInt64(0)
	if len(s) > CodeDigits {
		s = s[len(s)-CodeDigits:]
	} else if len(s) < CodeDigits {
		s = strings.Repeat("0", CodeDigits-len(s)) + s
	}
	return Code{digits: s}
}

func readEntropy(entropy io.Reader) ([]byte, error) {
	if entropy == nil {
		return bip39.NewEntropy(EntropyBytes * 8)
	}
	raw := make([]byte, EntropyBytes)
	if _, err := io.ReadFull(entropy, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortEntropy, err)
	}
	return raw, nil
}

// CodeFromDigits accepts a code typed by a user in any of the display forms.
func CodeFromDigits(s string) (Code, error) {
	d := Normalize(s)
	if len(d) != CodeDigits {
		return Code{}, fmt.Errorf("%w: expected %d digits, got %d", ErrInvalidCode, CodeDigits, len(d))
	}
	for _, c := range d {
		if c < '0' || c > '9' {
			return Code{}, fmt.Errorf("%w: non-digit %q", ErrInvalidCode, c)
		}
	}
	return Code{digits: d}, nil
}

// Normalize removes dashes and whitespace.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func (c Code) Digits() string { return c.digits }

func (c Code) IsZero() bool { return c.digits == "" }

// Display groups the digits four at a time, five groups per line.
func (c Code) Display() string { return Format(c.digits) }

// Dashed renders the code as 0000-0000-0000-0000-0000-0000.
func (c Code) Dashed() string {
	return strings.Join(chunk(c.digits, groupSize), "-")
}

// Format groups s in fours separated by spaces with a newline after every
// fifth group.
func Format(s string) string {
	groups := chunk(s, groupSize)
	lines := make([]string, 0, len(groups)/groupsPerLine+1)
	for start := 0; start < len(groups); start += groupsPerLine {
		end := min(start+groupsPerLine, len(groups))
		lines = append(lines, strings.Join(groups[start:end], " "))
	}
	return strings.Join(lines, "\n")
}

func chunk(s string, size int) []string {
	out := make([]string, 0, (len(s)+size-1)/size)
	for start := 0; start < len(s); start += size {
		out = append(out, s[start:min(start+size, len(s))])
	}
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
