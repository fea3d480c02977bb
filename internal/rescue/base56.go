package rescue

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

const (
	base56Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"
	// charsPerLine data characters are followed by one check character.
	charsPerLine = 19
)

var (
	ErrInvalidBase56 = errors.New("rescue: invalid base56 text")
	ErrCheckMismatch = errors.New("rescue: base56 check character mismatch")

	base56Radix = big.NewInt(56)
)

// EncodedLen is the number of data characters used for n input bytes.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n*8) / math.Log2(56)))
}

// EncodeBase56 treats data as a little-endian integer and writes it least
// significant digit first, appending a check character after every 19 data
// characters and after the final partial line.
func EncodeBase56(data []byte) string {
	reversed := make([]byte, len(data))
	for i, b := range data {
		reversed[len(data)-1-i] = b
	}
	n := new(big.Int).SetBytes(reversed)
	zeroBytes(reversed)

	count := EncodedLen(len(data))
	digits := make([]byte, 0, count)
	mod := new(big.Int)
	for i := 0; i < count; i++ {
		n.DivMod(n, base56Radix, mod)
		digits = append(digits, base56Alphabet[mod.Int64()])
	}

	var out strings.Builder
	line := 0
	for start := 0; start < len(digits); start += charsPerLine {
		end := min(start+charsPerLine, len(digits))
		out.Write(digits[start:end])
		out.WriteByte(checkChar(digits[start:end], line))
		line++
	}
	return out.String()
}

// DecodeBase56 verifies every check character and returns the original
// bytes. Whitespace is ignored.
func DecodeBase56(text string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, text)
	if clean == "" {
		return nil, nil
	}

	digits := make([]byte, 0, len(clean))
	line := 0
	for start := 0; start < len(clean); start += charsPerLine + 1 {
		end := min(start+charsPerLine+1, len(clean))
		chunk := clean[start:end]
		if len(chunk) < 2 {
			return nil, fmt.Errorf("%w: line %d has no data", ErrInvalidBase56, line)
		}
		data := []byte(chunk[:len(chunk)-1])
		for _, c := range data {
			if strings.IndexByte(base56Alphabet, c) < 0 {
				return nil, fmt.Errorf("%w: character %q", ErrInvalidBase56, c)
			}
		}
		if checkChar(data, line) != chunk[len(chunk)-1] {
			return nil, fmt.Errorf("%w: line %d", ErrCheckMismatch, line+1)
		}
		digits = append(digits, data...)
		line++
	}

	size := -1
	for n := 1; EncodedLen(n) <= len(digits); n++ {
		if EncodedLen(n) == len(digits) {
			size = n
			break
		}
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: %d characters match no byte length", ErrInvalidBase56, len(digits))
	}

	n := new(big.Int)
	for i := len(digits) - 1; i >= 0; i-- {
		n.Mul(n, base56Radix)
		n.Add(n, big.NewInt(int64(strings.IndexByte(base56Alphabet, digits[i]))))
	}
	be := n.Bytes()
	if len(be) > size {
		return nil, fmt.Errorf("%w: value exceeds %d bytes", ErrInvalidBase56, size)
	}
	out := make([]byte, size)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out, nil
}

// checkChar hashes the line's characters followed by the zero-based line
// number and reduces the digest, read big-endian, modulo 56.
func checkChar(line []byte, number int) byte {
	h := sha256.New()
	h.Write(line)
	h.Write([]byte{byte(number)})
	v := new(big.Int).SetBytes(h.Sum(nil))
	return base56Alphabet[v.Mod(v, base56Radix).Int64()]
}
