// Package container frames and unframes the identity storage format: an
// 8-byte magic followed by length-prefixed blocks. Payload semantics are
// left to the identity package.
package container

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic        = "sqrldata"
	TextMagic    = "SQRLDATA"
	MagicLen     = 8
	BlockHeadLen = 4
	MaxBlockLen  = 0xFFFF
)

var (
	ErrParse              = errors.New("container: parse error")
	ErrBadMagic           = fmt.Errorf("%w: bad magic header", ErrParse)
	ErrTruncatedContainer = fmt.Errorf("%w: truncated container", ErrParse)
	ErrBlockTooLarge      = errors.New("container: block too large")
)

// Block is one framed unit. The on-wire length is derived from the payload
// and includes the 4-byte {length, type} prefix.
type Block struct {
	Type    uint16
	Payload []byte
}

// Len returns the inclusive on-wire length of the block.
func (b Block) Len() int {
	return BlockHeadLen + len(b.Payload)
}

// Bytes returns the framed block: length (LE), type (LE), payload.
func (b Block) Bytes() []byte {
	out := make([]byte, b.Len())
	binary.LittleEndian.PutUint16(out[0:2], uint16(b.Len()))
	binary.LittleEndian.PutUint16(out[2:4], b.Type)
	copy(out[BlockHeadLen:], b.Payload)
	return out
}

// IsText reports whether data starts with the base64url-armored magic.
func IsText(data []byte) bool {
	return len(data) >= MagicLen && string(data[:MagicLen]) == TextMagic
}

// Decode validates the magic and splits the remaining bytes into blocks.
// The armored form is normalized to the binary form first.
func Decode(data []byte) ([]Block, error) {
	if len(data) < MagicLen {
		return nil, ErrBadMagic
	}
	if IsText(data) {
		binaryForm, err := Unarmor(data)
		if err != nil {
			return nil, err
		}
		data = binaryForm
	}
	if string(data[:MagicLen]) != Magic {
		return nil, ErrBadMagic
	}

	blocks := make([]Block, 0, 3)
	offset := MagicLen
	for offset < len(data) {
		if len(data)-offset < BlockHeadLen {
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrTruncatedContainer, len(data)-offset, offset)
		}
		length := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		if length < BlockHeadLen {
			return nil, fmt.Errorf("%w: block length %d at offset %d", ErrParse, length, offset)
		}
		if offset+length > len(data) {
			return nil, fmt.Errorf("%w: block at offset %d claims %d bytes, %d available", ErrTruncatedContainer, offset, length, len(data)-offset)
		}
		payload := make([]byte, length-BlockHeadLen)
		copy(payload, data[offset+BlockHeadLen:offset+length])
		blocks = append(blocks, Block{
			Type:    binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
			Payload: payload,
		})
		offset += length
	}
	return blocks, nil
}

// Encode writes the binary magic followed by every block in order.
func Encode(blocks []Block) ([]byte, error) {
	size := MagicLen
	for _, b := range blocks {
		if b.Len() > MaxBlockLen {
			return nil, fmt.Errorf("%w: type %d is %d bytes", ErrBlockTooLarge, b.Type, b.Len())
		}
		size += b.Len()
	}
	out := make([]byte, 0, size)
	out = append(out, Magic...)
	for _, b := range blocks {
		out = append(out, b.Bytes()...)
	}
	return out, nil
}

// EncodeText renders blocks in the armored form: the uppercase magic followed
// by the unpadded base64url encoding of everything after the binary magic.
func EncodeText(blocks []Block) ([]byte, error) {
	raw, err := Encode(blocks)
	if err != nil {
		return nil, err
	}
	return Armor(raw)
}

// Armor converts a binary container into its textual form.
func Armor(raw []byte) ([]byte, error) {
	if len(raw) < MagicLen || string(raw[:MagicLen]) != Magic {
		return nil, ErrBadMagic
	}
	body := base64.RawURLEncoding.EncodeToString(raw[MagicLen:])
	return append([]byte(TextMagic), body...), nil
}

// Unarmor strips CR, LF, TAB and SPACE from the armored body, decodes it
// and re-prefixes the binary magic.
func Unarmor(data []byte) ([]byte, error) {
	if !IsText(data) {
		return nil, ErrBadMagic
	}
	body := make([]byte, 0, len(data)-MagicLen)
	for _, c := range data[MagicLen:] {
		switch c {
		case '\r', '\n', '\t', ' ':
			continue
		}
		body = append(body, c)
	}
	body = bytes.TrimRight(body, "=")
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty armored body", ErrParse)
	}
	decoded := make([]byte, base64.RawURLEncoding.DecodedLen(len(body)))
	n, err := base64.RawURLEncoding.Decode(decoded, body)
	if err != nil {
		return nil, fmt.Errorf("%w: armored body: %v", ErrParse, err)
	}
	out := make([]byte, 0, MagicLen+n)
	out = append(out, Magic...)
	return append(out, decoded[:n]...), nil
}
