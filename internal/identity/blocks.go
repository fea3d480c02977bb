package identity

import (
	"encoding/binary"
	"fmt"

	"sqrl-client/go-core/internal/container"
	"sqrl-client/go-core/internal/crypto"
)

const (
	BlockTypePassword uint16 = 1
	BlockTypeRescue   uint16 = 2
	BlockTypePrevious uint16 = 3

	// passwordHeaderLen is the plaintext (AAD) length of the password block,
	// counted from the start of the block.
	passwordHeaderLen = 45
	passwordSecretLen = 2 * crypto.KeySize
	passwordBlockLen  = passwordHeaderLen + passwordSecretLen + crypto.TagSize

	rescueHeaderLen = 25
	rescueBlockLen  = rescueHeaderLen + crypto.KeySize + crypto.TagSize

	previousHeaderLen = 6
	MaxPreviousKeys   = 4
)

// passwordBlock holds the type 1 block. extra keeps header bytes beyond the
// known fields so they survive a re-seal.
type passwordBlock struct {
	plaintextLen    uint16
	iv              []byte
	salt            []byte
	logN            uint8
	iterations      uint32
	flags           OptionFlags
	hintLength      uint8
	pwVerifySeconds uint8
	idleMinutes     uint16
	extra           []byte
	ciphertext      []byte
	tag             []byte
}

func parsePasswordBlock(b container.Block) (*passwordBlock, error) {
	p := b.Payload
	if b.Len() < passwordBlockLen {
		return nil, fmt.Errorf("%w: password block is %d bytes", container.ErrParse, b.Len())
	}
	ptLen := int(binary.LittleEndian.Uint16(p[0:2]))
	if ptLen < passwordHeaderLen || ptLen+passwordSecretLen+crypto.TagSize != b.Len() {
		return nil, fmt.Errorf("%w: password block plaintext length %d in %d byte block", container.ErrParse, ptLen, b.Len())
	}
	const o = container.BlockHeadLen
	blk := &passwordBlock{
		plaintextLen:    uint16(ptLen),
		iv:              clone(p[6-o : 18-o]),
		salt:            clone(p[18-o : 34-o]),
		logN:            p[34-o],
		iterations:      binary.LittleEndian.Uint32(p[35-o : 39-o]),
		flags:           OptionFlags(binary.LittleEndian.Uint16(p[39-o : 41-o])),
		hintLength:      p[41-o],
		pwVerifySeconds: p[42-o],
		idleMinutes:     binary.LittleEndian.Uint16(p[43-o : 45-o]),
		extra:           clone(p[passwordHeaderLen-o : ptLen-o]),
		ciphertext:      clone(p[ptLen-o : ptLen-o+passwordSecretLen]),
		tag:             clone(p[ptLen-o+passwordSecretLen:]),
	}
	return blk, nil
}

func (blk *passwordBlock) blockLen() int {
	return int(blk.plaintextLen) + passwordSecretLen + crypto.TagSize
}

// header returns the plaintext bytes that double as AAD.
func (blk *passwordBlock) header() []byte {
	h := make([]byte, 0, blk.plaintextLen)
	h = binary.LittleEndian.AppendUint16(h, uint16(blk.blockLen()))
	h = binary.LittleEndian.AppendUint16(h, BlockTypePassword)
	h = binary.LittleEndian.AppendUint16(h, blk.plaintextLen)
	h = append(h, blk.iv...)
	h = append(h, blk.salt...)
	h = append(h, blk.logN)
	h = binary.LittleEndian.AppendUint32(h, blk.iterations)
	h = binary.LittleEndian.AppendUint16(h, uint16(blk.flags))
	h = append(h, blk.hintLength, blk.pwVerifySeconds)
	h = binary.LittleEndian.AppendUint16(h, blk.idleMinutes)
	return append(h, blk.extra...)
}

func (blk *passwordBlock) block() container.Block {
	full := append(blk.header(), blk.ciphertext...)
	full = append(full, blk.tag...)
	return container.Block{Type: BlockTypePassword, Payload: full[container.BlockHeadLen:]}
}

type rescueBlock struct {
	salt       []byte
	logN       uint8
	iterations uint32
	ciphertext []byte
	tag        []byte
}

func parseRescueBlock(b container.Block) (*rescueBlock, error) {
	if b.Len() != rescueBlockLen {
		return nil, fmt.Errorf("%w: rescue block is %d bytes", container.ErrParse, b.Len())
	}
	p := b.Payload
	const o = container.BlockHeadLen
	return &rescueBlock{
		salt:       clone(p[4-o : 20-o]),
		logN:       p[20-o],
		iterations: binary.LittleEndian.Uint32(p[21-o : 25-o]),
		ciphertext: clone(p[rescueHeaderLen-o : rescueHeaderLen-o+crypto.KeySize]),
		tag:        clone(p[rescueHeaderLen-o+crypto.KeySize:]),
	}, nil
}

func (blk *rescueBlock) header() []byte {
	h := make([]byte, 0, rescueHeaderLen)
	h = binary.LittleEndian.AppendUint16(h, rescueBlockLen)
	h = binary.LittleEndian.AppendUint16(h, BlockTypeRescue)
	h = append(h, blk.salt...)
	h = append(h, blk.logN)
	return binary.LittleEndian.AppendUint32(h, blk.iterations)
}

func (blk *rescueBlock) block() container.Block {
	full := append(blk.header(), blk.ciphertext...)
	full = append(full, blk.tag...)
	return container.Block{Type: BlockTypeRescue, Payload: full[container.BlockHeadLen:]}
}

// previousBlock holds up to four earlier unlock keys, newest first, sealed
// under the current master key with a zero IV.
type previousBlock struct {
	count      uint16
	ciphertext []byte
	tag        []byte
}

func previousBlockLen(count int) int {
	return previousHeaderLen + count*crypto.KeySize + crypto.TagSize
}

func parsePreviousBlock(b container.Block) (*previousBlock, error) {
	if b.Len() < previousHeaderLen {
		return nil, fmt.Errorf("%w: previous block is %d bytes", container.ErrParse, b.Len())
	}
	p := b.Payload
	count := int(binary.LittleEndian.Uint16(p[0:2]))
	if count < 1 || count > MaxPreviousKeys {
		return nil, fmt.Errorf("%w: previous block holds %d keys", container.ErrParse, count)
	}
	if b.Len() != previousBlockLen(count) {
		return nil, fmt.Errorf("%w: previous block is %d bytes for %d keys", container.ErrParse, b.Len(), count)
	}
	const o = container.BlockHeadLen
	end := previousHeaderLen - o + count*crypto.KeySize
	return &previousBlock{
		count:      uint16(count),
		ciphertext: clone(p[previousHeaderLen-o : end]),
		tag:        clone(p[end:]),
	}, nil
}

func (blk *previousBlock) header() []byte {
	h := make([]byte, 0, previousHeaderLen)
	h = binary.LittleEndian.AppendUint16(h, uint16(previousBlockLen(int(blk.count))))
	h = binary.LittleEndian.AppendUint16(h, BlockTypePrevious)
	return binary.LittleEndian.AppendUint16(h, blk.count)
}

func (blk *previousBlock) block() container.Block {
	full := append(blk.header(), blk.ciphertext...)
	full = append(full, blk.tag...)
	return container.Block{Type: BlockTypePrevious, Payload: full[container.BlockHeadLen:]}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
