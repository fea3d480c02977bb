package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

const enHashRounds = 16

// EnHash chains SHA-256 sixteen times over in and XORs every round's digest
// into the result.
func EnHash(in []byte) []byte {
	out := make([]byte, sha256.Size)
	digest := sha256.Sum256(in)
	xorInto(out, digest[:])
	for i := 1; i < enHashRounds; i++ {
		digest = sha256.Sum256(digest[:])
		xorInto(out, digest[:])
	}
	zeroBytes(digest[:])
	return out
}

// HMAC returns HMAC-SHA256(key, msg).
func HMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
