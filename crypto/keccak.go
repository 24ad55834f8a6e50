package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the legacy (pre-FIPS-202) Keccak-256 hash of the
// concatenation of the given byte slices.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// NewKeccak256 returns a streaming legacy Keccak-256 sponge. Sum copies the
// internal state instead of finalizing it, which the RLPx MAC chain relies
// on to squeeze running digests.
func NewKeccak256() hash.Hash {
	return sha3.NewLegacyKeccak256()
}
