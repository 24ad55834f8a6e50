// Package rlpx implements the encrypted and authenticated TCP session layer
// of the devp2p stack: the ECIES auth/ack handshake that agrees per-direction
// symmetric state, and the streaming frame codec layered on top of it.
package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"hash"

	"github.com/p2pforge/devp2p/crypto"
)

// hashMAC holds the running keccak state of one frame MAC direction. The
// sponge is seeded during secret derivation and never finalized; digests are
// the first 16 bytes of a running squeeze.
type hashMAC struct {
	cipher     cipher.Block // AES-256-ECB keyed with the MAC secret
	hash       hash.Hash
	aesBuffer  [16]byte
	hashBuffer [32]byte
	seedBuffer [32]byte
}

func newHashMAC(macSecret []byte) (*hashMAC, error) {
	if len(macSecret) != 32 {
		return nil, errors.New("rlpx: MAC secret must be 32 bytes")
	}
	c, err := aes.NewCipher(macSecret)
	if err != nil {
		return nil, err
	}
	return &hashMAC{cipher: c, hash: crypto.NewKeccak256()}, nil
}

// computeHeader absorbs a 16-byte encrypted frame header and returns the
// resulting 16-byte tag.
func (m *hashMAC) computeHeader(header []byte) []byte {
	sum := m.hash.Sum(m.hashBuffer[:0])
	return m.compute(sum[:16], header)
}

// computeFrame absorbs the encrypted frame body and returns the resulting
// 16-byte tag.
func (m *hashMAC) computeFrame(framedata []byte) []byte {
	m.hash.Write(framedata)
	seed := m.hash.Sum(m.seedBuffer[:0])
	return m.compute(seed[:16], seed[:16])
}

// compute absorbs AES-256-ECB(macSecret, currentDigest) XOR seed and returns
// the new running digest truncated to 16 bytes.
func (m *hashMAC) compute(sum, seed []byte) []byte {
	m.cipher.Encrypt(m.aesBuffer[:], sum)
	for i := range m.aesBuffer {
		m.aesBuffer[i] ^= seed[i]
	}
	m.hash.Write(m.aesBuffer[:])
	sum = m.hash.Sum(m.hashBuffer[:0])
	return sum[:16]
}
