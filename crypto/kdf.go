package crypto

import (
	"crypto/sha256"
	"encoding/binary"
)

// ConcatKDF derives kdLen bytes of key material from the shared secret z
// using the NIST SP 800-56A section 5.8.1 concatenation KDF with SHA-256
// and no shared info:
//
//	K = SHA256(be32(1) || z) || SHA256(be32(2) || z) || ...
//
// truncated to kdLen. The round count is ceil(kdLen/32).
func ConcatKDF(z []byte, kdLen int) []byte {
	rounds := (kdLen + sha256.Size - 1) / sha256.Size
	k := make([]byte, 0, rounds*sha256.Size)
	var counter [4]byte
	for i := 1; i <= rounds; i++ {
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h := sha256.New()
		h.Write(counter[:])
		h.Write(z)
		k = h.Sum(k)
	}
	return k[:kdLen]
}
