// ecies.go implements the ECIES profile used for RLPx handshake payloads:
// secp256k1 key agreement, concat-KDF with SHA-256, AES-128-CTR encryption,
// and HMAC-SHA-256 authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	eciesKeyLen = 16 // AES-128 key
	eciesIVLen  = 16
	eciesTagLen = 32 // HMAC-SHA-256 output

	// EciesOverhead is the size added to a plaintext by Encrypt:
	// ephemeral pubkey (65) + IV (16) + tag (32).
	EciesOverhead = PubkeyLength + eciesIVLen + eciesTagLen
)

var (
	// ErrECIESTagMismatch is returned when the authentication tag of an
	// ECIES message does not verify.
	ErrECIESTagMismatch = errors.New("crypto: ecies tag mismatch")

	// ErrECIESCiphertext is returned for malformed ECIES messages.
	ErrECIESCiphertext = errors.New("crypto: malformed ecies message")
)

// EciesEncrypt encrypts data for the holder of pub:
//  1. Generate an ephemeral key pair (r, R).
//  2. Z = EcdhX(pub, r).
//  3. K = ConcatKDF(Z, 32); eKey = K[0:16]; mKey = SHA256(K[16:32]).
//  4. C = AES-128-CTR(eKey, random IV, data).
//  5. tag = HMAC-SHA256(mKey, IV || C).
//
// The output is R(65) || IV(16) || C || tag(32).
func EciesEncrypt(pub *ecdsa.PublicKey, data []byte) ([]byte, error) {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil, ErrInvalidPubkey
	}
	eph, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	eKey, mKey := eciesKeys(EcdhX(pub, eph))

	iv, err := randomBytes(eciesIVLen)
	if err != nil {
		return nil, err
	}
	ct, err := aes128CTR(eKey, iv, data)
	if err != nil {
		return nil, err
	}
	tag := eciesTag(mKey, iv, ct)

	out := make([]byte, 0, EciesOverhead+len(data))
	out = append(out, FromECDSAPub(&eph.PublicKey)...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// EciesDecrypt reverses EciesEncrypt with the recipient's static private key.
// A tag mismatch is an authentication failure and terminal for the caller's
// connection.
func EciesDecrypt(prv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if prv == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if len(msg) < EciesOverhead {
		return nil, ErrECIESCiphertext
	}
	ephPub, err := UnmarshalPubkey(msg[:PubkeyLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrECIESCiphertext, err)
	}
	iv := msg[PubkeyLength : PubkeyLength+eciesIVLen]
	ct := msg[PubkeyLength+eciesIVLen : len(msg)-eciesTagLen]
	tag := msg[len(msg)-eciesTagLen:]

	eKey, mKey := eciesKeys(EcdhX(ephPub, prv))
	if !hmac.Equal(tag, eciesTag(mKey, iv, ct)) {
		return nil, ErrECIESTagMismatch
	}
	return aes128CTR(eKey, iv, ct)
}

// eciesKeys splits the KDF output into the AES key and the hashed MAC key.
func eciesKeys(z []byte) (eKey, mKey []byte) {
	k := ConcatKDF(z, 2*eciesKeyLen)
	mSum := sha256.Sum256(k[eciesKeyLen:])
	return k[:eciesKeyLen], mSum[:]
}

func eciesTag(mKey, iv, ct []byte) []byte {
	h := hmac.New(sha256.New, mKey)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)
}

// aes128CTR encrypts or decrypts data; CTR mode is its own inverse.
func aes128CTR(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}
