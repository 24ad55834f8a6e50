// Package crypto implements the wire-level cryptography of the devp2p stack:
// secp256k1 key handling with recoverable signatures, unvalidated ECDH,
// Keccak-256 hashing, the NIST concatenation KDF, and the ECIES message
// codec used by the RLPx handshake.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// DigestLength is the length of hashes passed to Sign and SigToPub.
	DigestLength = 32

	// SignatureLength is the length of a recoverable signature: r || s || v.
	SignatureLength = 65

	// PubkeyLength is the length of an uncompressed public key including
	// the 0x04 format byte.
	PubkeyLength = 65
)

var (
	// ErrInvalidSignatureLen is returned for signatures that are not 65 bytes.
	ErrInvalidSignatureLen = errors.New("crypto: signature must be 65 bytes [r || s || v]")

	// ErrInvalidDigestLen is returned for digests that are not 32 bytes.
	ErrInvalidDigestLen = errors.New("crypto: digest must be 32 bytes")

	// ErrInvalidPubkey is returned for public keys that are not valid
	// uncompressed secp256k1 points.
	ErrInvalidPubkey = errors.New("crypto: invalid secp256k1 public key")
)

// S256 returns the secp256k1 curve.
func S256() elliptic.Curve {
	return secp256k1.S256()
}

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key.ToECDSA(), nil
}

// Sign calculates a recoverable ECDSA signature over the given 32-byte
// digest. The produced signature is 65 bytes in [r || s || v] format where
// v is 0 or 1.
func Sign(digest []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, ErrInvalidDigestLen
	}
	if prv == nil || prv.D == nil {
		return nil, errors.New("crypto: nil private key")
	}
	key := secp256k1.PrivKeyFromBytes(prv.D.FillBytes(make([]byte, 32)))
	defer key.Zero()

	// SignCompact yields [v || r || s] with the legacy 27 offset in v;
	// the wire format wants [r || s || v] with v in {0, 1}.
	sig := decredecdsa.SignCompact(key, digest, false)
	v := sig[0] - 27
	copy(sig, sig[1:])
	sig[64] = v
	return sig, nil
}

// SigToPub recovers the public key that produced the given [r || s || v]
// signature over the digest.
func SigToPub(digest, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != SignatureLength {
		return nil, ErrInvalidSignatureLen
	}
	if len(digest) != DigestLength {
		return nil, ErrInvalidDigestLen
	}
	compact := make([]byte, SignatureLength)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig)

	pub, _, err := decredecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("crypto: recover pubkey: %w", err)
	}
	return pub.ToECDSA(), nil
}

// Ecrecover recovers the uncompressed 65-byte public key that produced the
// signature.
func Ecrecover(digest, sig []byte) ([]byte, error) {
	pub, err := SigToPub(digest, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// FromECDSAPub returns the 65-byte uncompressed encoding of a public key,
// including the 0x04 format byte.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(S256(), pub.X, pub.Y)
}

// UnmarshalPubkey parses a 65-byte uncompressed secp256k1 public key. Points
// not on the curve and encodings without the 0x04 format byte are rejected.
func UnmarshalPubkey(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != PubkeyLength || data[0] != 0x04 {
		return nil, ErrInvalidPubkey
	}
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return pub.ToECDSA(), nil
}

// ToECDSA converts a 32-byte scalar to a private key.
func ToECDSA(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != 32 {
		return nil, errors.New("crypto: private key must be 32 bytes")
	}
	key := secp256k1.PrivKeyFromBytes(d)
	if key.Key.IsZero() {
		return nil, errors.New("crypto: zero private key")
	}
	return key.ToECDSA(), nil
}

// EcdhX returns the 32-byte X coordinate of pub multiplied by priv's scalar.
// The multiplication is unvalidated on purpose; inputs come from the wire
// protocol and malformed points are rejected at parse time.
func EcdhX(pub *ecdsa.PublicKey, prv *ecdsa.PrivateKey) []byte {
	x, _ := S256().ScalarMult(pub.X, pub.Y, prv.D.Bytes())
	return x.FillBytes(make([]byte, 32))
}

// Xor returns the bytewise XOR of two equal-length slices.
func Xor(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("crypto: xor length mismatch")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// randomBytes fills a fresh slice of the given size from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: read random: %w", err)
	}
	return b, nil
}

// RandomNonce generates a 32-byte handshake nonce.
func RandomNonce() ([]byte, error) {
	return randomBytes(32)
}
