package rlpx

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"

	"github.com/p2pforge/devp2p/crypto"
)

// Handshake message sizes. The plaintext sizes are fixed by the protocol,
// which is what lets both ends read the ECIES envelopes without a length
// prefix.
const (
	sigLen   = 65 // recoverable signature
	pubLen   = 64 // uncompressed pubkey without the 0x04 format byte
	nonceLen = 32

	authMsgLen = sigLen + 32 + pubLen + nonceLen + 1
	ackMsgLen  = pubLen + nonceLen + 1

	encAuthMsgLen = authMsgLen + crypto.EciesOverhead // 307
	encAckMsgLen  = ackMsgLen + crypto.EciesOverhead  // 210
)

var (
	// ErrBadAuthMsg is returned when the auth message fails a cryptographic
	// check. The handshake must not continue after it.
	ErrBadAuthMsg = errors.New("rlpx: bad auth message")

	// ErrBadAckMsg is returned when the ack message fails a cryptographic
	// check.
	ErrBadAckMsg = errors.New("rlpx: bad ack message")

	// ErrHandshakeDone is returned when a handshake message is produced or
	// consumed a second time.
	ErrHandshakeDone = errors.New("rlpx: handshake already complete")
)

// Handshake carries the per-connection state of the auth/ack exchange. A
// Handshake is used for exactly one connection attempt; any error is
// terminal and the state must be discarded.
type Handshake struct {
	initiator bool

	privKey      *ecdsa.PrivateKey // own static key
	remotePub    *ecdsa.PublicKey  // remote static key
	ephemeralKey *ecdsa.PrivateKey
	remoteEphPub *ecdsa.PublicKey

	localNonce  []byte
	remoteNonce []byte

	// x-coordinate of ephemeralKey * remoteEphPub; both sides agree on it.
	ephemeralShared []byte

	// Raw ECIES envelopes, kept verbatim for MAC seeding.
	localInitMsg  []byte
	remoteInitMsg []byte
}

// Secrets holds the symmetric state agreed by a completed handshake. The
// AES and MAC secrets are identical on both sides; the MAC chains are
// mirrored (one side's egress is the other's ingress).
type Secrets struct {
	RemoteID   *ecdsa.PublicKey
	AES, MAC   []byte
	EgressMAC  *hashMAC
	IngressMAC *hashMAC
}

// NewHandshake creates handshake state for one connection. remotePub is the
// dialed peer's static key on the initiator side and nil on the responder
// side, where it is learned from the auth message.
func NewHandshake(privKey *ecdsa.PrivateKey, remotePub *ecdsa.PublicKey, initiator bool) (*Handshake, error) {
	if privKey == nil {
		return nil, errors.New("rlpx: nil private key")
	}
	if initiator && remotePub == nil {
		return nil, errors.New("rlpx: initiator needs the remote static key")
	}
	eph, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	return &Handshake{
		initiator:    initiator,
		privKey:      privKey,
		remotePub:    remotePub,
		ephemeralKey: eph,
		localNonce:   nonce,
	}, nil
}

// MakeAuthMsg builds the initiator's auth envelope:
//
//	sig(65) || keccak256(ephemeral-pubkey)(32) || static-pubkey(64) || nonce(32) || 0x00
//
// where sig signs EcdhX(remote-static, own-static) XOR nonce with the
// ephemeral key. The plaintext is ECIES-encrypted to the remote static key.
func (h *Handshake) MakeAuthMsg() ([]byte, error) {
	if !h.initiator {
		return nil, errors.New("rlpx: responder cannot send auth")
	}
	if h.localInitMsg != nil {
		return nil, ErrHandshakeDone
	}

	token := crypto.EcdhX(h.remotePub, h.privKey)
	sig, err := crypto.Sign(crypto.Xor(token, h.localNonce), h.ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("rlpx: sign auth: %w", err)
	}

	msg := make([]byte, authMsgLen)
	n := copy(msg, sig)
	n += copy(msg[n:], crypto.Keccak256(crypto.FromECDSAPub(&h.ephemeralKey.PublicKey)[1:]))
	n += copy(msg[n:], crypto.FromECDSAPub(&h.privKey.PublicKey)[1:])
	n += copy(msg[n:], h.localNonce)
	msg[n] = 0x00

	enc, err := crypto.EciesEncrypt(h.remotePub, msg)
	if err != nil {
		return nil, fmt.Errorf("rlpx: encrypt auth: %w", err)
	}
	h.localInitMsg = enc
	return enc, nil
}

// HandleAuthMsg consumes the initiator's auth envelope on the responder
// side. It learns the remote static key, recovers the remote ephemeral key
// from the signature, verifies the keccak commitment over it, and computes
// the ephemeral shared secret.
func (h *Handshake) HandleAuthMsg(data []byte) error {
	if h.initiator {
		return errors.New("rlpx: initiator cannot receive auth")
	}
	if h.remoteInitMsg != nil {
		return ErrHandshakeDone
	}

	msg, err := crypto.EciesDecrypt(h.privKey, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAuthMsg, err)
	}
	if len(msg) != authMsgLen || msg[authMsgLen-1] != 0x00 {
		return fmt.Errorf("%w: bad plaintext shape", ErrBadAuthMsg)
	}

	sig := msg[:sigLen]
	heid := msg[sigLen : sigLen+32]
	rawPub := msg[sigLen+32 : sigLen+32+pubLen]
	h.remoteNonce = bytes.Clone(msg[sigLen+32+pubLen : sigLen+32+pubLen+nonceLen])

	h.remotePub, err = crypto.UnmarshalPubkey(append([]byte{0x04}, rawPub...))
	if err != nil {
		return fmt.Errorf("%w: bad static key: %v", ErrBadAuthMsg, err)
	}

	// The signed digest is the static shared secret XOR the remote nonce;
	// recovering from it yields the remote ephemeral key.
	token := crypto.EcdhX(h.remotePub, h.privKey)
	h.remoteEphPub, err = crypto.SigToPub(crypto.Xor(token, h.remoteNonce), sig)
	if err != nil {
		return fmt.Errorf("%w: ephemeral key recovery: %v", ErrBadAuthMsg, err)
	}
	if !bytes.Equal(heid, crypto.Keccak256(crypto.FromECDSAPub(h.remoteEphPub)[1:])) {
		return fmt.Errorf("%w: ephemeral key checksum mismatch", ErrBadAuthMsg)
	}

	h.ephemeralShared = crypto.EcdhX(h.remoteEphPub, h.ephemeralKey)
	h.remoteInitMsg = bytes.Clone(data)
	return nil
}

// MakeAckMsg builds the responder's ack envelope:
//
//	ephemeral-pubkey(64) || nonce(32) || 0x00
//
// ECIES-encrypted to the remote static key learned from the auth message.
func (h *Handshake) MakeAckMsg() ([]byte, error) {
	if h.initiator {
		return nil, errors.New("rlpx: initiator cannot send ack")
	}
	if h.remoteInitMsg == nil {
		return nil, errors.New("rlpx: ack before auth")
	}
	if h.localInitMsg != nil {
		return nil, ErrHandshakeDone
	}

	msg := make([]byte, ackMsgLen)
	n := copy(msg, crypto.FromECDSAPub(&h.ephemeralKey.PublicKey)[1:])
	n += copy(msg[n:], h.localNonce)
	msg[n] = 0x00

	enc, err := crypto.EciesEncrypt(h.remotePub, msg)
	if err != nil {
		return nil, fmt.Errorf("rlpx: encrypt ack: %w", err)
	}
	h.localInitMsg = enc
	return enc, nil
}

// HandleAckMsg consumes the responder's ack envelope on the initiator side
// and computes the ephemeral shared secret.
func (h *Handshake) HandleAckMsg(data []byte) error {
	if !h.initiator {
		return errors.New("rlpx: responder cannot receive ack")
	}
	if h.remoteInitMsg != nil {
		return ErrHandshakeDone
	}

	msg, err := crypto.EciesDecrypt(h.privKey, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAckMsg, err)
	}
	if len(msg) != ackMsgLen || msg[ackMsgLen-1] != 0x00 {
		return fmt.Errorf("%w: bad plaintext shape", ErrBadAckMsg)
	}

	h.remoteEphPub, err = crypto.UnmarshalPubkey(append([]byte{0x04}, msg[:pubLen]...))
	if err != nil {
		return fmt.Errorf("%w: bad ephemeral key: %v", ErrBadAckMsg, err)
	}
	h.remoteNonce = bytes.Clone(msg[pubLen : pubLen+nonceLen])

	h.ephemeralShared = crypto.EcdhX(h.remoteEphPub, h.ephemeralKey)
	h.remoteInitMsg = bytes.Clone(data)
	return nil
}

// Secrets derives the per-direction symmetric state once both init messages
// have been exchanged:
//
//	hNonce       = keccak256(responderNonce || initiatorNonce)
//	sharedSecret = keccak256(ephemeralShared || hNonce)
//	aesSecret    = keccak256(ephemeralShared || sharedSecret)
//	macSecret    = keccak256(ephemeralShared || aesSecret)
//
// The egress MAC chain is seeded with xor(macSecret, remoteNonce) followed
// by the raw init envelope this side sent; the ingress chain with
// xor(macSecret, localNonce) followed by the envelope it received. That is
// what makes the two directions diverge.
func (h *Handshake) Secrets() (Secrets, error) {
	if h.localInitMsg == nil || h.remoteInitMsg == nil || h.ephemeralShared == nil {
		return Secrets{}, errors.New("rlpx: handshake incomplete")
	}

	var nonceMaterial []byte
	if h.initiator {
		nonceMaterial = append(bytes.Clone(h.remoteNonce), h.localNonce...)
	} else {
		nonceMaterial = append(bytes.Clone(h.localNonce), h.remoteNonce...)
	}
	hNonce := crypto.Keccak256(nonceMaterial)
	sharedSecret := crypto.Keccak256(h.ephemeralShared, hNonce)
	aesSecret := crypto.Keccak256(h.ephemeralShared, sharedSecret)
	macSecret := crypto.Keccak256(h.ephemeralShared, aesSecret)

	egress, err := newHashMAC(macSecret)
	if err != nil {
		return Secrets{}, err
	}
	ingress, err := newHashMAC(macSecret)
	if err != nil {
		return Secrets{}, err
	}
	egress.hash.Write(crypto.Xor(macSecret, h.remoteNonce))
	egress.hash.Write(h.localInitMsg)
	ingress.hash.Write(crypto.Xor(macSecret, h.localNonce))
	ingress.hash.Write(h.remoteInitMsg)

	return Secrets{
		RemoteID:   h.remotePub,
		AES:        aesSecret,
		MAC:        macSecret,
		EgressMAC:  egress,
		IngressMAC: ingress,
	}, nil
}

// initiatorHandshake runs the dialing side of the exchange on conn.
func initiatorHandshake(conn io.ReadWriter, prv *ecdsa.PrivateKey, remotePub *ecdsa.PublicKey) (Secrets, error) {
	h, err := NewHandshake(prv, remotePub, true)
	if err != nil {
		return Secrets{}, err
	}
	auth, err := h.MakeAuthMsg()
	if err != nil {
		return Secrets{}, err
	}
	if _, err := conn.Write(auth); err != nil {
		return Secrets{}, fmt.Errorf("rlpx: write auth: %w", err)
	}
	ack := make([]byte, encAckMsgLen)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return Secrets{}, fmt.Errorf("rlpx: read ack: %w", err)
	}
	if err := h.HandleAckMsg(ack); err != nil {
		return Secrets{}, err
	}
	return h.Secrets()
}

// responderHandshake runs the listening side of the exchange on conn.
func responderHandshake(conn io.ReadWriter, prv *ecdsa.PrivateKey) (Secrets, error) {
	h, err := NewHandshake(prv, nil, false)
	if err != nil {
		return Secrets{}, err
	}
	auth := make([]byte, encAuthMsgLen)
	if _, err := io.ReadFull(conn, auth); err != nil {
		return Secrets{}, fmt.Errorf("rlpx: read auth: %w", err)
	}
	if err := h.HandleAuthMsg(auth); err != nil {
		return Secrets{}, err
	}
	ack, err := h.MakeAckMsg()
	if err != nil {
		return Secrets{}, err
	}
	if _, err := conn.Write(ack); err != nil {
		return Secrets{}, fmt.Errorf("rlpx: write ack: %w", err)
	}
	return h.Secrets()
}
