package rlpx

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"net"
	"testing"

	"github.com/p2pforge/devp2p/crypto"
)

// runHandshake performs a full auth/ack exchange between two in-memory
// handshake states and returns both sides' secrets.
func runHandshake(t *testing.T, hi, hr *Handshake) (Secrets, Secrets) {
	t.Helper()
	auth, err := hi.MakeAuthMsg()
	if err != nil {
		t.Fatal(err)
	}
	if len(auth) != encAuthMsgLen {
		t.Fatalf("auth envelope size = %d, want %d", len(auth), encAuthMsgLen)
	}
	if err := hr.HandleAuthMsg(auth); err != nil {
		t.Fatal(err)
	}
	ack, err := hr.MakeAckMsg()
	if err != nil {
		t.Fatal(err)
	}
	if len(ack) != encAckMsgLen {
		t.Fatalf("ack envelope size = %d, want %d", len(ack), encAckMsgLen)
	}
	if err := hi.HandleAckMsg(ack); err != nil {
		t.Fatal(err)
	}
	si, err := hi.Secrets()
	if err != nil {
		t.Fatal(err)
	}
	sr, err := hr.Secrets()
	if err != nil {
		t.Fatal(err)
	}
	return si, sr
}

func newTestPair(t *testing.T) (*Handshake, *Handshake) {
	t.Helper()
	kI, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	kR, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hi, err := NewHandshake(kI, &kR.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}
	hr, err := NewHandshake(kR, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	return hi, hr
}

func TestHandshakeAgreement(t *testing.T) {
	hi, hr := newTestPair(t)
	si, sr := runHandshake(t, hi, hr)

	if !bytes.Equal(si.AES, sr.AES) {
		t.Fatal("AES secrets disagree")
	}
	if !bytes.Equal(si.MAC, sr.MAC) {
		t.Fatal("MAC secrets disagree")
	}
	if len(si.AES) != 32 || len(si.MAC) != 32 {
		t.Fatal("secrets must be 32 bytes")
	}
	if !bytes.Equal(hi.ephemeralShared, hr.ephemeralShared) {
		t.Fatal("ephemeral shared secrets disagree")
	}

	// Each side authenticated the other's static key.
	if !bytes.Equal(crypto.FromECDSAPub(sr.RemoteID), crypto.FromECDSAPub(&hi.privKey.PublicKey)) {
		t.Fatal("responder learned wrong initiator identity")
	}
	if !bytes.Equal(crypto.FromECDSAPub(si.RemoteID), crypto.FromECDSAPub(&hr.privKey.PublicKey)) {
		t.Fatal("initiator has wrong responder identity")
	}
}

func TestHandshakeMirroredMACState(t *testing.T) {
	hi, hr := newTestPair(t)
	si, sr := runHandshake(t, hi, hr)

	// The initiator's egress chain and the responder's ingress chain must
	// evolve identically (and vice versa).
	header := make([]byte, 16)
	header[0] = 0xab
	d1 := si.EgressMAC.computeHeader(header)
	d2 := sr.IngressMAC.computeHeader(header)
	if !bytes.Equal(d1, d2) {
		t.Fatal("egress/ingress MAC chains diverge on header")
	}
	body := bytes.Repeat([]byte{0x42}, 48)
	d1 = si.EgressMAC.computeFrame(body)
	d2 = sr.IngressMAC.computeFrame(body)
	if !bytes.Equal(d1, d2) {
		t.Fatal("egress/ingress MAC chains diverge on body")
	}

	d1 = sr.EgressMAC.computeHeader(header)
	d2 = si.IngressMAC.computeHeader(header)
	if !bytes.Equal(d1, d2) {
		t.Fatal("responder egress / initiator ingress diverge")
	}
}

func TestHandshakeDeterministicSecrets(t *testing.T) {
	// Fixed static keys, ephemeral keys and nonces must yield the same
	// AES/MAC secrets on every run; only the ECIES envelopes differ.
	fixedKey := func(fill byte) *Handshake {
		t.Helper()
		d := bytes.Repeat([]byte{fill}, 32)
		k, err := crypto.ToECDSA(d)
		if err != nil {
			t.Fatal(err)
		}
		return &Handshake{privKey: k}
	}
	build := func() (*Handshake, *Handshake) {
		hi := fixedKey(0x01)
		hr := fixedKey(0x02)
		hi.initiator = true
		hi.remotePub = &hr.privKey.PublicKey
		hi.ephemeralKey = mustKey(t, 0x11)
		hr.ephemeralKey = mustKey(t, 0x12)
		hi.localNonce = bytes.Repeat([]byte{0x03}, 32)
		hr.localNonce = bytes.Repeat([]byte{0x04}, 32)
		return hi, hr
	}

	hi1, hr1 := build()
	s1, r1 := runHandshake(t, hi1, hr1)
	hi2, hr2 := build()
	s2, _ := runHandshake(t, hi2, hr2)

	if !bytes.Equal(s1.AES, r1.AES) || !bytes.Equal(s1.MAC, r1.MAC) {
		t.Fatal("fixed-input handshake sides disagree")
	}
	if !bytes.Equal(s1.AES, s2.AES) || !bytes.Equal(s1.MAC, s2.MAC) {
		t.Fatal("fixed-input handshake is not deterministic")
	}
}

func mustKey(t *testing.T, fill byte) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.ToECDSA(bytes.Repeat([]byte{fill}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestHandshakeTamperedAuth(t *testing.T) {
	hi, hr := newTestPair(t)
	auth, err := hi.MakeAuthMsg()
	if err != nil {
		t.Fatal(err)
	}
	auth[encAuthMsgLen/2] ^= 0x01
	if err := hr.HandleAuthMsg(auth); !errors.Is(err, ErrBadAuthMsg) {
		t.Fatalf("err = %v, want ErrBadAuthMsg", err)
	}
}

func TestHandshakeOrderViolations(t *testing.T) {
	hi, hr := newTestPair(t)

	if _, err := hr.MakeAckMsg(); err == nil {
		t.Fatal("ack before auth must fail")
	}
	if _, err := hi.Secrets(); err == nil {
		t.Fatal("secrets before completion must fail")
	}
	if _, err := hr.MakeAuthMsg(); err == nil {
		t.Fatal("responder must not send auth")
	}
	if err := hi.HandleAuthMsg(nil); err == nil {
		t.Fatal("initiator must not receive auth")
	}
}

func TestDoHandshakeOverPipe(t *testing.T) {
	kI, _ := crypto.GenerateKey()
	kR, _ := crypto.GenerateKey()

	p1, p2 := net.Pipe()
	type result struct {
		conn *Conn
		err  error
	}
	respCh := make(chan result, 1)
	go func() {
		c, err := DoHandshake(p2, kR, nil)
		respCh <- result{c, err}
	}()

	ci, err := DoHandshake(p1, kI, &kR.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	res := <-respCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	cr := res.conn

	// Frames flow both ways with independent codec state. net.Pipe is
	// unbuffered, so the responder reads before it writes.
	done := make(chan error, 1)
	go func() {
		got, err := cr.Read()
		if err != nil {
			done <- err
			return
		}
		if string(got) != "ping from initiator" {
			done <- errors.New("responder read wrong frame")
			return
		}
		if err := cr.Write([]byte("pong from responder")); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	if err := ci.Write([]byte("ping from initiator")); err != nil {
		t.Fatal(err)
	}
	got, err := ci.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong from responder" {
		t.Fatal("initiator read wrong frame")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(crypto.FromECDSAPub(ci.RemoteID()), crypto.FromECDSAPub(&kR.PublicKey)) {
		t.Fatal("initiator authenticated wrong identity")
	}
	ci.Close()
	cr.Close()
}
