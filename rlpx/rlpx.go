package rlpx

import (
	"crypto/ecdsa"
	"net"
)

// Conn is an established RLPx session over a TCP connection. It is produced
// by DoHandshake and carries the frame codec plus the authenticated remote
// identity.
type Conn struct {
	conn     net.Conn
	codec    *FrameCodec
	remoteID *ecdsa.PublicKey
}

// DoHandshake runs the ECIES auth/ack exchange on conn and installs the
// frame codec. The side that knows the remote static key dials, so a
// non-nil remotePub selects the initiator role; a nil remotePub the
// responder role.
func DoHandshake(conn net.Conn, prv *ecdsa.PrivateKey, remotePub *ecdsa.PublicKey) (*Conn, error) {
	var (
		sec Secrets
		err error
	)
	if remotePub != nil {
		sec, err = initiatorHandshake(conn, prv, remotePub)
	} else {
		sec, err = responderHandshake(conn, prv)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	codec, err := NewFrameCodec(conn, sec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Conn{conn: conn, codec: codec, remoteID: sec.RemoteID}, nil
}

// RemoteID returns the remote peer's static public key, authenticated by
// the handshake.
func (c *Conn) RemoteID() *ecdsa.PublicKey {
	return c.remoteID
}

// Write sends data as one frame.
func (c *Conn) Write(data []byte) error {
	return c.codec.WriteFrame(data)
}

// Read receives one frame body.
func (c *Conn) Read() ([]byte, error) {
	return c.codec.ReadFrame()
}

// Codec exposes the frame codec for callers that drive headers and bodies
// separately.
func (c *Conn) Codec() *FrameCodec {
	return c.codec
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
