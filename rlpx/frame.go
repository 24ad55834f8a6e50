package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 16
	frameMACSize    = 16

	// maxFrameSize is the largest body a 3-byte length field can describe.
	maxFrameSize = 1<<24 - 1
)

// zeroHeader is rlp([0, 0]), the reserved context-id/capability-id field
// carried after the size in every frame header.
var zeroHeader = []byte{0xC2, 0x80, 0x80}

var (
	// ErrBadHeaderMAC is returned when a frame header fails authentication.
	ErrBadHeaderMAC = errors.New("rlpx: bad header MAC")

	// ErrBadBodyMAC is returned when a frame body fails authentication.
	ErrBadBodyMAC = errors.New("rlpx: bad body MAC")

	// ErrNoHeader is returned when a body is read without a preceding header.
	ErrNoHeader = errors.New("rlpx: frame body read without header")

	// ErrFrameTooLarge is returned for frame sizes above 2^24-1.
	ErrFrameTooLarge = errors.New("rlpx: frame size overflows uint24")

	// ErrCodecBroken is returned for any operation after a fatal codec error.
	ErrCodecBroken = errors.New("rlpx: frame codec is broken")
)

// FrameCodec is the post-handshake record layer of one connection. Each
// direction runs a single long-lived AES-256-CTR stream (zero IV, counters
// never reset) and a keccak MAC chain; frames must therefore be encoded and
// decoded strictly in order. The codec is not safe for concurrent use; the
// caller serializes reads and writes like any other connection state.
type FrameCodec struct {
	conn io.ReadWriter

	enc, dec   cipher.Stream
	egressMAC  *hashMAC
	ingressMAC *hashMAC

	// Body size parsed from the most recent header; -1 when no header is
	// pending.
	pendingSize int

	// First fatal error; authentication and protocol failures are
	// unrecoverable, so the codec latches them.
	failure error
}

// NewFrameCodec builds the record layer from completed handshake secrets.
func NewFrameCodec(conn io.ReadWriter, s Secrets) (*FrameCodec, error) {
	block, err := aes.NewCipher(s.AES)
	if err != nil {
		return nil, fmt.Errorf("rlpx: frame cipher: %w", err)
	}
	// Zero IV: the AES secret is unique per session, and the two CTR
	// streams stay independent because each direction advances only its
	// own counter.
	iv := make([]byte, block.BlockSize())
	return &FrameCodec{
		conn:        conn,
		enc:         cipher.NewCTR(block, iv),
		dec:         cipher.NewCTR(block, iv),
		egressMAC:   s.EgressMAC,
		ingressMAC:  s.IngressMAC,
		pendingSize: -1,
	}, nil
}

// WriteHeader encrypts and MACs a frame header announcing a body of the
// given size.
func (c *FrameCodec) WriteHeader(size int) error {
	if c.failure != nil {
		return c.failure
	}
	if size < 0 || size > maxFrameSize {
		return ErrFrameTooLarge
	}

	var header [frameHeaderSize]byte
	putUint24(header[:3], uint32(size))
	copy(header[3:], zeroHeader)

	c.enc.XORKeyStream(header[:], header[:])
	mac := c.egressMAC.computeHeader(header[:])

	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(mac)
	return err
}

// WriteBody zero-pads data to a 16-byte boundary, encrypts it, and appends
// the body MAC.
func (c *FrameCodec) WriteBody(data []byte) error {
	if c.failure != nil {
		return c.failure
	}

	padded := data
	if pad := len(data) % 16; pad > 0 {
		padded = make([]byte, len(data)+16-pad)
		copy(padded, data)
	}
	enc := make([]byte, len(padded))
	c.enc.XORKeyStream(enc, padded)
	mac := c.egressMAC.computeFrame(enc)

	if _, err := c.conn.Write(enc); err != nil {
		return err
	}
	_, err := c.conn.Write(mac)
	return err
}

// ReadHeader reads and verifies a frame header and returns the announced
// body size. A MAC mismatch is fatal for the connection.
func (c *FrameCodec) ReadHeader() (int, error) {
	if c.failure != nil {
		return 0, c.failure
	}

	var buf [frameHeaderSize + frameMACSize]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		return 0, err
	}
	want := c.ingressMAC.computeHeader(buf[:frameHeaderSize])
	if !hmac.Equal(want, buf[frameHeaderSize:]) {
		return 0, c.fail(ErrBadHeaderMAC)
	}

	c.dec.XORKeyStream(buf[:frameHeaderSize], buf[:frameHeaderSize])
	size := int(readUint24(buf[:3]))
	c.pendingSize = size
	return size, nil
}

// ReadBody reads, verifies and decrypts the body announced by the previous
// header. Reading a body without a pending header is a protocol violation
// and fatal for the connection, as is a MAC mismatch.
func (c *FrameCodec) ReadBody() ([]byte, error) {
	if c.failure != nil {
		return nil, c.failure
	}
	if c.pendingSize < 0 {
		return nil, c.fail(ErrNoHeader)
	}
	size := c.pendingSize
	c.pendingSize = -1

	padded := size
	if pad := size % 16; pad > 0 {
		padded += 16 - pad
	}
	buf := make([]byte, padded+frameMACSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}

	enc, mac := buf[:padded], buf[padded:]
	want := c.ingressMAC.computeFrame(enc)
	if !hmac.Equal(want, mac) {
		return nil, c.fail(ErrBadBodyMAC)
	}

	c.dec.XORKeyStream(enc, enc)
	return enc[:size], nil
}

// WriteFrame writes a header announcing len(data) followed by the body.
func (c *FrameCodec) WriteFrame(data []byte) error {
	if err := c.WriteHeader(len(data)); err != nil {
		return err
	}
	return c.WriteBody(data)
}

// ReadFrame reads one header and its body.
func (c *FrameCodec) ReadFrame() ([]byte, error) {
	if _, err := c.ReadHeader(); err != nil {
		return nil, err
	}
	return c.ReadBody()
}

func (c *FrameCodec) fail(err error) error {
	if c.failure == nil {
		c.failure = fmt.Errorf("%w: %w", ErrCodecBroken, err)
	}
	return err
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func readUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
