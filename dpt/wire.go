// wire.go implements the discovery datagram codec. Every packet is
//
//	hash(32) || signature(65) || packet-type(1) || rlp(payload)
//
// where the signature covers keccak256(type || rlp(payload)) and the hash
// covers everything after itself. The hash doubles as the message ID used
// for request correlation.
package dpt

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/p2pforge/devp2p/crypto"
)

const (
	macSize  = 32
	sigSize  = crypto.SignatureLength
	headSize = macSize + sigSize

	// MaxPacketSize is the limit a discovery datagram may not exceed.
	MaxPacketSize = 1280

	pingVersion = 4
)

// Packet type bytes.
const (
	PingPacket byte = iota + 1
	PongPacket
	FindneighboursPacket
	NeighboursPacket
)

var (
	// ErrPacketTooSmall is returned for datagrams shorter than the fixed head.
	ErrPacketTooSmall = errors.New("dpt: packet too small")

	// ErrBadHash is returned when the hash prefix does not cover the packet.
	ErrBadHash = errors.New("dpt: bad packet hash")

	// ErrUnknownPacket is returned for unhandled packet type bytes.
	ErrUnknownPacket = errors.New("dpt: unknown packet type")

	// ErrPacketTooLarge is returned when an encoded packet exceeds
	// MaxPacketSize.
	ErrPacketTooLarge = errors.New("dpt: packet exceeds size limit")
)

// Packet is implemented by the four discovery payloads.
type Packet interface {
	Name() string
	Kind() byte
}

// Ping is the liveness probe. The expiration field is optional on decode:
// some implementations omit it when sending.
type Ping struct {
	Version    uint
	From, To   Endpoint
	Expiration uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Pong answers a ping, echoing the ping's packet hash for correlation.
type Pong struct {
	To         Endpoint
	ReplyTok   []byte
	Expiration uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Findneighbours asks for the peers closest to the target ID.
type Findneighbours struct {
	Target     NodeID
	Expiration uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Neighbours carries the closest known peers to a queried target.
type Neighbours struct {
	Nodes      []Node
	Expiration uint64         `rlp:"optional"`
	Rest       []rlp.RawValue `rlp:"tail"`
}

// Node is the neighbour record: an endpoint triple plus the node ID.
type Node struct {
	IP  net.IP
	UDP uint16
	TCP uint16
	ID  NodeID
}

func (*Ping) Name() string           { return "ping" }
func (*Ping) Kind() byte             { return PingPacket }
func (*Pong) Name() string           { return "pong" }
func (*Pong) Kind() byte             { return PongPacket }
func (*Findneighbours) Name() string { return "findneighbours" }
func (*Findneighbours) Kind() byte   { return FindneighboursPacket }
func (*Neighbours) Name() string     { return "neighbours" }
func (*Neighbours) Kind() byte       { return NeighboursPacket }

// Encode signs and serializes a packet. It returns the full datagram and
// the 32-byte hash prefix used as the outbound message ID.
func Encode(prv *ecdsa.PrivateKey, pkt Packet) (packet, hash []byte, err error) {
	b := new(bytes.Buffer)
	b.Write(make([]byte, headSize))
	b.WriteByte(pkt.Kind())
	if err := rlp.Encode(b, pkt); err != nil {
		return nil, nil, fmt.Errorf("dpt: encode %s: %w", pkt.Name(), err)
	}
	packet = b.Bytes()
	if len(packet) > MaxPacketSize {
		return nil, nil, ErrPacketTooLarge
	}

	sig, err := crypto.Sign(crypto.Keccak256(packet[headSize:]), prv)
	if err != nil {
		return nil, nil, fmt.Errorf("dpt: sign %s: %w", pkt.Name(), err)
	}
	copy(packet[macSize:], sig)

	hash = crypto.Keccak256(packet[macSize:])
	copy(packet, hash)
	return packet, hash, nil
}

// Decode verifies and parses a datagram. It returns the payload, the sender
// ID recovered from the signature, and the packet hash.
func Decode(input []byte) (Packet, NodeID, []byte, error) {
	if len(input) < headSize+1 {
		return nil, NodeID{}, nil, ErrPacketTooSmall
	}
	hash, sig, sigdata := input[:macSize], input[macSize:headSize], input[headSize:]
	if !bytes.Equal(hash, crypto.Keccak256(input[macSize:])) {
		return nil, NodeID{}, nil, ErrBadHash
	}

	fromPub, err := crypto.Ecrecover(crypto.Keccak256(sigdata), sig)
	if err != nil {
		return nil, NodeID{}, hash, fmt.Errorf("dpt: recover sender: %w", err)
	}
	var fromID NodeID
	copy(fromID[:], fromPub[1:])

	var pkt Packet
	switch sigdata[0] {
	case PingPacket:
		pkt = new(Ping)
	case PongPacket:
		pkt = new(Pong)
	case FindneighboursPacket:
		pkt = new(Findneighbours)
	case NeighboursPacket:
		pkt = new(Neighbours)
	default:
		return nil, fromID, hash, fmt.Errorf("%w: 0x%02x", ErrUnknownPacket, sigdata[0])
	}
	s := rlp.NewStream(bytes.NewReader(sigdata[1:]), 0)
	if err := s.Decode(pkt); err != nil {
		return nil, fromID, hash, fmt.Errorf("dpt: decode %s: %w", pkt.Name(), err)
	}
	return pkt, fromID, hash, nil
}
