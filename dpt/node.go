// Package dpt implements the distributed peer table transport: the signed
// four-message UDP discovery protocol (ping/pong/findneighbours/neighbours),
// the request correlator with deduplication, and the k-bucket routing table
// the server consults for neighbour queries.
package dpt

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/p2pforge/devp2p/crypto"
)

// NodeID is the 64-byte node identifier: the uncompressed secp256k1 public
// key with its 0x04 format byte stripped.
type NodeID [64]byte

// ErrInvalidNodeURL is returned for malformed enode URLs.
var ErrInvalidNodeURL = errors.New("dpt: invalid enode URL")

// PubkeyToID derives the node ID from a public key.
func PubkeyToID(pub *ecdsa.PublicKey) NodeID {
	var id NodeID
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}

// Pubkey recovers the public key the ID was derived from. IDs that do not
// describe a curve point are rejected.
func (id NodeID) Pubkey() (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(append([]byte{0x04}, id[:]...))
}

// String returns the full hex encoding of the ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// HexID parses a 128-character hex string into a NodeID. The "0x" prefix is
// optional.
func HexID(s string) (NodeID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return NodeID{}, fmt.Errorf("dpt: bad node ID: %w", err)
	}
	if len(b) != 64 {
		return NodeID{}, fmt.Errorf("dpt: wrong node ID length %d, want 64", len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// Endpoint identifies a host on the network. A zero port means the host is
// not reachable on that transport; in particular UDP == 0 means "not
// reachable by discovery".
type Endpoint struct {
	IP  net.IP
	UDP uint16
	TCP uint16
}

// NewEndpoint normalizes the IP to its 4-byte form where possible.
func NewEndpoint(ip net.IP, udp, tcp uint16) Endpoint {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Endpoint{IP: ip, UDP: udp, TCP: tcp}
}

// String returns "ip:udpPort".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.UDP)))
}

// udpAddr returns the endpoint's discovery socket address.
func (e Endpoint) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.UDP)}
}

// Peer couples a node ID with its endpoint. Peers are what the routing
// table stores and what ping resolves to.
type Peer struct {
	ID       NodeID
	Endpoint Endpoint
}

// ParseNode parses an enode URL of the form
//
//	enode://<128-hex-node-id>@<ip>:<tcp-port>[?discport=<udp-port>]
//
// The discport parameter defaults to the TCP port.
func ParseNode(rawurl string) (*Peer, error) {
	if !strings.HasPrefix(rawurl, "enode://") {
		return nil, fmt.Errorf("%w: missing enode:// prefix", ErrInvalidNodeURL)
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNodeURL, err)
	}
	if u.User == nil {
		return nil, fmt.Errorf("%w: missing node ID", ErrInvalidNodeURL)
	}
	id, err := HexID(u.User.Username())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNodeURL, err)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: bad host:port: %v", ErrInvalidNodeURL, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: bad IP %q", ErrInvalidNodeURL, host)
	}
	tcpPort, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad TCP port: %v", ErrInvalidNodeURL, err)
	}
	udpPort := tcpPort
	if dp := u.Query().Get("discport"); dp != "" {
		udpPort, err = strconv.ParseUint(dp, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: bad discport: %v", ErrInvalidNodeURL, err)
		}
	}
	return &Peer{
		ID:       id,
		Endpoint: NewEndpoint(ip, uint16(udpPort), uint16(tcpPort)),
	}, nil
}
