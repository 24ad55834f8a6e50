// server.go implements the discovery UDP server: request/response
// correlation by packet hash, short-lived ping deduplication, timeouts,
// and dispatch of inbound packets.
package dpt

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/p2pforge/devp2p/log"
)

const (
	defaultTimeout = 10 * time.Second

	// Dedup cache geometry: concurrent pings to the same endpoint within
	// the TTL share one in-flight request.
	dedupCacheSize = 1000
	dedupTTL       = time.Second

	// unknownPingerDelay is how long the server waits before surfacing an
	// unknown pinger as a peer candidate, giving the pong time to travel.
	unknownPingerDelay = 100 * time.Millisecond

	peersFeedBuffer = 64
)

var (
	// ErrServerDestroyed is returned by every operation after Destroy, and
	// used to reject pings that were still pending at destruction.
	ErrServerDestroyed = errors.New("dpt: server destroyed")

	// ErrServerNotBound is returned when an operation needs the socket
	// before Bind has been called.
	ErrServerNotBound = errors.New("dpt: server not bound")

	// ErrAlreadyBound is returned by a second Bind.
	ErrAlreadyBound = errors.New("dpt: server already bound")

	// ErrPingTimeout is wrapped into the error a timed-out ping resolves
	// with; the message carries the unreachable "ip:port".
	ErrPingTimeout = errors.New("dpt: ping timeout")
)

// Config configures a discovery server. The zero value of every field but
// PrivateKey is usable.
type Config struct {
	// PrivateKey is the node's static secp256k1 key. Required.
	PrivateKey *ecdsa.PrivateKey

	// Endpoint is the advertised endpoint placed into outgoing pings.
	Endpoint Endpoint

	// Timeout bounds how long a ping waits for its pong. Defaults to 10s.
	Timeout time.Duration

	// Conn, when set, is used instead of opening a fresh socket in Bind.
	Conn net.PacketConn

	// Table is the routing table consulted for neighbour queries and
	// pinger lookups. Defaults to an empty Table for the local node.
	Table RoutingTable

	// Logger for server events. Defaults to the package default logger.
	Logger *log.Logger
}

// pingHandle is the shared result of one in-flight ping. All deduplicated
// callers block on done and then read peer/err.
type pingHandle struct {
	done    chan struct{}
	created time.Time
	peer    *Peer
	err     error
}

type pendingRequest struct {
	peer   *Peer
	handle *pingHandle
	timer  *time.Timer
}

// Server is the discovery UDP service. It owns its socket, pending-request
// map and dedup cache; one mutex serializes all state transitions, with
// parallelism available across servers, never inside one.
type Server struct {
	priv   *ecdsa.PrivateKey
	selfID NodeID
	cfg    Config
	table  RoutingTable
	lg     *log.Logger

	mu        sync.Mutex
	conn      net.PacketConn
	pending   map[[32]byte]*pendingRequest
	requested lru.BasicLRU[string, *pingHandle]
	destroyed bool

	peersFeed chan []Endpoint
	closed    chan struct{}
	loopDone  chan struct{}
}

// NewServer creates a discovery server from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("dpt: config needs a private key")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Endpoint.IP == nil {
		cfg.Endpoint.IP = net.IPv4zero
	}
	selfID := PubkeyToID(&cfg.PrivateKey.PublicKey)
	if cfg.Table == nil {
		cfg.Table = NewTable(selfID)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.Default()
	}
	return &Server{
		priv:      cfg.PrivateKey,
		selfID:    selfID,
		cfg:       cfg,
		table:     cfg.Table,
		lg:        lg.Module("dpt"),
		pending:   make(map[[32]byte]*pendingRequest),
		requested: lru.NewBasicLRU[string, *pingHandle](dedupCacheSize),
		peersFeed: make(chan []Endpoint, peersFeedBuffer),
		closed:    make(chan struct{}),
	}, nil
}

// Self returns the local node ID.
func (s *Server) Self() NodeID {
	return s.selfID
}

// Peers returns the channel on which discovered endpoints are delivered:
// neighbour responses and unknown pingers surface here. The higher layer
// drains it; events are dropped when the buffer is full.
func (s *Server) Peers() <-chan []Endpoint {
	return s.peersFeed
}

// Done is closed when the server has been destroyed.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}

// Bind opens the UDP socket on addr (e.g. "0.0.0.0:30303") and starts the
// read loop. When Config.Conn is set, that socket is used and addr is
// ignored. Returning nil is the listening signal.
func (s *Server) Bind(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrServerDestroyed
	}
	if s.conn != nil {
		return ErrAlreadyBound
	}

	conn := s.cfg.Conn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp4", addr)
		if err != nil {
			return fmt.Errorf("dpt: bind: %w", err)
		}
	}
	s.conn = conn
	s.loopDone = make(chan struct{})
	go s.readLoop(conn)

	s.lg.Info("listening", "addr", conn.LocalAddr().String(), "id", s.selfID.String()[:16])
	return nil
}

// Destroy closes the socket and rejects every outstanding ping. All later
// operations fail with ErrServerDestroyed.
func (s *Server) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	conn := s.conn
	pending := s.pending
	s.pending = make(map[[32]byte]*pendingRequest)
	s.requested.Purge()
	s.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		req.handle.err = ErrServerDestroyed
		close(req.handle.done)
	}
	if conn != nil {
		conn.Close()
		<-s.loopDone
	}
	close(s.closed)
	s.lg.Info("destroyed")
}

// Ping probes a peer and blocks until the matching pong arrives or the
// timeout fires. Concurrent pings to the same "ip:port" within the dedup
// TTL collapse into a single datagram whose outcome all callers share.
func (s *Server) Ping(peer *Peer) (*Peer, error) {
	h, err := s.startPing(peer)
	if err != nil {
		return nil, err
	}
	<-h.done
	return h.peer, h.err
}

// startPing sends the datagram (unless deduplicated) and registers the
// pending request.
func (s *Server) startPing(peer *Peer) (*pingHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrServerDestroyed
	}
	if s.conn == nil {
		return nil, ErrServerNotBound
	}

	rckey := peer.Endpoint.String()
	if h, ok := s.requested.Get(rckey); ok && time.Since(h.created) < dedupTTL {
		return h, nil
	}

	ping := &Ping{
		Version:    pingVersion,
		From:       s.cfg.Endpoint,
		To:         peer.Endpoint,
		Expiration: uint64(time.Now().Add(s.cfg.Timeout).Unix()),
	}
	hash, err := s.send(peer.Endpoint.udpAddr(), ping)
	if err != nil {
		return nil, err
	}

	var rkey [32]byte
	copy(rkey[:], hash)
	h := &pingHandle{done: make(chan struct{}), created: time.Now()}
	req := &pendingRequest{peer: peer, handle: h}
	req.timer = time.AfterFunc(s.cfg.Timeout, func() { s.expire(rkey, rckey) })
	s.pending[rkey] = req
	s.requested.Add(rckey, h)
	return h, nil
}

// expire rejects one pending request after its timeout.
func (s *Server) expire(rkey [32]byte, rckey string) {
	s.mu.Lock()
	req, ok := s.pending[rkey]
	if ok {
		delete(s.pending, rkey)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pingTimeouts.Inc()
	s.lg.Debug("ping timeout", "to", rckey)
	req.handle.err = fmt.Errorf("%w for %s", ErrPingTimeout, rckey)
	close(req.handle.done)
}

// FindNeighbours asks peer for the nodes closest to target. The request is
// fire-and-forget; resulting neighbours surface on the Peers channel.
func (s *Server) FindNeighbours(peer *Peer, target NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrServerDestroyed
	}
	if s.conn == nil {
		return ErrServerNotBound
	}
	_, err := s.send(peer.Endpoint.udpAddr(), &Findneighbours{
		Target:     target,
		Expiration: uint64(time.Now().Add(s.cfg.Timeout).Unix()),
	})
	return err
}

// send encodes, signs and transmits one packet. Callers hold s.mu.
func (s *Server) send(to *net.UDPAddr, pkt Packet) ([]byte, error) {
	packet, hash, err := Encode(s.priv, pkt)
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.WriteTo(packet, to); err != nil {
		return nil, fmt.Errorf("dpt: send %s: %w", pkt.Name(), err)
	}
	packetsOut.WithLabelValues(pkt.Name()).Inc()
	return hash, nil
}

// readLoop receives datagrams until the socket closes. Datagrams are handled
// one at a time on this goroutine; the server mutex is held only around the
// state each handler reads or changes, not across a whole datagram.
func (s *Server) readLoop(conn net.PacketConn) {
	defer close(s.loopDone)
	buf := make([]byte, MaxPacketSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			dead := s.destroyed
			s.mu.Unlock()
			if !dead {
				s.lg.Error("socket error", "err", err)
			}
			return
		}
		from, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		s.handlePacket(from, packet)
	}
}

// handlePacket verifies and dispatches one datagram. Malformed or unknown
// packets are dropped, never fatal.
func (s *Server) handlePacket(from *net.UDPAddr, buf []byte) {
	pkt, fromID, hash, err := Decode(buf)
	if err != nil {
		packetsInvalid.Inc()
		s.lg.Debug("invalid packet", "from", from.String(), "err", err)
		return
	}
	packetsIn.WithLabelValues(pkt.Name()).Inc()

	switch p := pkt.(type) {
	case *Ping:
		s.handlePing(from, fromID, hash, p)
	case *Pong:
		s.handlePong(fromID, p)
	case *Findneighbours:
		s.handleFindneighbours(from, p)
	case *Neighbours:
		s.handleNeighbours(p)
	}
}

// handlePing answers with a pong echoing the request hash. A pinger the
// routing table does not know, but which is reachable by discovery, is
// surfaced as a peer candidate shortly afterwards so the table can decide
// whether to adopt it.
func (s *Server) handlePing(from *net.UDPAddr, fromID NodeID, hash []byte, ping *Ping) {
	pong := &Pong{
		To:         NewEndpoint(from.IP, uint16(from.Port), ping.From.TCP),
		ReplyTok:   hash,
		Expiration: uint64(time.Now().Add(s.cfg.Timeout).Unix()),
	}
	s.mu.Lock()
	if !s.destroyed && s.conn != nil {
		if _, err := s.send(from, pong); err != nil {
			s.lg.Debug("pong send failed", "to", from.String(), "err", err)
		}
	}
	s.mu.Unlock()

	if s.table.GetPeer(fromID) == nil && ping.From.UDP != 0 {
		candidate := NewEndpoint(from.IP, ping.From.UDP, ping.From.TCP)
		time.AfterFunc(unknownPingerDelay, func() {
			s.mu.Lock()
			dead := s.destroyed
			s.mu.Unlock()
			if !dead {
				s.emitPeers([]Endpoint{candidate})
			}
		})
	}
}

// handlePong resolves the pending ping the pong's reply token points at.
// Unmatched and late pongs are dropped.
func (s *Server) handlePong(fromID NodeID, pong *Pong) {
	if len(pong.ReplyTok) != macSize {
		return
	}
	var rkey [32]byte
	copy(rkey[:], pong.ReplyTok)

	s.mu.Lock()
	req, ok := s.pending[rkey]
	if ok {
		delete(s.pending, rkey)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	req.timer.Stop()
	req.handle.peer = &Peer{ID: fromID, Endpoint: req.peer.Endpoint}
	close(req.handle.done)
}

// handleFindneighbours answers with the closest peers the routing table
// knows for the target.
func (s *Server) handleFindneighbours(from *net.UDPAddr, req *Findneighbours) {
	closest := s.table.GetClosestPeers(req.Target)
	nodes := make([]Node, 0, len(closest))
	for _, p := range closest {
		nodes = append(nodes, Node{
			IP:  p.Endpoint.IP,
			UDP: p.Endpoint.UDP,
			TCP: p.Endpoint.TCP,
			ID:  p.ID,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.conn == nil {
		return
	}
	if _, err := s.send(from, &Neighbours{
		Nodes:      nodes,
		Expiration: uint64(time.Now().Add(s.cfg.Timeout).Unix()),
	}); err != nil {
		s.lg.Debug("neighbours send failed", "to", from.String(), "err", err)
	}
}

// handleNeighbours surfaces the received endpoints.
func (s *Server) handleNeighbours(n *Neighbours) {
	if len(n.Nodes) == 0 {
		return
	}
	endpoints := make([]Endpoint, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		endpoints = append(endpoints, NewEndpoint(node.IP, node.UDP, node.TCP))
	}
	s.emitPeers(endpoints)
}

// emitPeers delivers endpoints on the peers channel without blocking the
// read loop.
func (s *Server) emitPeers(endpoints []Endpoint) {
	select {
	case s.peersFeed <- endpoints:
	default:
		s.lg.Warn("peers event dropped", "count", len(endpoints))
	}
}
