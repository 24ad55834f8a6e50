package dpt

import (
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p2pforge/devp2p/crypto"
)

// newTestServer creates and binds a server on a random localhost port.
func newTestServer(t *testing.T, mod func(*Config)) *Server {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{PrivateKey: key, Timeout: 2 * time.Second}
	if mod != nil {
		mod(&cfg)
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Bind("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	return s
}

// peerFor builds the peer descriptor used to ping a bound test server.
func peerFor(s *Server, tcp uint16) *Peer {
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	return &Peer{
		ID:       s.Self(),
		Endpoint: NewEndpoint(addr.IP, uint16(addr.Port), tcp),
	}
}

// countingConn wraps a PacketConn and counts outgoing datagrams.
type countingConn struct {
	net.PacketConn
	writes atomic.Int64
}

func (c *countingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.writes.Add(1)
	return c.PacketConn.WriteTo(p, addr)
}

func TestPingPong(t *testing.T) {
	a := newTestServer(t, nil)
	b := newTestServer(t, nil)

	peer := peerFor(b, 30303)
	got, err := a.Ping(peer)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != b.Self() {
		t.Fatal("resolved peer has wrong ID")
	}
	if got.Endpoint.UDP != peer.Endpoint.UDP || got.Endpoint.TCP != 30303 {
		t.Fatalf("resolved endpoint mismatch: %+v", got.Endpoint)
	}

	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending map has %d entries after resolution", n)
	}
}

func TestPingTimeout(t *testing.T) {
	a := newTestServer(t, func(c *Config) { c.Timeout = 150 * time.Millisecond })

	// A socket that never answers.
	dead, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	dead.Close()

	peer := &Peer{Endpoint: NewEndpoint(deadAddr.IP, uint16(deadAddr.Port), 0)}
	start := time.Now()
	_, err = a.Ping(peer)
	if !errors.Is(err, ErrPingTimeout) {
		t.Fatalf("err = %v, want ErrPingTimeout", err)
	}
	if !strings.Contains(err.Error(), peer.Endpoint.String()) {
		t.Fatalf("timeout error %q does not mention the endpoint", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatal("ping resolved before the timeout window")
	}

	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending map has %d entries after timeout", n)
	}
}

func TestPingDedup(t *testing.T) {
	b := newTestServer(t, nil)

	inner, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	counter := &countingConn{PacketConn: inner}
	a := newTestServer(t, func(c *Config) { c.Conn = counter })

	peer := peerFor(b, 30303)

	const callers = 3
	var wg sync.WaitGroup
	results := make([]*Peer, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Ping(peer)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].ID != b.Self() {
			t.Fatalf("caller %d resolved wrong peer", i)
		}
	}
	// One datagram on the wire for the whole burst.
	if n := counter.writes.Load(); n != 1 {
		t.Fatalf("%d datagrams sent, want 1", n)
	}

	// A follow-up ping within the TTL reuses the resolved handle.
	if _, err := a.Ping(peer); err != nil {
		t.Fatal(err)
	}
	if n := counter.writes.Load(); n != 1 {
		t.Fatalf("%d datagrams sent after dedup re-ping, want 1", n)
	}
}

func TestUnmatchedPongDropped(t *testing.T) {
	a := newTestServer(t, nil)

	tok := make([]byte, 32)
	tok[0] = 0xfe
	a.handlePong(makeID(1), &Pong{ReplyTok: tok})
	a.handlePong(makeID(1), &Pong{ReplyTok: []byte{0x01}}) // short token

	// The server is still fully operational.
	b := newTestServer(t, nil)
	if _, err := a.Ping(peerFor(b, 0)); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownPingerEmitsPeers(t *testing.T) {
	b := newTestServer(t, nil)

	// A advertises a discovery port, so B can adopt it.
	a := newTestServer(t, func(c *Config) {
		c.Endpoint = NewEndpoint(net.ParseIP("127.0.0.1"), 40404, 40405)
	})

	start := time.Now()
	if _, err := a.Ping(peerFor(b, 0)); err != nil {
		t.Fatal(err)
	}

	select {
	case eps := <-b.Peers():
		if elapsed := time.Since(start); elapsed < unknownPingerDelay {
			t.Fatalf("peers event after %v, want >= %v", elapsed, unknownPingerDelay)
		}
		if len(eps) != 1 {
			t.Fatalf("peers event has %d endpoints, want 1", len(eps))
		}
		if eps[0].UDP != 40404 || eps[0].TCP != 40405 {
			t.Fatalf("endpoint mismatch: %+v", eps[0])
		}
	case <-time.After(time.Second):
		t.Fatal("no peers event")
	}

	// Exactly one event.
	select {
	case <-b.Peers():
		t.Fatal("second peers event")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestKnownPingerEmitsNothing(t *testing.T) {
	aKey, _ := crypto.GenerateKey()
	aID := PubkeyToID(&aKey.PublicKey)

	table := NewTable(makeID(0))
	table.AddPeer(&Peer{ID: aID, Endpoint: testEndpoint(1)})
	b := newTestServer(t, func(c *Config) { c.Table = table })

	a := newTestServer(t, func(c *Config) {
		c.PrivateKey = aKey
		c.Endpoint = NewEndpoint(net.ParseIP("127.0.0.1"), 40404, 0)
	})
	if _, err := a.Ping(peerFor(b, 0)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-b.Peers():
		t.Fatal("peers event for a known pinger")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFindNeighbours(t *testing.T) {
	table := NewTable(makeID(0))
	for i := byte(1); i <= 5; i++ {
		table.AddPeer(&Peer{
			ID:       makeID(i),
			Endpoint: NewEndpoint(net.ParseIP("10.0.0.1"), 30000+uint16(i), 30000+uint16(i)),
		})
	}
	b := newTestServer(t, func(c *Config) { c.Table = table })
	a := newTestServer(t, nil)

	if err := a.FindNeighbours(peerFor(b, 0), makeID(3)); err != nil {
		t.Fatal(err)
	}

	select {
	case eps := <-a.Peers():
		if len(eps) != 5 {
			t.Fatalf("peers event has %d endpoints, want 5", len(eps))
		}
	case <-time.After(time.Second):
		t.Fatal("no neighbours arrived")
	}
}

func TestDestroyRejectsPending(t *testing.T) {
	a := newTestServer(t, func(c *Config) { c.Timeout = time.Minute })

	dead, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	dead.Close()
	peer := &Peer{Endpoint: NewEndpoint(deadAddr.IP, uint16(deadAddr.Port), 0)}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Ping(peer)
		errCh <- err
	}()

	// Give the ping time to register, then tear down.
	time.Sleep(50 * time.Millisecond)
	a.Destroy()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerDestroyed) {
			t.Fatalf("err = %v, want ErrServerDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending ping not rejected by Destroy")
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done channel not closed")
	}

	if _, err := a.Ping(peer); !errors.Is(err, ErrServerDestroyed) {
		t.Fatalf("Ping after Destroy: %v", err)
	}
	if err := a.Bind("127.0.0.1:0"); !errors.Is(err, ErrServerDestroyed) {
		t.Fatalf("Bind after Destroy: %v", err)
	}
	if err := a.FindNeighbours(peer, NodeID{}); !errors.Is(err, ErrServerDestroyed) {
		t.Fatalf("FindNeighbours after Destroy: %v", err)
	}
}

func TestBindTwice(t *testing.T) {
	a := newTestServer(t, nil)
	if err := a.Bind("127.0.0.1:0"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Bind: %v", err)
	}
}

func TestPingBeforeBind(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s, err := NewServer(Config{PrivateKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ping(&Peer{Endpoint: testEndpoint(1)}); !errors.Is(err, ErrServerNotBound) {
		t.Fatalf("err = %v, want ErrServerNotBound", err)
	}
	s.Destroy()
}
