// table.go implements the k-bucket routing table the discovery server
// consults. Buckets are indexed by the XOR log distance between the
// keccak256 hashes of node IDs.
package dpt

import (
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/p2pforge/devp2p/crypto"
)

const (
	bucketSize      = 16  // max entries per bucket
	numBuckets      = 256 // one per possible log distance
	maxReplacements = 10  // replacement cache per bucket

	// maxNeighbours is how many peers fit a neighbours packet without
	// exceeding the datagram size limit.
	maxNeighbours = 12
)

// RoutingTable is the view of the peer table the discovery server needs.
// Any implementation can be plugged into the server; Table is the default.
type RoutingTable interface {
	// GetPeer returns the peer with the given ID, or nil.
	GetPeer(id NodeID) *Peer

	// GetClosestPeers returns up to a packet's worth of peers ordered by
	// ascending XOR distance to the target.
	GetClosestPeers(target NodeID) []*Peer
}

type bucket struct {
	entries      []*Peer
	replacements []*Peer
}

// Table is a Kademlia-style routing table.
type Table struct {
	mu      sync.RWMutex
	self    NodeID
	buckets [numBuckets]bucket
}

// NewTable creates an empty table for the given local node ID.
func NewTable(self NodeID) *Table {
	return &Table{self: self}
}

// Self returns the local node ID.
func (t *Table) Self() NodeID {
	return t.self
}

// idHash returns the keccak256 hash of an ID as a 256-bit integer.
func idHash(id NodeID) *uint256.Int {
	var h [32]byte
	copy(h[:], crypto.Keccak256(id[:]))
	return new(uint256.Int).SetBytes32(h[:])
}

// logDist returns the XOR log distance between two IDs in [0, 256];
// 0 means the IDs are equal.
func logDist(a, b NodeID) int {
	return new(uint256.Int).Xor(idHash(a), idHash(b)).BitLen()
}

// distCmp compares which of a and b is closer to target.
func distCmp(target, a, b NodeID) int {
	th := idHash(target)
	da := new(uint256.Int).Xor(th, idHash(a))
	db := new(uint256.Int).Xor(th, idHash(b))
	return da.Cmp(db)
}

// AddPeer inserts a peer into its distance bucket. Full buckets spill into
// a bounded replacement cache. The local node is never stored.
func (t *Table) AddPeer(p *Peer) {
	if p.ID == t.self {
		return
	}
	idx := logDist(t.self, p.ID) - 1
	if idx < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for _, e := range b.entries {
		if e.ID == p.ID {
			e.Endpoint = p.Endpoint
			return
		}
	}
	if len(b.entries) < bucketSize {
		b.entries = append(b.entries, p)
		return
	}
	for _, e := range b.replacements {
		if e.ID == p.ID {
			return
		}
	}
	if len(b.replacements) < maxReplacements {
		b.replacements = append(b.replacements, p)
	}
}

// RemovePeer drops a peer, promoting a replacement if one exists.
func (t *Table) RemovePeer(id NodeID) {
	idx := logDist(t.self, id) - 1
	if idx < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if len(b.replacements) > 0 {
				b.entries = append(b.entries, b.replacements[0])
				b.replacements = b.replacements[1:]
			}
			return
		}
	}
}

// GetPeer implements RoutingTable.
func (t *Table) GetPeer(id NodeID) *Peer {
	idx := logDist(t.self, id) - 1
	if idx < 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.buckets[idx].entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// GetClosestPeers implements RoutingTable.
func (t *Table) GetClosestPeers(target NodeID) []*Peer {
	t.mu.RLock()
	var all []*Peer
	for i := range t.buckets {
		all = append(all, t.buckets[i].entries...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return distCmp(target, all[i].ID, all[j].ID) < 0
	})
	if len(all) > maxNeighbours {
		all = all[:maxNeighbours]
	}
	return all
}

// Len returns the number of stored peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

// Peers returns all stored peers.
func (t *Table) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var all []*Peer
	for i := range t.buckets {
		all = append(all, t.buckets[i].entries...)
	}
	return all
}
