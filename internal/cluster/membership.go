// Package cluster holds the process-local, mutable membership list
// described in spec.md §3/§4.3: the set of known replica addresses, this
// replica's own id, and the address of the current leader (if known).
package cluster

import (
	"sync"
	"sync/atomic"
)

// Node is one replica address known to this process.
type Node struct {
	ID      int    `json:"id"`
	Address string `json:"address"`
}

// Membership tracks the replicas this process knows about and which one
// is currently believed to be leader. It is not persisted: on restart a
// replica re-reads its configured initial list, per spec.md §4.3.
//
// Grounded on the teacher's cluster.Membership (same name, same
// sync.RWMutex guard), generalized from "membership backing a consistent-
// hash ring" to "membership backing a leader pointer."
type Membership struct {
	mu            sync.RWMutex
	selfID        int
	nodes         map[int]Node
	currentLeader string
	term          int
	isLeader      atomic.Bool
}

// New creates a Membership seeded with the given nodes (which must include
// self) and this replica's own id.
func New(selfID int, nodes []Node) *Membership {
	m := &Membership{
		selfID: selfID,
		nodes:  make(map[int]Node, len(nodes)),
	}
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
	return m
}

// SelfID returns this replica's configured election rank.
func (m *Membership) SelfID() int { return m.selfID }

// Self returns this replica's own Node entry.
func (m *Membership) Self() (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[m.selfID]
	return n, ok
}

// All returns a snapshot copy of every known node, including self.
func (m *Membership) All() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// Peers returns every known node except self.
func (m *Membership) Peers() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		if id != m.selfID {
			out = append(out, n)
		}
	}
	return out
}

// LowerIDPeers returns every known node with an ID strictly less than
// self's — the set the Elector contacts during an election (spec.md
// §4.5 step 1).
func (m *Membership) LowerIDPeers() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		if id < m.selfID {
			out = append(out, n)
		}
	}
	return out
}

// Join adds a new node to the membership, used by the leader when a
// replica calls JoinCluster (spec.md §4.7) and by followers when applying
// a membership_update replication payload.
func (m *Membership) Join(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

// Replace swaps the entire membership list, used to apply a
// membership_update replication payload verbatim (spec.md §4.6).
func (m *Membership) Replace(nodes []Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[int]Node, len(nodes))
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
}

// CurrentLeader returns the address of the replica currently believed to
// be leader, or "" if unknown (e.g. during an election).
func (m *Membership) CurrentLeader() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLeader
}

// SetLeader updates the believed leader address.
func (m *Membership) SetLeader(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLeader = address
}

// Term returns the local election-epoch counter. Per SPEC_FULL.md's Open
// Question decision, this is tracked and logged for diagnostics only; it
// is never used to reject a client write. Bumped by BecomeLeader on
// every election win.
func (m *Membership) Term() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term
}

// ObserveTerm raises the local term counter to at least other, used when a
// heartbeat or election message carries a higher term than ours.
func (m *Membership) ObserveTerm(other int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other > m.term {
		m.term = other
	}
}

// IsLeader reports whether this replica currently believes itself leader.
// Backed by an atomic so the FailureDetector's heartbeat loop can poll it
// without contending with the RWMutex guarding the rest of the struct.
func (m *Membership) IsLeader() bool {
	return m.isLeader.Load()
}

// BecomeLeader marks self as leader, bumps the term, and points
// currentLeader at self's own address. Called once by the Elector on an
// election win (spec.md §4.5 step 3) and once at startup for the
// configured initial leader (spec.md §4.3).
func (m *Membership) BecomeLeader() int {
	self, _ := m.Self()
	m.mu.Lock()
	m.currentLeader = self.Address
	m.term++
	term := m.term
	m.mu.Unlock()
	m.isLeader.Store(true)
	return term
}

// StepDown clears self's leader flag. Called when a heartbeat from a
// higher-id leader arrives while self believes itself leader (spec.md
// §4.4), or when an election response reveals a lower-id peer is alive
// (spec.md §4.5 step 2).
func (m *Membership) StepDown() {
	m.isLeader.Store(false)
}
