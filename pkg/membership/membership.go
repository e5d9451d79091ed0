// Package membership tracks the live peer set, the local node identity and
// the current leader.
//
// Failure detection proper (gossip or heartbeats) lives outside this
// package; List only records what a detector reports. Prober is a simple
// dial-based detector for deployments without one.
package membership

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
)

// Node is one cluster member, identified by its address (an IP or host name
// without port).
type Node struct {
	Address string `json:"address"`
}

// View is the read side of membership consumed by the scheduler, the control
// protocol and the election.
type View interface {
	// LiveNodes returns a snapshot of the live members, including self.
	LiveNodes() []Node

	// IsAddressHigher reports whether candidate is ordered above the local
	// node's address.
	IsAddressHigher(candidate string) bool

	Self() string
	Leader() string
	SetLeader(address string)
}

// List is the in-memory View implementation.
type List struct {
	self string

	mu     sync.RWMutex
	live   map[string]struct{}
	leader string
}

var _ View = (*List)(nil)

// NewList creates a view containing self plus the given peers, all live.
func NewList(self string, peers ...string) *List {
	l := &List{
		self: strings.TrimSpace(self),
		live: make(map[string]struct{}),
	}
	l.live[l.self] = struct{}{}
	for _, p := range peers {
		if p = strings.TrimSpace(p); p != "" {
			l.live[p] = struct{}{}
		}
	}
	return l
}

func (l *List) Self() string { return l.self }

// LiveNodes returns the live members ordered by address, highest last.
func (l *List) LiveNodes() []Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodes := make([]Node, 0, len(l.live))
	for addr := range l.live {
		nodes = append(nodes, Node{Address: addr})
	}
	sort.Slice(nodes, func(i, j int) bool {
		return CompareAddresses(nodes[i].Address, nodes[j].Address) < 0
	})
	return nodes
}

// IsAlive reports whether address is currently in the live set.
func (l *List) IsAlive(address string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.live[address]
	return ok
}

// MarkAlive adds address to the live set. It reports whether the set changed.
func (l *List) MarkAlive(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[address]; ok {
		return false
	}
	l.live[address] = struct{}{}
	return true
}

// MarkDead removes address from the live set. The local node is never
// removed. A dead leader is forgotten so callers can trigger an election.
func (l *List) MarkDead(address string) bool {
	if address == l.self {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[address]; !ok {
		return false
	}
	delete(l.live, address)
	if l.leader == address {
		l.leader = ""
	}
	return true
}

func (l *List) IsAddressHigher(candidate string) bool {
	return CompareAddresses(candidate, l.self) > 0
}

func (l *List) Leader() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leader
}

func (l *List) SetLeader(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = strings.TrimSpace(address)
}

// IsLeader reports whether the local node is the current leader.
func (l *List) IsLeader() bool {
	return l.Leader() == l.self
}

// CompareAddresses orders addresses numerically when both parse as IPs
// (IPv4 before IPv6), and lexically otherwise. It returns -1, 0 or +1.
func CompareAddresses(a, b string) int {
	ia, errA := netip.ParseAddr(a)
	ib, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return ia.Unmap().Compare(ib.Unmap())
	}
	return strings.Compare(a, b)
}

// Addresses flattens nodes into their addresses.
func Addresses(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Address
	}
	return out
}
