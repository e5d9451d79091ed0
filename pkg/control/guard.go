package control

import "sync/atomic"

// WriteGuard counts PUT requests currently writing on this node.
//
// The count only moves for writes that proceed: TryBegin or Begin when a
// write starts, End when it finishes. A PUT declined at the prompt never
// touches it.
type WriteGuard struct {
	n atomic.Int64
}

// TryBegin starts a write if none is in flight.
func (g *WriteGuard) TryBegin() bool {
	return g.n.CompareAndSwap(0, 1)
}

// Begin starts a write regardless of others in flight.
func (g *WriteGuard) Begin() {
	g.n.Add(1)
}

func (g *WriteGuard) End() {
	g.n.Add(-1)
}

func (g *WriteGuard) InFlight() int64 {
	return g.n.Load()
}
