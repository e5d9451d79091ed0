package scheduler

import (
	"fmt"
	"math/rand/v2"

	"github.com/3leaps/maplejuice/pkg/membership"
)

// GetWorkers samples k distinct live addresses uniformly at random. It fails
// instead of spinning when k exceeds the number of distinct live nodes.
func GetWorkers(nodes []membership.Node, k int, rng *rand.Rand) ([]string, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, k)
	}
	distinct := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Address != "" {
			distinct[n.Address] = struct{}{}
		}
	}
	if k > len(distinct) {
		return nil, fmt.Errorf("%w: want %d, have %d live", ErrNotEnoughWorkers, k, len(distinct))
	}

	picked := make(map[string]struct{}, k)
	out := make([]string, 0, k)
	for len(out) < k {
		addr := nodes[rng.IntN(len(nodes))].Address
		if addr == "" {
			continue
		}
		if _, dup := picked[addr]; dup {
			continue
		}
		picked[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// NewWorkerIP returns the first live address not already in pool, or "" when
// every live node is in the pool.
func NewWorkerIP(pool []string, nodes []membership.Node) string {
	inPool := make(map[string]struct{}, len(pool))
	for _, p := range pool {
		inPool[p] = struct{}{}
	}
	for _, n := range nodes {
		if n.Address == "" {
			continue
		}
		if _, ok := inPool[n.Address]; !ok {
			return n.Address
		}
	}
	return ""
}
