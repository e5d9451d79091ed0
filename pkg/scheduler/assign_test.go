package scheduler

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/maplejuice/pkg/membership"
)

func nodes(addrs ...string) []membership.Node {
	out := make([]membership.Node, len(addrs))
	for i, a := range addrs {
		out[i] = membership.Node{Address: a}
	}
	return out
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

func TestGetWorkers_DistinctLiveAddresses(t *testing.T) {
	live := nodes("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
	rng := testRNG()

	for k := 1; k <= len(live); k++ {
		got, err := GetWorkers(live, k, rng)
		require.NoError(t, err)
		require.Len(t, got, k)

		seen := map[string]bool{}
		for _, w := range got {
			assert.False(t, seen[w], "duplicate worker %s", w)
			seen[w] = true
			assert.Contains(t, membership.Addresses(live), w)
		}
	}
}

func TestGetWorkers_Errors(t *testing.T) {
	live := nodes("10.0.0.1", "10.0.0.2", "10.0.0.2")

	_, err := GetWorkers(live, 3, testRNG())
	assert.ErrorIs(t, err, ErrNotEnoughWorkers, "duplicates do not count twice")

	_, err = GetWorkers(nil, 1, testRNG())
	assert.ErrorIs(t, err, ErrNotEnoughWorkers)

	_, err = GetWorkers(live, 0, testRNG())
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)

	got, err := GetWorkers(live, 2, testRNG())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, got)
}

func TestNewWorkerIP(t *testing.T) {
	live := nodes("10.0.0.1", "10.0.0.2", "10.0.0.3")

	assert.Equal(t, "10.0.0.2", NewWorkerIP([]string{"10.0.0.1"}, live))
	assert.Equal(t, "10.0.0.1", NewWorkerIP(nil, live))
	assert.Empty(t, NewWorkerIP([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, live))
	assert.Empty(t, NewWorkerIP(nil, nil))
}
