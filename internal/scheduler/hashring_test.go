package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("group-%04d", i)
	}
	return keys
}

func TestHashRingOwnership(t *testing.T) {
	ring := NewHashRing(128)

	assert.Empty(t, ring.Owner("anything"), "empty ring owns nothing")

	workers := []string{"worker-a", "worker-b", "worker-c"}
	ring.Rebuild(workers)
	assert.Equal(t, workers, ring.Members())

	keys := groupKeys(1000)
	owned := ring.Ownership(keys)
	require.Len(t, owned, len(keys))

	counts := map[string]int{}
	for _, owner := range owned {
		require.Contains(t, workers, owner)
		counts[owner]++
	}
	for _, w := range workers {
		assert.Greater(t, counts[w], 0, "every worker should own some groups")
	}
}

func TestHashRingStability(t *testing.T) {
	ring := NewHashRing(128)
	ring.Rebuild([]string{"worker-a", "worker-b", "worker-c"})

	keys := groupKeys(1000)
	before := ring.Ownership(keys)

	ring.Rebuild([]string{"worker-a", "worker-b"})
	after := ring.Ownership(keys)

	moved := 0
	for _, k := range keys {
		if before[k] == "worker-c" {
			continue
		}
		if before[k] != after[k] {
			moved++
		}
	}
	assert.Zero(t, moved, "removing a worker must not remap other workers' groups")
}

func TestHashRingDeterministic(t *testing.T) {
	a := NewHashRing(64)
	b := NewHashRing(64)
	a.Rebuild([]string{"w2", "w1", "w3"})
	b.Rebuild([]string{"w1", "w3", "w2"})

	for _, k := range groupKeys(50) {
		assert.Equal(t, a.Owner(k), b.Owner(k), "member order must not matter")
	}
}

func TestPullCost(t *testing.T) {
	b := &TokenBucket{Capacity: 10, FreeLatency: 500 * time.Millisecond}

	assert.Zero(t, b.PullCost(200*time.Millisecond), "fast pulls are free")
	assert.Zero(t, b.PullCost(500*time.Millisecond))
	assert.Equal(t, 1, b.PullCost(600*time.Millisecond))
	assert.Equal(t, 2, b.PullCost(1200*time.Millisecond))
	assert.Equal(t, 5, b.PullCost(4100*time.Millisecond))
}
