package scheduler

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// HashRing maps strategy group keys onto live workers with a consistent
// hash. Virtual nodes smooth the distribution; adding or removing a worker
// only remaps the groups that hashed to its arcs.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	owners   map[uint32]string
	members  []string
}

func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	return &HashRing{replicas: replicas, owners: map[uint32]string{}}
}

// Rebuild replaces the member set.
func (h *HashRing) Rebuild(members []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = h.ring[:0]
	h.owners = make(map[uint32]string, len(members)*h.replicas)
	h.members = append([]string(nil), members...)
	sort.Strings(h.members)
	for _, m := range h.members {
		for i := 0; i < h.replicas; i++ {
			sum := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", m, i)))
			if _, taken := h.owners[sum]; taken {
				continue
			}
			h.owners[sum] = m
			h.ring = append(h.ring, sum)
		}
	}
	sort.Slice(h.ring, func(i, j int) bool { return h.ring[i] < h.ring[j] })
}

// Owner returns the worker owning the key; empty when the ring is empty.
func (h *HashRing) Owner(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.ring) == 0 {
		return ""
	}
	sum := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.ring), func(i int) bool { return h.ring[i] >= sum })
	if idx == len(h.ring) {
		idx = 0
	}
	return h.owners[h.ring[idx]]
}

// Members returns the current member set, sorted.
func (h *HashRing) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.members...)
}

// Ownership maps each key to its owner, for operator tooling.
func (h *HashRing) Ownership(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = h.Owner(k)
	}
	return out
}
