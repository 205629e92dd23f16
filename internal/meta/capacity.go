package meta

import (
	"sort"
	"sync"
	"time"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// CapacitySnapshot is a point-in-time view of a node's storage.
type CapacitySnapshot struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	proto.Capacity
}

// EffectiveAvailableBytes returns the bytes a node can still accept.
func (s *CapacitySnapshot) EffectiveAvailableBytes() int64 {
	return s.VolumeAvailableBytes
}

// CapacityRegistry maintains the latest capacity snapshot for each node.
// It is fed by the health monitor.
type CapacityRegistry struct {
	mu        sync.RWMutex
	snapshots map[string]*CapacitySnapshot // nodeID -> latest
}

// NewCapacityRegistry creates a new empty capacity registry.
func NewCapacityRegistry() *CapacityRegistry {
	return &CapacityRegistry{
		snapshots: make(map[string]*CapacitySnapshot),
	}
}

// Update stores or replaces the snapshot for a node. A nil capacity is ignored.
func (r *CapacityRegistry) Update(nodeID string, c *proto.Capacity) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[nodeID] = &CapacitySnapshot{NodeID: nodeID, Timestamp: time.Now(), Capacity: *c}
}

// Forget drops the snapshot for a node, e.g. when it stops answering.
func (r *CapacityRegistry) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, nodeID)
}

// Get returns the latest snapshot for a node, or nil if unknown.
func (r *CapacityRegistry) Get(nodeID string) *CapacitySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[nodeID]
}

// HasCapacityFor checks whether a node has room for bytes.
// Fail-open: returns true if no snapshot is available.
func (r *CapacityRegistry) HasCapacityFor(nodeID string, bytes int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[nodeID]
	if !ok {
		return true
	}
	return snap.EffectiveAvailableBytes() >= bytes
}

// SortByAvailableCapacity sorts node IDs by descending available capacity.
// Unknown nodes keep their relative order and are placed last.
func (r *CapacityRegistry) SortByAvailableCapacity(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := make([]string, len(ids))
	copy(sorted, ids)

	sort.SliceStable(sorted, func(i, j int) bool {
		si, oki := r.snapshots[sorted[i]]
		sj, okj := r.snapshots[sorted[j]]
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		return si.EffectiveAvailableBytes() > sj.EffectiveAvailableBytes()
	})

	return sorted
}

// available returns the effective available bytes per node; nodes without a
// snapshot are absent.
func (r *CapacityRegistry) available(ids []string) map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		if s, ok := r.snapshots[id]; ok {
			out[id] = s.EffectiveAvailableBytes()
		}
	}
	return out
}
