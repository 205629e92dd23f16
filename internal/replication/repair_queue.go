package replication

import (
	"context"
	"time"

	"github.com/tunnelmesh/meshdfs/internal/meta"
)

// repairEntry is a chunk waiting for an out-of-cycle repair.
type repairEntry struct {
	chunkID    string
	enqueuedAt time.Time
}

// Enqueue schedules chunks for repair ahead of the next full cycle. It is
// non-blocking; a chunk enqueued twice before the queue drains is repaired once.
func (rc *Reconciler) Enqueue(chunkIDs []string) {
	now := rc.now()
	for _, id := range chunkIDs {
		rc.pending.Store(id, &repairEntry{chunkID: id, enqueuedAt: now})
	}

	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of chunks waiting in the repair queue.
func (rc *Reconciler) Pending() int {
	n := 0
	rc.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// DrainQueue snapshots and clears the repair queue, then repairs each queued
// chunk. Chunks whose records have since been removed are dropped.
func (rc *Reconciler) DrainQueue(ctx context.Context) CycleStats {
	var entries []*repairEntry
	rc.pending.Range(func(key, value any) bool {
		entries = append(entries, value.(*repairEntry))
		rc.pending.Delete(key)
		return true
	})

	stats := CycleStats{}
	if len(entries) == 0 {
		return stats
	}

	rc.cycleMu.Lock()
	defer rc.cycleMu.Unlock()

	start := rc.now()
	records := make([]*meta.ChunkRecord, 0, len(entries))
	for _, e := range entries {
		if rec, ok := rc.svc.Chunk(e.chunkID); ok {
			records = append(records, rec)
		}
	}
	stats = rc.reconcileAll(ctx, records)
	stats.Duration = rc.now().Sub(start)

	rc.logger.Debug().Int("queued", len(entries)).Int("healed", stats.Healed).Int("failed", stats.Failed).
		Msg("repair queue drained")
	return stats
}
