package replication

import (
	"context"
)

// SweepOrphans deletes blobs that no chunk record assigns to the node holding
// them, once they are older than the orphan grace period. Blobs on
// unreachable nodes are left for a later sweep. Returns the number reclaimed.
func (rc *Reconciler) SweepOrphans(ctx context.Context) int {
	cutoff := rc.now().Add(-rc.orphanGrace)
	reclaimed := 0

	for _, nodeID := range rc.pool.IDs() {
		if ctx.Err() != nil {
			break
		}
		client, err := rc.pool.Client(nodeID)
		if err != nil {
			continue
		}
		blobs, err := client.List(ctx)
		if err != nil {
			rc.logger.Debug().Err(err).Str("node", nodeID).Msg("orphan sweep skipped node")
			continue
		}

		for _, blob := range blobs {
			if !blob.ModTime.Before(cutoff) {
				continue
			}
			if rec, ok := rc.svc.Chunk(blob.ChunkID); ok && rec.HasReplica(nodeID) {
				continue
			}
			if err := client.Delete(ctx, blob.ChunkID); err != nil {
				rc.logger.Warn().Err(err).Str("node", nodeID).Str("chunk", blob.ChunkID).Msg("orphan delete failed")
				continue
			}
			reclaimed++
			rc.logger.Debug().Str("node", nodeID).Str("chunk", blob.ChunkID).Int64("size", blob.Size).Msg("orphan reclaimed")
		}
	}

	if reclaimed > 0 {
		rc.orphansReclaimed.Add(uint64(reclaimed))
		if rc.metrics != nil {
			rc.metrics.OrphansReclaimed.Add(float64(reclaimed))
		}
		rc.logger.Info().Int("reclaimed", reclaimed).Msg("orphan sweep complete")
	}
	return reclaimed
}
