package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/meta"
	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

const (
	defaultReconcileInterval    = 60 * time.Second
	defaultReconcileParallelism = 4

	// queueTick drains the repair queue even when no wake signal arrives.
	queueTick = 5 * time.Second
)

// Repair results, used as metric labels.
const (
	RepairHealed        = "healed"
	RepairFailed        = "failed"
	RepairUnrecoverable = "unrecoverable"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Service *meta.Service
	Pool    *chunknode.Pool

	// Interval between full cycles.
	Interval time.Duration
	// RepairRate limits replica copies per second. Zero is unlimited.
	RepairRate float64
	// Parallelism bounds chunks reconciled at once.
	Parallelism int

	// OrphanGrace is the minimum age of an unreferenced blob before it is reclaimed.
	OrphanGrace time.Duration
	// OrphanSweepEvery runs the orphan sweep every N full cycles. Zero disables it.
	OrphanSweepEvery int

	Logger  zerolog.Logger
	Metrics *metrics.DFSMetrics
	Now     func() time.Time
}

// Reconciler periodically checks every chunk record against the nodes that
// should hold it, copies missing replicas from a surviving one, maintains
// primary leases and reclaims orphaned blobs.
type Reconciler struct {
	svc     *meta.Service
	pool    *chunknode.Pool
	logger  zerolog.Logger
	metrics *metrics.DFSMetrics
	now     func() time.Time

	interval    time.Duration
	parallelism int
	limiter     *rate.Limiter
	orphanGrace time.Duration
	orphanEvery int

	pending sync.Map // chunk ID -> *repairEntry
	wake    chan struct{}

	cycleMu sync.Mutex

	// Metrics
	runsTotal        atomic.Uint64
	replicasHealed   atomic.Uint64
	repairsFailed    atomic.Uint64
	unrecoverable    atomic.Uint64
	primariesMoved   atomic.Uint64
	orphansReclaimed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnCycleComplete is called after each full cycle.
	OnCycleComplete func(stats CycleStats)
}

// NewReconciler creates a reconciler. Call Start to run it in the background.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultReconcileParallelism
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rate.Limiter
	if cfg.RepairRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RepairRate), max(1, int(cfg.RepairRate)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		svc:         cfg.Service,
		pool:        cfg.Pool,
		logger:      cfg.Logger.With().Str("component", "reconciler").Logger(),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		interval:    cfg.Interval,
		parallelism: cfg.Parallelism,
		limiter:     limiter,
		orphanGrace: cfg.OrphanGrace,
		orphanEvery: cfg.OrphanSweepEvery,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background loop.
func (rc *Reconciler) Start() {
	rc.wg.Add(1)
	go rc.run()
	rc.logger.Info().Dur("interval", rc.interval).Msg("Reconciler started")
}

// Stop stops the background loop and waits for an in-flight cycle to finish.
func (rc *Reconciler) Stop() {
	rc.cancel()
	rc.wg.Wait()
	rc.logger.Info().Msg("Reconciler stopped")
}

// CycleStats summarizes one reconcile pass.
type CycleStats struct {
	Chunks              int           `json:"chunks"`
	Healthy             int           `json:"healthy"`
	Healed              int           `json:"healed"`
	Failed              int           `json:"failed"`
	Unrecoverable       int           `json:"unrecoverable"`
	CorruptReplicas     int           `json:"corrupt_replicas"`
	LeasesRenewed       int           `json:"leases_renewed"`
	PrimariesReassigned int           `json:"primaries_reassigned"`
	OrphansReclaimed    int           `json:"orphans_reclaimed"`
	Duration            time.Duration `json:"duration"`
}

func (s *CycleStats) add(o chunkOutcome) {
	s.Chunks++
	s.Healed += o.healed
	s.Failed += o.failed
	s.CorruptReplicas += o.corrupt
	switch {
	case o.unrecoverable:
		s.Unrecoverable++
	case o.failed == 0:
		s.Healthy++
	}
	if o.primaryMoved {
		s.PrimariesReassigned++
	}
}

// ReconcilerStats holds cumulative reconciler statistics.
type ReconcilerStats struct {
	RunsTotal           uint64 `json:"runs_total"`
	ReplicasHealed      uint64 `json:"replicas_healed"`
	RepairsFailed       uint64 `json:"repairs_failed"`
	Unrecoverable       uint64 `json:"unrecoverable"`
	PrimariesReassigned uint64 `json:"primaries_reassigned"`
	OrphansReclaimed    uint64 `json:"orphans_reclaimed"`
	Pending             int    `json:"pending"`
}

// GetStats returns cumulative statistics.
func (rc *Reconciler) GetStats() ReconcilerStats {
	return ReconcilerStats{
		RunsTotal:           rc.runsTotal.Load(),
		ReplicasHealed:      rc.replicasHealed.Load(),
		RepairsFailed:       rc.repairsFailed.Load(),
		Unrecoverable:       rc.unrecoverable.Load(),
		PrimariesReassigned: rc.primariesMoved.Load(),
		OrphansReclaimed:    rc.orphansReclaimed.Load(),
		Pending:             rc.Pending(),
	}
}

func (rc *Reconciler) run() {
	defer rc.wg.Done()

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	queueTicker := time.NewTicker(queueTick)
	defer queueTicker.Stop()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.RunCycle(rc.ctx)
		case <-rc.wake:
			rc.DrainQueue(rc.ctx)
		case <-queueTicker.C:
			rc.DrainQueue(rc.ctx)
		}
	}
}

// RunCycle reconciles every chunk record once and, when due, sweeps orphans.
func (rc *Reconciler) RunCycle(ctx context.Context) CycleStats {
	rc.cycleMu.Lock()
	defer rc.cycleMu.Unlock()

	start := rc.now()
	stats := rc.reconcileAll(ctx, rc.svc.Chunks())

	runs := rc.runsTotal.Add(1)
	if rc.orphanEvery > 0 && runs%uint64(rc.orphanEvery) == 0 && ctx.Err() == nil {
		stats.OrphansReclaimed = rc.SweepOrphans(ctx)
	}
	stats.Duration = rc.now().Sub(start)

	if rc.metrics != nil {
		rc.metrics.ReconcileCycles.Inc()
	}
	rc.logger.Info().
		Int("chunks", stats.Chunks).
		Int("healed", stats.Healed).
		Int("failed", stats.Failed).
		Int("unrecoverable", stats.Unrecoverable).
		Int("corrupt_replicas", stats.CorruptReplicas).
		Int("primaries_reassigned", stats.PrimariesReassigned).
		Int("orphans_reclaimed", stats.OrphansReclaimed).
		Dur("duration", stats.Duration).
		Msg("Reconcile cycle complete")

	if rc.OnCycleComplete != nil {
		rc.OnCycleComplete(stats)
	}
	return stats
}

// reconcileAll reconciles records in parallel and renews the leases of all
// of them that qualify in a single metadata commit.
func (rc *Reconciler) reconcileAll(ctx context.Context, records []*meta.ChunkRecord) CycleStats {
	var (
		stats CycleStats
		renew []string
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, rc.parallelism)
	)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *meta.ChunkRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			out := rc.reconcileChunk(ctx, rec)
			mu.Lock()
			stats.add(out)
			if out.renew {
				renew = append(renew, rec.ID)
			}
			mu.Unlock()
		}(rec)
	}
	wg.Wait()

	n, err := rc.svc.RenewLeases(renew...)
	if err != nil {
		rc.logger.Warn().Err(err).Int("chunks", len(renew)).Msg("renew leases failed")
	}
	stats.LeasesRenewed = n
	return stats
}

// chunkOutcome is the result of reconciling one chunk.
type chunkOutcome struct {
	healed        int
	failed        int
	corrupt       int
	unrecoverable bool
	renew         bool
	primaryMoved  bool
}

// reconcileChunk reads every replica of rec, rewrites replicas that are
// absent or fail verification from an intact copy and updates the degraded
// flag and lease.
func (rc *Reconciler) reconcileChunk(ctx context.Context, rec *meta.ChunkRecord) chunkOutcome {
	var out chunkOutcome
	log := rc.logger.With().Str("chunk", rec.ID).Str("path", rec.Path).Logger()

	var (
		have, missing []string
		source        string
		intact        []byte
	)
	for _, nodeID := range rec.Replicas {
		data, err := rc.verify(ctx, nodeID, rec.ID)
		if err != nil {
			if errors.Is(err, proto.ErrCorruptChunk) {
				out.corrupt++
				log.Warn().Err(err).Str("node", nodeID).Msg("replica failed verification")
			}
			missing = append(missing, nodeID)
			continue
		}
		if source == "" {
			source, intact = nodeID, data
		}
		have = append(have, nodeID)
	}

	if len(have) == 0 {
		out.unrecoverable = true
		rc.unrecoverable.Add(1)
		if rc.metrics != nil {
			rc.metrics.RecordRepair(RepairUnrecoverable)
		}
		log.Error().Strs("replicas", rec.Replicas).Msg("no replica holds chunk")
		if err := rc.svc.MarkDegraded(rec.ID); err != nil {
			log.Warn().Err(err).Msg("mark degraded failed")
		}
		return out
	}

	for _, target := range missing {
		if ctx.Err() != nil {
			out.failed++
			continue
		}
		if err := rc.copyReplica(ctx, rec.ID, intact, target); err != nil {
			out.failed++
			rc.repairsFailed.Add(1)
			if rc.metrics != nil {
				rc.metrics.RecordRepair(RepairFailed)
			}
			log.Warn().Err(err).Str("target", target).Msg("replica repair failed")
			continue
		}
		out.healed++
		have = append(have, target)
		rc.replicasHealed.Add(1)
		if rc.metrics != nil {
			rc.metrics.RecordRepair(RepairHealed)
		}
		log.Info().Str("source", source).Str("target", target).Msg("replica repaired")
	}

	switch {
	case out.failed > 0:
		if err := rc.svc.MarkDegraded(rec.ID); err != nil {
			log.Warn().Err(err).Msg("mark degraded failed")
		}
	case rec.Degraded:
		if err := rc.svc.MarkHealthy(rec.ID); err != nil {
			log.Warn().Err(err).Msg("mark healthy failed")
		}
	}

	rc.maintainLease(rec, have, &out, log)
	return out
}

// maintainLease renews the lease of rec, or moves the primary to a surviving
// replica when the lease has expired and the primary lost the chunk.
func (rc *Reconciler) maintainLease(rec *meta.ChunkRecord, have []string, out *chunkOutcome, log zerolog.Logger) {
	primaryHas := false
	for _, n := range have {
		if n == rec.Primary {
			primaryHas = true
			break
		}
	}

	if !primaryHas {
		// The lease is left to run out before the primary moves.
		if rc.now().Before(rec.LeaseExpiration) {
			return
		}
		next := have[0]
		if err := rc.svc.ReassignPrimary(rec.ID, next); err != nil {
			log.Warn().Err(err).Msg("reassign primary failed")
			return
		}
		out.primaryMoved = true
		rc.primariesMoved.Add(1)
		log.Info().Str("old_primary", rec.Primary).Str("new_primary", next).Msg("primary reassigned")
		return
	}

	out.renew = true
}

// verify fetches chunkID from nodeID. The node checks the stored digest, so
// a nil error means the replica is intact.
func (rc *Reconciler) verify(ctx context.Context, nodeID, chunkID string) ([]byte, error) {
	client, err := rc.pool.Client(nodeID)
	if err != nil {
		return nil, err
	}
	data, err := client.Get(ctx, chunkID)
	if err != nil {
		if !errors.Is(err, proto.ErrNotFound) {
			rc.logger.Debug().Err(err).Str("chunk", chunkID).Str("node", nodeID).Msg("replica read failed")
		}
		return nil, err
	}
	return data, nil
}

// copyReplica writes an intact copy of chunkID to target.
func (rc *Reconciler) copyReplica(ctx context.Context, chunkID string, data []byte, target string) error {
	dst, err := rc.pool.Client(target)
	if err != nil {
		return err
	}
	if rc.limiter != nil {
		if err := rc.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if _, err := dst.Put(ctx, chunkID, data); err != nil {
		return fmt.Errorf("copy chunk %s to %s: %w", chunkID, target, err)
	}
	return nil
}
