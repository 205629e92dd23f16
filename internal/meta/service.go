// Package meta implements the metadata service: the namespace of files, the
// chunk placement and lease directory, and their bbolt persistence.
package meta

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// ChunkDeleter removes a chunk replica from a node. Deletes issued by the
// service are best effort.
type ChunkDeleter interface {
	DeleteChunk(ctx context.Context, nodeID, chunkID string) error
}

// Config configures a Service.
type Config struct {
	ChunkSize         int64
	ReplicationFactor int
	LeaseDuration     time.Duration
	Nodes             []proto.Node
	// MaxChunks caps the chunk count of a single file. Defaults to DefaultMaxChunks.
	MaxChunks int

	// Policy defaults to round robin over Nodes.
	Policy Policy
	// Deleter receives best-effort replica deletes. Optional.
	Deleter ChunkDeleter
	Metrics *metrics.DFSMetrics
	Logger  zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultMaxChunks is the per-file chunk limit when Config.MaxChunks is unset.
const DefaultMaxChunks = 1 << 20

// Service owns the namespace and chunk directory. Mutations are serialized
// and each is committed to the store in one transaction before the
// in-memory indexes change.
type Service struct {
	cfg    Config
	store  *Store
	logger zerolog.Logger

	mu      sync.RWMutex
	ns      *Namespace
	dir     *Directory
	nodeSet map[string]bool

	onDegraded func([]string)

	// deletes tracks background replica deletes.
	deletes sync.WaitGroup
}

// NewService loads the persisted state from store and returns a ready service.
func NewService(store *Store, cfg Config) (*Service, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %w", proto.ErrInvalidArgument)
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 2
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	nodeIDs := make([]string, len(cfg.Nodes))
	nodeSet := make(map[string]bool, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodeIDs[i] = n.ID
		nodeSet[n.ID] = true
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRoundRobin(nodeIDs)
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger.With().Str("component", "meta").Logger(),
		ns:      NewNamespace(),
		dir:     NewDirectory(),
		nodeSet: nodeSet,
	}

	snap, err := store.load()
	if err != nil {
		return nil, err
	}
	for _, e := range snap.files {
		s.ns.Put(e)
	}
	for _, r := range snap.chunks {
		s.dir.Put(r)
	}
	if sp, ok := cfg.Policy.(StatefulPolicy); ok {
		sp.SetCursor(snap.cursor)
	}
	s.updateDegradedGauge()

	s.logger.Info().
		Int("files", s.ns.Len()).
		Int("chunks", s.dir.Len()).
		Str("placement", cfg.Policy.Name()).
		Msg("metadata loaded")
	return s, nil
}

// OnDegraded registers fn to receive chunk IDs reported degraded.
// Typically the reconciler's repair queue.
func (s *Service) OnDegraded(fn func([]string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDegraded = fn
}

// Cluster returns the static layout clients need for the write path.
func (s *Service) Cluster(ctx context.Context) (*proto.ClusterInfo, error) {
	return &proto.ClusterInfo{
		ChunkSize:         s.cfg.ChunkSize,
		ReplicationFactor: s.cfg.ReplicationFactor,
		Nodes:             append([]proto.Node(nil), s.cfg.Nodes...),
	}, nil
}

// Nodes returns the node table.
func (s *Service) Nodes() []proto.Node {
	return append([]proto.Node(nil), s.cfg.Nodes...)
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required: %w", proto.ErrInvalidArgument)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must be absolute: %w", path, proto.ErrInvalidArgument)
	}
	return nil
}

// ChunkCount returns ceil(size/chunkSize) without overflowing near MaxInt64.
// The result saturates at math.MaxInt.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	if uint64(n) > uint64(math.MaxInt) {
		return math.MaxInt
	}
	return int(n)
}

// CreateFile registers a file of size bytes at path and returns its chunk
// plan. An existing file at path is replaced and its chunks are released.
func (s *Service) CreateFile(ctx context.Context, path string, size int64) (*proto.CreateFileResponse, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("size %d: %w", size, proto.ErrInvalidArgument)
	}

	n := ChunkCount(size, s.cfg.ChunkSize)
	if n > s.cfg.MaxChunks {
		return nil, fmt.Errorf("size %d needs %d chunks, limit is %d: %w",
			size, n, s.cfg.MaxChunks, proto.ErrInvalidArgument)
	}

	entry, records, released, err := s.createLocked(path, size, n)
	if err != nil {
		return nil, err
	}

	if len(released) > 0 {
		s.logger.Info().Str("path", path).Int("released_chunks", len(released)).Msg("file overwritten")
		s.deleteReplicasAsync(ctx, released)
	}
	s.logger.Debug().Str("path", path).Int64("size", size).Int("chunks", n).Msg("file created")

	resp := &proto.CreateFileResponse{
		Path:     path,
		Chunks:   append([]string{}, entry.Chunks...),
		Replicas: make(map[string][]string, n),
	}
	for _, r := range records {
		resp.Replicas[r.ID] = append([]string(nil), r.Replicas...)
	}
	return resp, nil
}

// createLocked places n chunks for path and commits the new entry, replacing
// any existing one. It returns the records the replaced entry owned.
func (s *Service) createLocked(path string, size int64, n int) (*FileEntry, []*ChunkRecord, []*ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevCursor uint64
	sp, stateful := s.cfg.Policy.(StatefulPolicy)
	if stateful {
		prevCursor = sp.Cursor()
	}
	sets, err := s.cfg.Policy.Place(n, s.cfg.ReplicationFactor, s.cfg.ChunkSize)
	if err != nil {
		return nil, nil, nil, err
	}

	now := s.cfg.Now()
	entry := &FileEntry{Path: path, Size: size, CreatedAt: now.UTC(), Chunks: make([]string, n)}
	records := make([]*ChunkRecord, n)
	for i, set := range sets {
		id := uuid.NewString()
		entry.Chunks[i] = id
		records[i] = &ChunkRecord{
			ID:              id,
			Path:            path,
			Replicas:        set,
			Primary:         set[0],
			Version:         0,
			LeaseExpiration: now.Add(s.cfg.LeaseDuration).UTC(),
		}
	}

	released := s.releasedLocked(path)
	err = s.store.update(func(tx *storeTx) error {
		for _, r := range released {
			if err := tx.deleteChunk(r.ID); err != nil {
				return err
			}
		}
		if err := tx.putFile(entry); err != nil {
			return err
		}
		for _, r := range records {
			if err := tx.putChunk(r); err != nil {
				return err
			}
		}
		if stateful {
			return tx.putCursor(sp.Cursor())
		}
		return nil
	})
	if err != nil {
		if stateful {
			sp.SetCursor(prevCursor)
		}
		return nil, nil, nil, fmt.Errorf("persist file %s: %w: %w", path, err, proto.ErrIOFailure)
	}

	for _, r := range released {
		s.dir.Remove(r.ID)
	}
	s.ns.Put(entry)
	for _, r := range records {
		s.dir.Put(r)
	}
	s.updateDegradedGauge()
	return entry, records, released, nil
}

// releasedLocked returns copies of the chunk records owned by the file at
// path, if any.
func (s *Service) releasedLocked(path string) []*ChunkRecord {
	old, ok := s.ns.Get(path)
	if !ok {
		return nil
	}
	var out []*ChunkRecord
	for _, id := range old.Chunks {
		if r, ok := s.dir.Get(id); ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// GetFile returns the entry at path with its resolved chunk records.
func (s *Service) GetFile(ctx context.Context, path string) (*proto.GetFileResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.ns.Get(path)
	if !ok {
		return nil, fmt.Errorf("file %s: %w", path, proto.ErrNotFound)
	}
	md := proto.FileMetadata{
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
		Chunks:    make([]proto.ChunkInfo, 0, len(e.Chunks)),
	}
	for _, id := range e.Chunks {
		r, ok := s.dir.Get(id)
		if !ok {
			// Entries and records are written together; a gap means the store was edited.
			return nil, fmt.Errorf("file %s: chunk record %s missing: %w", path, id, proto.ErrChunkUnavailable)
		}
		md.Chunks = append(md.Chunks, chunkInfo(r))
		md.Degraded = md.Degraded || r.Degraded
	}
	return &proto.GetFileResponse{Path: path, Metadata: md}, nil
}

func chunkInfo(r *ChunkRecord) proto.ChunkInfo {
	return proto.ChunkInfo{
		ChunkID:         r.ID,
		ChunkServers:    append([]string(nil), r.Replicas...),
		Primary:         r.Primary,
		Version:         r.Version,
		LeaseExpiration: r.LeaseExpiration,
		Degraded:        r.Degraded,
	}
}

// ListFiles summarizes every file whose path starts with prefix.
func (s *Service) ListFiles(ctx context.Context, prefix string) (map[string]proto.FileSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ns.List(prefix)
	out := make(map[string]proto.FileSummary, len(entries))
	for _, e := range entries {
		sum := proto.FileSummary{Size: e.Size, ChunkCount: len(e.Chunks), CreatedAt: e.CreatedAt}
		for _, id := range e.Chunks {
			if r, ok := s.dir.Get(id); ok && r.Degraded {
				sum.Degraded = true
				break
			}
		}
		out[e.Path] = sum
	}
	return out, nil
}

// RenameFile moves the entry at oldPath to newPath, keeping its chunks.
// A file already at newPath is replaced and its chunks are released.
func (s *Service) RenameFile(ctx context.Context, oldPath, newPath string) error {
	if err := validatePath(newPath); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.ns.Get(oldPath)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %s: %w", oldPath, proto.ErrNotFound)
	}
	if oldPath == newPath {
		s.mu.Unlock()
		return nil
	}

	moved := e.clone()
	moved.Path = newPath
	var records []*ChunkRecord
	for _, id := range moved.Chunks {
		if r, ok := s.dir.Get(id); ok {
			c := r.clone()
			c.Path = newPath
			records = append(records, c)
		}
	}
	released := s.releasedLocked(newPath)

	err := s.store.update(func(tx *storeTx) error {
		for _, r := range released {
			if err := tx.deleteChunk(r.ID); err != nil {
				return err
			}
		}
		if err := tx.deleteFile(oldPath); err != nil {
			return err
		}
		if err := tx.putFile(moved); err != nil {
			return err
		}
		for _, r := range records {
			if err := tx.putChunk(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist rename %s -> %s: %w: %w", oldPath, newPath, err, proto.ErrIOFailure)
	}

	for _, r := range released {
		s.dir.Remove(r.ID)
	}
	s.ns.Remove(oldPath)
	s.ns.Put(moved)
	for _, r := range records {
		s.dir.Put(r)
	}
	s.updateDegradedGauge()
	s.mu.Unlock()

	if len(released) > 0 {
		s.deleteReplicasAsync(ctx, released)
	}
	s.logger.Debug().Str("path", oldPath).Str("new_path", newPath).Msg("file renamed")
	return nil
}

// DeleteFile removes the entry at path and its chunk records, then asks
// every replica to drop the chunks in the background. Replica failures are
// logged only; the orphan sweep reclaims what they leave behind.
func (s *Service) DeleteFile(ctx context.Context, path string) (*proto.DeleteFileResponse, error) {
	s.mu.Lock()
	e, ok := s.ns.Get(path)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("file %s: %w", path, proto.ErrNotFound)
	}
	released := s.releasedLocked(path)

	err := s.store.update(func(tx *storeTx) error {
		for _, r := range released {
			if err := tx.deleteChunk(r.ID); err != nil {
				return err
			}
		}
		return tx.deleteFile(path)
	})
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist delete %s: %w: %w", path, err, proto.ErrIOFailure)
	}

	for _, r := range released {
		s.dir.Remove(r.ID)
	}
	s.ns.Remove(path)
	s.updateDegradedGauge()
	s.mu.Unlock()

	s.deleteReplicasAsync(ctx, released)
	s.logger.Debug().Str("path", path).Int("chunks", len(e.Chunks)).Msg("file deleted")

	return &proto.DeleteFileResponse{Deleted: path, ChunksDeleted: append([]string{}, e.Chunks...)}, nil
}

// deleteReplicasAsync runs deleteReplicas detached from the caller's
// cancellation so a request can return once its metadata is committed.
func (s *Service) deleteReplicasAsync(ctx context.Context, records []*ChunkRecord) {
	if s.cfg.Deleter == nil || len(records) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.deletes.Add(1)
	go func() {
		defer s.deletes.Done()
		s.deleteReplicas(ctx, records)
	}()
}

// Wait blocks until background replica deletes have finished.
func (s *Service) Wait() {
	s.deletes.Wait()
}

// deleteReplicas issues best-effort deletes for every replica of records.
func (s *Service) deleteReplicas(ctx context.Context, records []*ChunkRecord) {
	if s.cfg.Deleter == nil || len(records) == 0 {
		return
	}
	sem := make(chan struct{}, 8)
	var wg sync.WaitGroup
	for _, r := range records {
		for _, node := range r.Replicas {
			wg.Add(1)
			sem <- struct{}{}
			go func(chunkID, nodeID string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := s.cfg.Deleter.DeleteChunk(ctx, nodeID, chunkID); err != nil {
					s.logger.Warn().Err(err).Str("chunk", chunkID).Str("node", nodeID).Msg("replica delete failed")
					if s.cfg.Metrics != nil {
						s.cfg.Metrics.DeleteFailures.WithLabelValues(nodeID).Inc()
					}
				}
			}(r.ID, node)
		}
	}
	wg.Wait()
}

// ReportDegraded marks the given chunks degraded and hands them to the
// repair hook. Unknown IDs are skipped. Returns the number accepted.
func (s *Service) ReportDegraded(ctx context.Context, chunkIDs []string) (int, error) {
	accepted, err := s.setDegraded(chunkIDs, true)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	hook := s.onDegraded
	s.mu.RUnlock()
	if hook != nil && len(accepted) > 0 {
		hook(accepted)
	}
	if len(accepted) > 0 {
		s.logger.Warn().Strs("chunks", accepted).Msg("chunks reported degraded")
	}
	return len(accepted), nil
}

// MarkDegraded sets the degraded flag on chunk records without queueing repair.
func (s *Service) MarkDegraded(chunkIDs ...string) error {
	_, err := s.setDegraded(chunkIDs, true)
	return err
}

// MarkHealthy clears the degraded flag on chunk records.
func (s *Service) MarkHealthy(chunkIDs ...string) error {
	_, err := s.setDegraded(chunkIDs, false)
	return err
}

func (s *Service) setDegraded(chunkIDs []string, degraded bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accepted []string
	var changed []*ChunkRecord
	for _, id := range chunkIDs {
		r, ok := s.dir.Get(id)
		if !ok {
			continue
		}
		accepted = append(accepted, id)
		if r.Degraded != degraded {
			c := r.clone()
			c.Degraded = degraded
			changed = append(changed, c)
		}
	}
	if err := s.commitRecordsLocked(changed); err != nil {
		return nil, err
	}
	return accepted, nil
}

// Chunk returns a copy of the record for id.
func (s *Service) Chunk(id string) (*ChunkRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.dir.Get(id)
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Chunks returns copies of all chunk records, sorted by path then ID.
func (s *Service) Chunks() []*ChunkRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.dir.All()
	out := make([]*ChunkRecord, len(all))
	for i, r := range all {
		out[i] = r.clone()
	}
	return out
}

// RenewLease extends the lease of a chunk by the lease duration.
func (s *Service) RenewLease(id string) error {
	return s.updateRecord(id, func(r *ChunkRecord) error {
		r.LeaseExpiration = s.cfg.Now().Add(s.cfg.LeaseDuration).UTC()
		return nil
	})
}

// RenewLeases extends the leases of every known chunk in ids in a single
// commit. Unknown IDs are skipped. Returns the number renewed.
func (s *Service) RenewLeases(ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.cfg.Now().Add(s.cfg.LeaseDuration).UTC()
	changed := make([]*ChunkRecord, 0, len(ids))
	for _, id := range ids {
		r, ok := s.dir.Get(id)
		if !ok {
			continue
		}
		c := r.clone()
		c.LeaseExpiration = expires
		changed = append(changed, c)
	}
	if err := s.commitRecordsLocked(changed); err != nil {
		return 0, err
	}
	return len(changed), nil
}

// ReassignPrimary makes nodeID the primary of a chunk, bumps its version
// and grants a fresh lease. nodeID must be a replica.
func (s *Service) ReassignPrimary(id, nodeID string) error {
	return s.updateRecord(id, func(r *ChunkRecord) error {
		if !r.HasReplica(nodeID) {
			return fmt.Errorf("node %s is not a replica of %s: %w", nodeID, id, proto.ErrInvalidArgument)
		}
		r.Primary = nodeID
		r.Version++
		r.LeaseExpiration = s.cfg.Now().Add(s.cfg.LeaseDuration).UTC()
		return nil
	})
}

func (s *Service) updateRecord(id string, fn func(r *ChunkRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dir.Get(id)
	if !ok {
		return fmt.Errorf("chunk %s: %w", id, proto.ErrNotFound)
	}
	c := r.clone()
	if err := fn(c); err != nil {
		return err
	}
	return s.commitRecordsLocked([]*ChunkRecord{c})
}

func (s *Service) commitRecordsLocked(records []*ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.store.update(func(tx *storeTx) error {
		for _, r := range records {
			if err := tx.putChunk(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist chunk records: %w: %w", err, proto.ErrIOFailure)
	}
	for _, r := range records {
		s.dir.Put(r)
	}
	s.updateDegradedGauge()
	return nil
}

// IsNode reports whether id is in the node table.
func (s *Service) IsNode(id string) bool {
	return s.nodeSet[id]
}

func (s *Service) updateDegradedGauge() {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DegradedChunks.Set(float64(s.dir.DegradedCount()))
	}
}
