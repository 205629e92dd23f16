package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Metadata is the metadata service as seen by the coordinator. Implemented
// in-process by *meta.Service and remotely by *meta.Client.
type Metadata interface {
	Cluster(ctx context.Context) (*proto.ClusterInfo, error)
	CreateFile(ctx context.Context, path string, size int64) (*proto.CreateFileResponse, error)
	GetFile(ctx context.Context, path string) (*proto.GetFileResponse, error)
	ListFiles(ctx context.Context, prefix string) (map[string]proto.FileSummary, error)
	RenameFile(ctx context.Context, oldPath, newPath string) error
	DeleteFile(ctx context.Context, path string) (*proto.DeleteFileResponse, error)
	ReportDegraded(ctx context.Context, chunkIDs []string) (int, error)
}

// Default fan-out limits.
const (
	DefaultWriteParallelism = 8
	DefaultReadWindow       = 4
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Meta Metadata
	Pool *chunknode.Pool
	// ChunkSize is fetched from the metadata service when zero.
	ChunkSize int64
	// WriteParallelism bounds concurrent replica puts.
	WriteParallelism int
	// ReadWindow bounds chunks fetched ahead of the writer.
	ReadWindow int
	Logger     zerolog.Logger
	Metrics    *metrics.DFSMetrics
}

// Coordinator drives the write and read paths: chunking, fan-out to
// replicas, ordered reassembly with replica fallback.
type Coordinator struct {
	meta    Metadata
	pool    *chunknode.Pool
	logger  zerolog.Logger
	metrics *metrics.DFSMetrics

	sizeMu      sync.Mutex
	chunkSize   int64
	parallelism int
	window      int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.WriteParallelism <= 0 {
		cfg.WriteParallelism = DefaultWriteParallelism
	}
	if cfg.ReadWindow <= 0 {
		cfg.ReadWindow = DefaultReadWindow
	}
	return &Coordinator{
		meta:        cfg.Meta,
		pool:        cfg.Pool,
		logger:      cfg.Logger.With().Str("component", "coordinator").Logger(),
		metrics:     cfg.Metrics,
		chunkSize:   cfg.ChunkSize,
		parallelism: cfg.WriteParallelism,
		window:      cfg.ReadWindow,
	}
}

func (c *Coordinator) resolveChunkSize(ctx context.Context) (int64, error) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	if c.chunkSize > 0 {
		return c.chunkSize, nil
	}
	info, err := c.meta.Cluster(ctx)
	if err != nil {
		return 0, err
	}
	if info.ChunkSize <= 0 {
		return 0, fmt.Errorf("metadata service reported chunk size %d: %w", info.ChunkSize, proto.ErrInvalidArgument)
	}
	c.chunkSize = info.ChunkSize
	return c.chunkSize, nil
}

// WriteBytes stores data at path.
func (c *Coordinator) WriteBytes(ctx context.Context, path string, data []byte) (*proto.CreateFileResponse, error) {
	return c.Write(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// Write stores size bytes read from r at path. It returns once every
// replica write has finished. A chunk acknowledged by some but not all
// replicas yields a *proto.PartialReplicationError after the chunk has been
// reported for repair; a chunk no replica accepted yields a
// *proto.ChunkUnavailableError.
func (c *Coordinator) Write(ctx context.Context, path string, r io.Reader, size int64) (*proto.CreateFileResponse, error) {
	chunkSize, err := c.resolveChunkSize(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := c.meta.CreateFile(ctx, path, size)
	if err != nil {
		return nil, err
	}

	type chunkAcks struct {
		acks     int
		failures []proto.ReplicaFailure
	}
	var (
		mu      sync.Mutex
		results = make(map[string]*chunkAcks, len(plan.Chunks))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, c.parallelism)
	)
	for _, id := range plan.Chunks {
		results[id] = &chunkAcks{}
	}

	chunker := NewChunker(r, size, chunkSize)
	var readErr error
	for _, id := range plan.Chunks {
		data, err := chunker.Next()
		if err != nil {
			readErr = err
			break
		}
		for _, nodeID := range plan.Replicas[id] {
			wg.Add(1)
			sem <- struct{}{}
			go func(chunkID, nodeID string, data []byte) {
				defer wg.Done()
				defer func() { <-sem }()

				err := c.putReplica(ctx, nodeID, chunkID, data)

				mu.Lock()
				defer mu.Unlock()
				res := results[chunkID]
				if err != nil {
					res.failures = append(res.failures, proto.ReplicaFailure{ChunkID: chunkID, NodeID: nodeID, Err: err})
					return
				}
				res.acks++
			}(id, nodeID, data)
		}
	}
	wg.Wait()

	if readErr != nil {
		c.logger.Warn().Err(readErr).Str("path", path).Msg("write aborted, removing partial file")
		if _, err := c.meta.DeleteFile(context.WithoutCancel(ctx), path); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("cleanup of partial file failed")
		}
		return nil, readErr
	}

	var (
		failures    []proto.ReplicaFailure
		degraded    []string
		unavailable *proto.ChunkUnavailableError
	)
	for _, id := range plan.Chunks {
		res := results[id]
		if len(res.failures) == 0 {
			continue
		}
		failures = append(failures, res.failures...)
		degraded = append(degraded, id)
		if res.acks == 0 && unavailable == nil {
			tried := make([]string, len(res.failures))
			for i, f := range res.failures {
				tried[i] = f.NodeID
			}
			unavailable = &proto.ChunkUnavailableError{ChunkID: id, Tried: tried, Last: res.failures[len(res.failures)-1].Err}
		}
	}

	if len(degraded) > 0 {
		if _, err := c.meta.ReportDegraded(context.WithoutCancel(ctx), degraded); err != nil {
			c.logger.Error().Err(err).Strs("chunks", degraded).Msg("report degraded chunks failed")
		}
	}
	if unavailable != nil {
		return plan, fmt.Errorf("write %s: %w", path, unavailable)
	}
	if len(failures) > 0 {
		c.logger.Warn().Str("path", path).Int("failed_replicas", len(failures)).Msg("write partially replicated")
		return plan, &proto.PartialReplicationError{Path: path, Failures: failures}
	}

	c.logger.Debug().Str("path", path).Int64("size", size).Int("chunks", len(plan.Chunks)).Msg("file written")
	return plan, nil
}

func (c *Coordinator) putReplica(ctx context.Context, nodeID, chunkID string, data []byte) error {
	client, err := c.pool.Client(nodeID)
	if err != nil {
		return err
	}
	if _, err := client.Put(ctx, chunkID, data); err != nil {
		if c.metrics != nil {
			c.metrics.ReplicaWriteFailures.WithLabelValues(nodeID).Inc()
		}
		c.logger.Warn().Err(err).Str("chunk", chunkID).Str("node", nodeID).Msg("replica write failed")
		return err
	}
	return nil
}

// ReadAll returns the full contents of the file at path.
func (c *Coordinator) ReadAll(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Read(ctx, path, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read streams the file at path to w, chunk by chunk in sequence order.
// Chunks are fetched in a bounded window ahead of the writer. The first
// chunk no replica can serve aborts the read with ErrChunkUnavailable.
func (c *Coordinator) Read(ctx context.Context, path string, w io.Writer) (int64, error) {
	file, err := c.meta.GetFile(ctx, path)
	if err != nil {
		return 0, err
	}
	chunks := file.Metadata.Chunks

	var written int64
	for start := 0; start < len(chunks); start += c.window {
		end := min(start+c.window, len(chunks))
		batch := make([][]byte, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.window)
		for i := start; i < end; i++ {
			info := chunks[i]
			slot := i - start
			g.Go(func() error {
				data, err := c.fetchChunk(gctx, info)
				if err != nil {
					return err
				}
				batch[slot] = data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return written, fmt.Errorf("read %s: %w", path, err)
		}

		for _, data := range batch {
			n, err := w.Write(data)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("write output: %w", err)
			}
		}
	}

	if written != file.Metadata.Size {
		return written, fmt.Errorf("read %s: got %d bytes, expected %d: %w", path, written, file.Metadata.Size, proto.ErrIOFailure)
	}
	return written, nil
}

// replicaOrder returns the primary followed by the remaining replicas in
// assigned order.
func replicaOrder(info proto.ChunkInfo) []string {
	order := make([]string, 0, len(info.ChunkServers))
	if info.Primary != "" {
		order = append(order, info.Primary)
	}
	for _, n := range info.ChunkServers {
		if n != info.Primary {
			order = append(order, n)
		}
	}
	return order
}

func (c *Coordinator) fetchChunk(ctx context.Context, info proto.ChunkInfo) ([]byte, error) {
	order := replicaOrder(info)
	var lastErr error
	for i, nodeID := range order {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := c.readReplica(ctx, nodeID, info.ChunkID)
		if err != nil {
			lastErr = err
			c.logger.Debug().Err(err).Str("chunk", info.ChunkID).Str("node", nodeID).Msg("replica read failed, trying next")
			continue
		}
		if i > 0 {
			if c.metrics != nil {
				c.metrics.ReadFallbacks.Inc()
			}
			c.logger.Info().Str("chunk", info.ChunkID).Str("node", nodeID).Msg("chunk served by fallback replica")
		}
		return data, nil
	}
	return nil, &proto.ChunkUnavailableError{ChunkID: info.ChunkID, Tried: order, Last: lastErr}
}

func (c *Coordinator) readReplica(ctx context.Context, nodeID, chunkID string) ([]byte, error) {
	client, err := c.pool.Client(nodeID)
	if err != nil {
		return nil, err
	}
	ok, err := client.Exists(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chunk %s on %s: %w", chunkID, nodeID, proto.ErrNotFound)
	}
	return client.Get(ctx, chunkID)
}

// List summarizes files under prefix.
func (c *Coordinator) List(ctx context.Context, prefix string) (map[string]proto.FileSummary, error) {
	return c.meta.ListFiles(ctx, prefix)
}

// Stat returns the metadata of the file at path.
func (c *Coordinator) Stat(ctx context.Context, path string) (*proto.GetFileResponse, error) {
	return c.meta.GetFile(ctx, path)
}

// Rename moves a file without touching its chunks.
func (c *Coordinator) Rename(ctx context.Context, oldPath, newPath string) error {
	return c.meta.RenameFile(ctx, oldPath, newPath)
}

// Delete removes a file. Replica cleanup is done by the metadata service.
func (c *Coordinator) Delete(ctx context.Context, path string) (*proto.DeleteFileResponse, error) {
	return c.meta.DeleteFile(ctx, path)
}

// IsPartial reports whether err is a partial replication outcome, i.e. the
// file was stored and is readable but not yet fully replicated.
func IsPartial(err error) bool {
	var pe *proto.PartialReplicationError
	return errors.As(err, &pe)
}
