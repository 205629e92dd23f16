// Package health probes chunk nodes and classifies their state.
package health

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// CapacitySink receives capacity reported by healthy nodes. Implemented by
// meta.CapacityRegistry.
type CapacitySink interface {
	Update(nodeID string, c *proto.Capacity)
	Forget(nodeID string)
}

// Config configures a Monitor.
type Config struct {
	Pool    *chunknode.Pool
	Timeout time.Duration
	// Interval between background probe rounds. Zero disables the loop.
	Interval time.Duration
	Sink     CapacitySink
	Metrics  *metrics.DFSMetrics
	Logger   zerolog.Logger
}

// Monitor probes every node's /health endpoint.
type Monitor struct {
	pool     *chunknode.Pool
	timeout  time.Duration
	interval time.Duration
	sink     CapacitySink
	metrics  *metrics.DFSMetrics
	logger   zerolog.Logger

	mu   sync.RWMutex
	last map[string]proto.NodeStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		pool:     cfg.Pool,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "health").Logger(),
		last:     make(map[string]proto.NodeStatus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Classify maps a probe result to a health status.
func Classify(status int, err error) string {
	switch {
	case err == nil && status == http.StatusOK:
		return proto.StatusHealthy
	case err == nil:
		return proto.StatusUnhealthy
	case errors.Is(err, proto.ErrUnreachable):
		return proto.StatusUnreachable
	case errors.Is(err, proto.ErrUnresponsive):
		return proto.StatusUnresponsive
	default:
		return proto.StatusError
	}
}

// Probe checks a single node.
func (m *Monitor) Probe(ctx context.Context, nodeID string) proto.NodeStatus {
	client, err := m.pool.Client(nodeID)
	if err != nil {
		return proto.NodeStatus{Status: proto.StatusError, Error: err.Error()}
	}

	code, resp, err := client.Health(ctx, m.timeout)
	st := proto.NodeStatus{Status: Classify(code, err)}
	switch {
	case err != nil:
		st.Error = err.Error()
	case code != http.StatusOK:
		st.Error = http.StatusText(code)
	case resp != nil:
		st.Capacity = resp.Capacity
	}
	m.record(nodeID, st)
	return st
}

// Check probes every node concurrently and returns the status of each.
func (m *Monitor) Check(ctx context.Context) map[string]proto.NodeStatus {
	ids := m.pool.IDs()
	out := make(map[string]proto.NodeStatus, len(ids))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			st := m.Probe(ctx, id)
			mu.Lock()
			out[id] = st
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

func (m *Monitor) record(nodeID string, st proto.NodeStatus) {
	healthy := st.Status == proto.StatusHealthy

	m.mu.Lock()
	prev, seen := m.last[nodeID]
	m.last[nodeID] = st
	m.mu.Unlock()

	if m.sink != nil {
		if healthy && st.Capacity != nil {
			m.sink.Update(nodeID, st.Capacity)
		} else if !healthy {
			m.sink.Forget(nodeID)
		}
	}
	if m.metrics != nil {
		m.metrics.SetNodeHealthy(nodeID, healthy)
	}

	if seen && prev.Status == st.Status {
		return
	}
	if healthy {
		m.logger.Info().Str("node", nodeID).Str("status", st.Status).Msg("node health changed")
	} else {
		m.logger.Warn().Str("node", nodeID).Str("status", st.Status).Str("error", st.Error).Msg("node health changed")
	}
}

// Last returns the most recent status of every probed node.
func (m *Monitor) Last() map[string]proto.NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]proto.NodeStatus, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

// Healthy returns the IDs of nodes whose last probe succeeded, sorted.
func (m *Monitor) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, st := range m.last {
		if st.Status == proto.StatusHealthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Start probes all nodes immediately and then every interval.
func (m *Monitor) Start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Dur("interval", m.interval).Msg("Health monitor started")
}

// Stop stops the background loop.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.Check(m.ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.ctx)
		}
	}
}
