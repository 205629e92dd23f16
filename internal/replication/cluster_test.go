package replication

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/chunkstore"
	"github.com/tunnelmesh/meshdfs/internal/meta"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

const testChunkSize = 1024

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testNode is a chunk node served over httptest. Setting down makes every
// request fail with 503.
type testNode struct {
	id    string
	store *chunkstore.Store
	srv   *httptest.Server
	down  atomic.Bool
}

func (n *testNode) wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.down.Load() {
			http.Error(w, "node down", http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (n *testNode) has(id string) bool {
	return n.store.Exists(id)
}

func (n *testNode) corrupt(t *testing.T, id string) {
	t.Helper()
	path := filepath.Join(n.store.Dir(), "chunks", id[:2], id)
	require.NoError(t, os.WriteFile(path, []byte("MDFS garbage that is not a blob at all......"), 0644))
}

type testCluster struct {
	nodes map[string]*testNode
	pool  *chunknode.Pool
	svc   *meta.Service
	coord *Coordinator
	rc    *Reconciler
	clock *clock
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{
		nodes: make(map[string]*testNode, n),
		clock: &clock{t: time.Now()},
	}

	var table []proto.Node
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("node%d", i)
		store, err := chunkstore.New(t.TempDir(), chunkstore.Options{})
		require.NoError(t, err)
		node := &testNode{id: id, store: store}
		node.srv = httptest.NewServer(node.wrap(chunknode.NewServer(store, nil)))
		t.Cleanup(node.srv.Close)
		c.nodes[id] = node
		table = append(table, proto.Node{ID: id, Address: node.srv.URL})
	}
	c.pool = chunknode.NewPool(table, 2*time.Second)
	t.Cleanup(c.pool.Close)

	metaStore, err := meta.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaStore.Close() })

	c.svc, err = meta.NewService(metaStore, meta.Config{
		ChunkSize:         testChunkSize,
		ReplicationFactor: 2,
		LeaseDuration:     time.Minute,
		Nodes:             table,
		Deleter:           c.pool,
		Logger:            zerolog.Nop(),
		Now:               c.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(c.svc.Wait)

	c.coord = NewCoordinator(CoordinatorConfig{Meta: c.svc, Pool: c.pool, Logger: zerolog.Nop()})
	c.rc = NewReconciler(ReconcilerConfig{
		Service:          c.svc,
		Pool:             c.pool,
		Interval:         time.Hour,
		OrphanGrace:      time.Hour,
		OrphanSweepEvery: 0,
		Logger:           zerolog.Nop(),
		Now:              c.clock.Now,
	})
	c.svc.OnDegraded(c.rc.Enqueue)
	return c
}

func (c *testCluster) record(t *testing.T, id string) *meta.ChunkRecord {
	t.Helper()
	rec, ok := c.svc.Chunk(id)
	require.True(t, ok, "chunk %s has no record", id)
	return rec
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var (
	_ Metadata = (*meta.Service)(nil)
	_ Metadata = (*meta.Client)(nil)
)
