package meta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

type staticHealth map[string]proto.NodeStatus

func (h staticHealth) Check(context.Context) map[string]proto.NodeStatus { return h }

func newTestServer(t *testing.T) (*testEnv, *Client) {
	t.Helper()
	env := newTestEnv(t)
	health := staticHealth{
		"node1": {Status: proto.StatusHealthy},
		"node2": {Status: proto.StatusUnreachable, Error: "connection refused"},
	}
	srv := httptest.NewServer(NewServer(env.svc, health, metrics.InitMetrics(nil)))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, 5*time.Second)
	t.Cleanup(c.CloseIdleConnections)
	return env, c
}

func TestServer_FileLifecycle(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	created, err := c.CreateFile(ctx, "/dfs/docs/report.pdf", 9_000_000)
	require.NoError(t, err)
	assert.Len(t, created.Chunks, 3)

	got, err := c.GetFile(ctx, "/dfs/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/dfs/docs/report.pdf", got.Path)
	assert.Len(t, got.Metadata.Chunks, 3)

	files, err := c.ListFiles(ctx, "/dfs/docs/")
	require.NoError(t, err)
	assert.Equal(t, 3, files["/dfs/docs/report.pdf"].ChunkCount)

	require.NoError(t, c.RenameFile(ctx, "/dfs/docs/report.pdf", "/dfs/docs/final.pdf"))
	_, err = c.GetFile(ctx, "/dfs/docs/report.pdf")
	assert.ErrorIs(t, err, proto.ErrNotFound)

	n, err := c.ReportDegraded(ctx, created.Chunks[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	del, err := c.DeleteFile(ctx, "/dfs/docs/final.pdf")
	require.NoError(t, err)
	assert.Equal(t, created.Chunks, del.ChunksDeleted)

	_, err = c.DeleteFile(ctx, "/dfs/docs/final.pdf")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestServer_ErrorsCrossTheWire(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	_, err := c.CreateFile(ctx, "/a", -5)
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)
	assert.Equal(t, proto.KindInvalidArgument, proto.KindOf(err))

	err = c.RenameFile(ctx, "/missing", "/b")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestServer_ListDefaultsToRoot(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()
	_, err := c.CreateFile(ctx, "/x", 1)
	require.NoError(t, err)

	resp, err := http.Get(c.BaseURL() + "/api/list")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BadBody(t *testing.T) {
	_, c := newTestServer(t)
	resp, err := http.Post(c.BaseURL()+"/api/file", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ClusterAndHealth(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	info, err := c.Cluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(testChunkSize), info.ChunkSize)
	assert.Len(t, info.Nodes, 3)

	health, err := c.NodeHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusHealthy, health["node1"].Status)
	assert.Equal(t, proto.StatusUnreachable, health["node2"].Status)

	resp, err := http.Get(c.BaseURL() + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(c.BaseURL() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = mresp.Body.Close() }()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
