package replication

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdfs/internal/meta"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
	"github.com/tunnelmesh/meshdfs/testutil"
)

func TestChunker(t *testing.T) {
	data := testutil.Pattern(2500)
	c := NewChunker(bytes.NewReader(data), int64(len(data)), 1000)

	var sizes []int
	var joined []byte
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(chunk))
		joined = append(joined, chunk...)
	}
	assert.Equal(t, []int{1000, 1000, 500}, sizes)
	assert.True(t, bytes.Equal(data, joined))
}

func TestChunker_Empty(t *testing.T) {
	c := NewChunker(strings.NewReader(""), 0, 1000)
	_, err := c.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunker_ShortInput(t *testing.T) {
	c := NewChunker(strings.NewReader("abcdef"), 10, 4)
	first, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), first)
	_, err = c.Next()
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)

	_, err = NewChunker(strings.NewReader("abc"), 10, 4).Next()
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)
}

func TestSplitBytes(t *testing.T) {
	parts := SplitBytes(testutil.Pattern(2049), 1024)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 1)
	assert.Empty(t, SplitBytes(nil, 1024))
}

func TestReplicaOrder(t *testing.T) {
	info := proto.ChunkInfo{ChunkServers: []string{"node1", "node2", "node3"}, Primary: "node2"}
	assert.Equal(t, []string{"node2", "node1", "node3"}, replicaOrder(info))

	info.Primary = ""
	assert.Equal(t, []string{"node1", "node2", "node3"}, replicaOrder(info))
}

func TestWriteRead_RoundTrip(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	for _, size := range []int{0, 1, testChunkSize, testChunkSize + 1, 5*testChunkSize + 17} {
		data := testutil.Pattern(size)
		path := "/dfs/roundtrip/" + strings.Repeat("x", size%7+1)

		plan, err := c.coord.WriteBytes(ctx, path, data)
		require.NoError(t, err, "size %d", size)
		assert.Len(t, plan.Chunks, len(SplitBytes(data, testChunkSize)))

		for _, id := range plan.Chunks {
			for _, nodeID := range plan.Replicas[id] {
				assert.True(t, c.nodes[nodeID].has(id), "chunk %s missing on %s", id, nodeID)
			}
		}

		got, err := c.coord.ReadAll(ctx, path)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(data, got), "size %d: content mismatch", size)
	}
}

func TestWrite_ReaderShorterThanSize(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	_, err := c.coord.Write(ctx, "/dfs/short.bin", bytes.NewReader(testutil.Pattern(100)), 3000)
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)

	_, err = c.coord.Stat(ctx, "/dfs/short.bin")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestRead_PrimaryLosesChunk(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(3 * testChunkSize)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)

	for _, id := range plan.Chunks {
		primary := plan.Replicas[id][0]
		require.NoError(t, c.nodes[primary].store.Delete(ctx, id))
	}

	got, err := c.coord.ReadAll(ctx, "/dfs/a.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestRead_CorruptReplicaFallsBack(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(2 * testChunkSize)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)

	first := plan.Chunks[0]
	c.nodes[plan.Replicas[first][0]].corrupt(t, first)

	got, err := c.coord.ReadAll(ctx, "/dfs/a.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestRead_ChunkUnavailable(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(2*testChunkSize))
	require.NoError(t, err)

	lost := plan.Chunks[1]
	for _, nodeID := range plan.Replicas[lost] {
		require.NoError(t, c.nodes[nodeID].store.Delete(ctx, lost))
	}

	_, err = c.coord.ReadAll(ctx, "/dfs/a.bin")
	require.ErrorIs(t, err, proto.ErrChunkUnavailable)
	var cu *proto.ChunkUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.Equal(t, lost, cu.ChunkID)
	assert.Len(t, cu.Tried, 2)
}

func TestRead_NotFound(t *testing.T) {
	c := newTestCluster(t, 3)
	_, err := c.coord.ReadAll(ctxT(t), "/dfs/missing")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestWrite_PartialReplication(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(3 * testChunkSize)

	c.nodes["node3"].down.Store(true)
	plan, err := c.coord.WriteBytes(ctx, "/dfs/partial.bin", data)
	require.Error(t, err)
	assert.True(t, IsPartial(err))
	assert.ErrorIs(t, err, proto.ErrPartialReplication)

	var pe *proto.PartialReplicationError
	require.ErrorAs(t, err, &pe)
	for _, f := range pe.Failures {
		assert.Equal(t, "node3", f.NodeID)
	}

	// Chunks placed on node3 are degraded and queued; the file stays readable.
	degraded := pe.DegradedChunks()
	require.NotEmpty(t, degraded)
	for _, id := range degraded {
		assert.True(t, c.record(t, id).Degraded)
	}
	assert.Equal(t, len(degraded), c.rc.Pending())

	got, err := c.coord.ReadAll(ctx, "/dfs/partial.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	st, err := c.coord.Stat(ctx, "/dfs/partial.bin")
	require.NoError(t, err)
	assert.True(t, st.Metadata.Degraded)

	// Node comes back; draining the queue heals every degraded chunk.
	c.nodes["node3"].down.Store(false)
	stats := c.rc.DrainQueue(ctx)
	assert.Equal(t, len(degraded), stats.Healed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, c.rc.Pending())

	for _, id := range plan.Chunks {
		assert.False(t, c.record(t, id).Degraded)
		for _, nodeID := range plan.Replicas[id] {
			assert.True(t, c.nodes[nodeID].has(id))
		}
	}
}

func TestWrite_NoReplicaAcks(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	for _, n := range c.nodes {
		n.down.Store(true)
	}

	_, err := c.coord.WriteBytes(ctx, "/dfs/lost.bin", testutil.Pattern(testChunkSize))
	assert.ErrorIs(t, err, proto.ErrChunkUnavailable)
	assert.False(t, IsPartial(err))
}

func TestDelete_RemovesReplicas(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(3*testChunkSize))
	require.NoError(t, err)

	resp, err := c.coord.Delete(ctx, "/dfs/a.bin")
	require.NoError(t, err)
	assert.ElementsMatch(t, plan.Chunks, resp.ChunksDeleted)
	c.svc.Wait()

	for _, id := range plan.Chunks {
		for _, n := range c.nodes {
			assert.False(t, n.has(id), "chunk %s still on %s", id, n.id)
		}
	}
	_, err = c.coord.Stat(ctx, "/dfs/a.bin")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestOverwrite_ReleasesOldChunks(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	old, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(2*testChunkSize))
	require.NoError(t, err)
	data := []byte("replacement")
	_, err = c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)
	c.svc.Wait()

	for _, id := range old.Chunks {
		for _, n := range c.nodes {
			assert.False(t, n.has(id))
		}
	}
	got, err := c.coord.ReadAll(ctx, "/dfs/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRename_PreservesContent(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(2*testChunkSize + 5)

	_, err := c.coord.WriteBytes(ctx, "/dfs/old.bin", data)
	require.NoError(t, err)
	require.NoError(t, c.coord.Rename(ctx, "/dfs/old.bin", "/dfs/new.bin"))

	got, err := c.coord.ReadAll(ctx, "/dfs/new.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	files, err := c.coord.List(ctx, "/dfs/")
	require.NoError(t, err)
	assert.Contains(t, files, "/dfs/new.bin")
	assert.NotContains(t, files, "/dfs/old.bin")
	assert.Equal(t, int64(len(data)), files["/dfs/new.bin"].Size)
}

func TestRead_StreamsInOrder(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(11*testChunkSize + 3)

	_, err := c.coord.WriteBytes(ctx, "/dfs/big.bin", data)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := c.coord.Read(ctx, "/dfs/big.bin", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.True(t, bytes.Equal(data, out.Bytes()))
}

func TestCoordinator_OverMetaHTTP(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	srv := httptest.NewServer(meta.NewServer(c.svc, nil, nil))
	defer srv.Close()
	mc := meta.NewClient(srv.URL, 5*time.Second)
	defer mc.CloseIdleConnections()

	coord := NewCoordinator(CoordinatorConfig{Meta: mc, Pool: c.pool, Logger: zerolog.Nop()})
	data := testutil.Pattern(4*testChunkSize + 100)

	_, err := coord.WriteBytes(ctx, "/dfs/remote.bin", data)
	require.NoError(t, err)

	got, err := coord.ReadAll(ctx, "/dfs/remote.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Partial replication reported over the wire reaches the repair queue.
	c.nodes["node2"].down.Store(true)
	_, err = coord.WriteBytes(ctx, "/dfs/remote2.bin", data)
	assert.True(t, IsPartial(err))
	assert.Positive(t, c.rc.Pending())
}
