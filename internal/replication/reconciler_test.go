package replication

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
	"github.com/tunnelmesh/meshdfs/testutil"
)

func TestReconcile_HealsLostReplica(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(3*testChunkSize))
	require.NoError(t, err)

	id := plan.Chunks[1]
	victim := plan.Replicas[id][1]
	require.NoError(t, c.nodes[victim].store.Delete(ctx, id))

	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 1, stats.Healed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, stats.Healthy)
	assert.True(t, c.nodes[victim].has(id))
	assert.Equal(t, uint64(1), c.rc.GetStats().ReplicasHealed)
}

func TestReconcile_ReplacesCorruptReplicaSource(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(testChunkSize)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)
	id := plan.Chunks[0]
	a, b := plan.Replicas[id][0], plan.Replicas[id][1]

	// a holds a corrupt blob, b lost its copy: no intact copy is left.
	c.nodes[a].corrupt(t, id)
	require.NoError(t, c.nodes[b].store.Delete(ctx, id))

	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, 1, stats.Unrecoverable)
	assert.Equal(t, 1, stats.CorruptReplicas)
	assert.Zero(t, stats.Healed)
	assert.True(t, c.record(t, id).Degraded)
	assert.False(t, c.nodes[b].has(id))
}

func TestReconcile_RewritesCorruptReplica(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(testChunkSize)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)
	id := plan.Chunks[0]
	victim := plan.Replicas[id][1]
	c.nodes[victim].corrupt(t, id)

	_, _, err = c.nodes[victim].store.Get(ctx, id)
	require.ErrorIs(t, err, proto.ErrCorruptChunk)

	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, 1, stats.CorruptReplicas)
	assert.Equal(t, 1, stats.Healed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 1, stats.Healthy)

	got, _, err := c.nodes[victim].store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.False(t, c.record(t, id).Degraded)

	again := c.rc.RunCycle(ctx)
	assert.Zero(t, again.CorruptReplicas)
	assert.Zero(t, again.Healed)
}

func TestReconcile_Unrecoverable(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(testChunkSize))
	require.NoError(t, err)
	id := plan.Chunks[0]
	for _, nodeID := range plan.Replicas[id] {
		require.NoError(t, c.nodes[nodeID].store.Delete(ctx, id))
	}

	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, 1, stats.Unrecoverable)
	assert.True(t, c.record(t, id).Degraded)
	assert.Equal(t, uint64(1), c.rc.GetStats().Unrecoverable)
}

func TestReconcile_ClearsDegradedWhenHealthy(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(testChunkSize))
	require.NoError(t, err)
	id := plan.Chunks[0]
	require.NoError(t, c.svc.MarkDegraded(id))

	c.rc.RunCycle(ctx)
	assert.False(t, c.record(t, id).Degraded)
}

func TestReconcile_LeaseRenewal(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(testChunkSize))
	require.NoError(t, err)
	id := plan.Chunks[0]
	before := c.record(t, id)

	c.clock.Advance(30 * time.Second)
	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, 1, stats.LeasesRenewed)

	after := c.record(t, id)
	assert.True(t, after.LeaseExpiration.After(before.LeaseExpiration))
	assert.Equal(t, before.Primary, after.Primary)
	assert.Equal(t, before.Version, after.Version)
}

func TestReconcile_RenewsLeasesTogether(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(3*testChunkSize))
	require.NoError(t, err)
	down := c.record(t, plan.Chunks[0]).Primary
	c.nodes[down].down.Store(true)
	renewable := 0
	for _, id := range plan.Chunks {
		if c.record(t, id).Primary != down {
			renewable++
		}
	}

	c.clock.Advance(30 * time.Second)
	stats := c.rc.RunCycle(ctx)
	assert.Equal(t, renewable, stats.LeasesRenewed)

	want := c.clock.Now().Add(time.Minute)
	for _, id := range plan.Chunks {
		rec := c.record(t, id)
		if rec.Primary == down {
			assert.True(t, rec.LeaseExpiration.Before(want), "lease of %s renewed without its primary", id)
			continue
		}
		assert.True(t, want.Equal(rec.LeaseExpiration), "chunk %s", id)
	}
}

func TestReconcile_ReassignsPrimaryAfterLeaseExpiry(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	data := testutil.Pattern(testChunkSize)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", data)
	require.NoError(t, err)
	id := plan.Chunks[0]
	primary, secondary := plan.Replicas[id][0], plan.Replicas[id][1]
	before := c.record(t, id)
	c.nodes[primary].down.Store(true)

	// Lease still valid: the primary is kept.
	stats := c.rc.RunCycle(ctx)
	assert.Zero(t, stats.PrimariesReassigned)
	assert.Equal(t, primary, c.record(t, id).Primary)

	c.clock.Advance(2 * time.Minute)
	stats = c.rc.RunCycle(ctx)
	assert.Equal(t, 1, stats.PrimariesReassigned)

	rec := c.record(t, id)
	assert.Equal(t, secondary, rec.Primary)
	assert.Equal(t, before.Version+1, rec.Version)
	assert.True(t, rec.Degraded)
	assert.True(t, rec.LeaseExpiration.After(c.clock.Now()))

	got, err := c.coord.ReadAll(ctx, "/dfs/a.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestSweepOrphans(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(testChunkSize))
	require.NoError(t, err)
	id := plan.Chunks[0]

	var outsider string
	for nodeID := range c.nodes {
		rec := c.record(t, id)
		if !rec.HasReplica(nodeID) {
			outsider = nodeID
		}
	}
	require.NotEmpty(t, outsider)

	// A stale copy on a node outside the replica set, and a blob nothing references.
	_, err = c.nodes[outsider].store.Put(ctx, id, []byte("stale"))
	require.NoError(t, err)
	_, err = c.nodes["node1"].store.Put(ctx, "leftover-1", []byte("junk"))
	require.NoError(t, err)

	// Too young to reclaim.
	assert.Zero(t, c.rc.SweepOrphans(ctx))

	c.clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, c.rc.SweepOrphans(ctx))
	assert.False(t, c.nodes[outsider].has(id))
	assert.False(t, c.nodes["node1"].has("leftover-1"))

	for _, nodeID := range plan.Replicas[id] {
		assert.True(t, c.nodes[nodeID].has(id))
	}
	assert.Equal(t, uint64(2), c.rc.GetStats().OrphansReclaimed)
}

func TestRunCycle_SweepsEveryNCycles(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	c.rc.orphanEvery = 2

	_, err := c.nodes["node2"].store.Put(ctx, "leftover-1", []byte("junk"))
	require.NoError(t, err)
	c.clock.Advance(2 * time.Hour)

	assert.Zero(t, c.rc.RunCycle(ctx).OrphansReclaimed)
	assert.Equal(t, 1, c.rc.RunCycle(ctx).OrphansReclaimed)
}

func TestReconciler_StartStop(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(testChunkSize))
	require.NoError(t, err)
	id := plan.Chunks[0]
	victim := plan.Replicas[id][0]
	require.NoError(t, c.nodes[victim].store.Delete(ctx, id))

	c.rc.Start()
	defer c.rc.Stop()

	c.rc.Enqueue([]string{id})
	assert.True(t, testutil.WaitFor(t, 5*time.Second, func() bool {
		return c.nodes[victim].has(id)
	}))
}

func TestRepairLimiter(t *testing.T) {
	c := newTestCluster(t, 3)
	ctx := ctxT(t)
	rc := NewReconciler(ReconcilerConfig{Service: c.svc, Pool: c.pool, RepairRate: 50, Logger: zerolog.Nop(), Now: c.clock.Now})
	require.NotNil(t, rc.limiter)

	plan, err := c.coord.WriteBytes(ctx, "/dfs/a.bin", testutil.Pattern(2*testChunkSize))
	require.NoError(t, err)
	for _, id := range plan.Chunks {
		require.NoError(t, c.nodes[plan.Replicas[id][1]].store.Delete(ctx, id))
	}

	stats := rc.RunCycle(ctx)
	assert.Equal(t, 2, stats.Healed)
}
