package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

func TestRoundRobin_Place(t *testing.T) {
	p := NewRoundRobin([]string{"node1", "node2", "node3"})

	sets, err := p.Place(3, 2, testChunkSize)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"node1", "node2"},
		{"node2", "node3"},
		{"node3", "node1"},
	}, sets)
	assert.Equal(t, uint64(3), p.Cursor())

	sets, err = p.Place(1, 3, testChunkSize)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"node1", "node2", "node3"}}, sets)

	_, err = p.Place(1, 4, testChunkSize)
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)
	_, err = p.Place(1, 0, testChunkSize)
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)
}

func TestRoundRobin_SpreadsLoad(t *testing.T) {
	p := NewRoundRobin([]string{"a", "b", "c", "d"})
	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		sets, err := p.Place(1, 2, 1)
		require.NoError(t, err)
		for _, n := range sets[0] {
			counts[n]++
		}
	}
	for _, n := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 50, counts[n])
	}
}

func TestCapacityWeighted_Place(t *testing.T) {
	reg := NewCapacityRegistry()
	reg.Update("node1", &proto.Capacity{VolumeAvailableBytes: 100})
	reg.Update("node2", &proto.Capacity{VolumeAvailableBytes: 300})
	reg.Update("node3", &proto.Capacity{VolumeAvailableBytes: 250})

	p := NewCapacityWeighted([]string{"node1", "node2", "node3"}, reg)
	sets, err := p.Place(3, 2, 100)
	require.NoError(t, err)

	// 300/250 -> node2,node3; then 200/150/100 -> node2,node3; then 100/100/50 -> node1,node2
	assert.Equal(t, []string{"node2", "node3"}, sets[0])
	assert.Equal(t, []string{"node2", "node3"}, sets[1])
	assert.Equal(t, []string{"node1", "node2"}, sets[2])

	_, err = p.Place(1, 4, 100)
	assert.ErrorIs(t, err, proto.ErrInvalidArgument)
}

func TestCapacityWeighted_UnknownNodesLast(t *testing.T) {
	reg := NewCapacityRegistry()
	reg.Update("node3", &proto.Capacity{VolumeAvailableBytes: 1})

	p := NewCapacityWeighted([]string{"node1", "node2", "node3"}, reg)
	sets, err := p.Place(2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "node3", sets[0][0])
	assert.Equal(t, "node1", sets[0][1])
	// node3 is now projected at 0 but still ranks above unknown nodes; node2 takes its turn.
	assert.Equal(t, []string{"node3", "node2"}, sets[1])
}

func TestCapacityRegistry(t *testing.T) {
	reg := NewCapacityRegistry()
	assert.True(t, reg.HasCapacityFor("node1", 1<<40), "fail-open for unknown nodes")

	reg.Update("node1", &proto.Capacity{VolumeAvailableBytes: 10})
	reg.Update("node2", &proto.Capacity{VolumeAvailableBytes: 30})
	reg.Update("node3", nil)
	assert.Nil(t, reg.Get("node3"))

	assert.False(t, reg.HasCapacityFor("node1", 11))
	assert.True(t, reg.HasCapacityFor("node1", 10))
	assert.Equal(t, []string{"node2", "node1", "node3"}, reg.SortByAvailableCapacity([]string{"node3", "node1", "node2"}))

	reg.Forget("node2")
	assert.Nil(t, reg.Get("node2"))
}
