package meta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Policy chooses replica sets for new chunks.
type Policy interface {
	// Place returns one replica set of r distinct node IDs per chunk. The
	// first node of each set becomes the chunk's primary.
	Place(chunks, r int, chunkSize int64) ([][]string, error)
	// Name identifies the policy in logs and cluster info.
	Name() string
}

// StatefulPolicy is implemented by policies whose position must survive a
// metadata restart.
type StatefulPolicy interface {
	Policy
	Cursor() uint64
	SetCursor(uint64)
}

func checkFactor(r, n int) error {
	if r < 1 {
		return fmt.Errorf("replication factor %d: %w", r, proto.ErrInvalidArgument)
	}
	if r > n {
		return fmt.Errorf("replication factor %d exceeds %d nodes: %w", r, n, proto.ErrInvalidArgument)
	}
	return nil
}

// RoundRobin rotates through the node list: chunk k of a placement starting
// at cursor c gets nodes[(c+k+j) mod n] for j in [0,r). The cursor advances
// by the number of chunks placed, so load spreads across successive files.
type RoundRobin struct {
	mu     sync.Mutex
	nodes  []string
	cursor uint64
}

// NewRoundRobin creates a round-robin policy over nodes in the given order.
func NewRoundRobin(nodes []string) *RoundRobin {
	return &RoundRobin{nodes: append([]string(nil), nodes...)}
}

func (p *RoundRobin) Name() string { return "round_robin" }

func (p *RoundRobin) Place(chunks, r int, _ int64) ([][]string, error) {
	n := len(p.nodes)
	if err := checkFactor(r, n); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]string, chunks)
	for k := 0; k < chunks; k++ {
		set := make([]string, r)
		for j := 0; j < r; j++ {
			set[j] = p.nodes[(p.cursor+uint64(k+j))%uint64(n)]
		}
		out[k] = set
	}
	p.cursor += uint64(chunks)
	return out, nil
}

// Cursor returns the current rotation position.
func (p *RoundRobin) Cursor() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// SetCursor restores a rotation position.
func (p *RoundRobin) SetCursor(c uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = c
}

// CapacityWeighted places each chunk on the r nodes with the most projected
// free space. The projection starts from the capacity registry and is
// reduced by chunkSize per assignment. Nodes without a snapshot rank last
// but are still eligible.
type CapacityWeighted struct {
	nodes    []string
	registry *CapacityRegistry
}

// NewCapacityWeighted creates a capacity-weighted policy.
func NewCapacityWeighted(nodes []string, registry *CapacityRegistry) *CapacityWeighted {
	return &CapacityWeighted{nodes: append([]string(nil), nodes...), registry: registry}
}

func (p *CapacityWeighted) Name() string { return "capacity" }

func (p *CapacityWeighted) Place(chunks, r int, chunkSize int64) ([][]string, error) {
	if err := checkFactor(r, len(p.nodes)); err != nil {
		return nil, err
	}

	projected := p.registry.available(p.nodes)
	order := make(map[string]int, len(p.nodes))
	for i, id := range p.nodes {
		order[id] = i
	}

	// Unknown nodes rotate among themselves so they do not all land on the first.
	unknownUse := make(map[string]int)

	out := make([][]string, chunks)
	ranked := append([]string(nil), p.nodes...)
	for k := 0; k < chunks; k++ {
		sort.SliceStable(ranked, func(i, j int) bool {
			ai, oki := projected[ranked[i]]
			aj, okj := projected[ranked[j]]
			switch {
			case oki && okj:
				if ai != aj {
					return ai > aj
				}
			case oki:
				return true
			case okj:
				return false
			default:
				if unknownUse[ranked[i]] != unknownUse[ranked[j]] {
					return unknownUse[ranked[i]] < unknownUse[ranked[j]]
				}
			}
			return order[ranked[i]] < order[ranked[j]]
		})

		set := append([]string(nil), ranked[:r]...)
		for _, id := range set {
			if _, ok := projected[id]; ok {
				projected[id] -= chunkSize
			} else {
				unknownUse[id]++
			}
		}
		out[k] = set
	}
	return out, nil
}
