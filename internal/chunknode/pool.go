package chunknode

import (
	"context"
	"fmt"
	"time"

	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Pool holds one client per node of the static node table.
type Pool struct {
	nodes   []proto.Node
	clients map[string]*Client
}

// NewPool builds clients for nodes. Node order is preserved; placement
// depends on it.
func NewPool(nodes []proto.Node, timeout time.Duration) *Pool {
	p := &Pool{
		nodes:   append([]proto.Node(nil), nodes...),
		clients: make(map[string]*Client, len(nodes)),
	}
	for _, n := range nodes {
		p.clients[n.ID] = NewClient(n.Address, timeout)
	}
	return p
}

// Nodes returns the node table in configured order.
func (p *Pool) Nodes() []proto.Node {
	return append([]proto.Node(nil), p.nodes...)
}

// IDs returns node IDs in configured order.
func (p *Pool) IDs() []string {
	ids := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Client returns the client for a node ID.
func (p *Pool) Client(nodeID string) (*Client, error) {
	c, ok := p.clients[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node %q: %w", nodeID, proto.ErrInvalidArgument)
	}
	return c, nil
}

// DeleteChunk deletes chunkID from nodeID.
func (p *Pool) DeleteChunk(ctx context.Context, nodeID, chunkID string) error {
	c, err := p.Client(nodeID)
	if err != nil {
		return err
	}
	return c.Delete(ctx, chunkID)
}

// Close releases idle connections of every client.
func (p *Pool) Close() {
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}
