package registry

import (
	"context"
	"time"
)

// Node is one agent connection as seen by the master that holds it.
type Node struct {
	ID           string    `json:"id"`
	Grid         string    `json:"grid"`
	Hub          string    `json:"hub"` // id of the master process holding the connection
	AgentVersion string    `json:"agent_version"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Registry tracks which nodes are connected to which master.
type Registry interface {
	// Register announces node for ttl seconds, renewed until Deregister.
	Register(ctx context.Context, node Node, ttl int64) error
	Deregister(ctx context.Context, grid, nodeID string) error
	Discover(ctx context.Context, grid string) ([]Node, error)
	// Watch emits the full node list of grid after every change until ctx
	// is done.
	Watch(ctx context.Context, grid string) <-chan []Node
}
