// Package loadbalance picks which connected node serves a grid-level
// request.
//
// Two strategies are implemented:
//   - RoundRobin:      spread requests evenly over the grid's nodes
//   - ConsistentHash:  keep requests for the same key on the same node
package loadbalance

import (
	"errors"

	"gridlink/registry"
)

var ErrNoNodes = errors.New("loadbalance: no nodes available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one node from the available list.
	// Called on every request, must be goroutine-safe.
	Pick(nodes []registry.Node) (*registry.Node, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
