package hub

import (
	"context"

	"gridlink/registry"
)

type nodeKey struct{}

// WithNode returns a context carrying the node a call came from.
func WithNode(ctx context.Context, node registry.Node) context.Context {
	return context.WithValue(ctx, nodeKey{}, node)
}

// NodeFromContext returns the node an agent call came from. Handlers on
// the master use it to tell agents apart.
func NodeFromContext(ctx context.Context) (registry.Node, bool) {
	node, ok := ctx.Value(nodeKey{}).(registry.Node)
	return node, ok
}
