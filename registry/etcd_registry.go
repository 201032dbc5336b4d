// Package registry provides node presence for the masters.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// Every master writes the nodes it holds a connection for:
//
//	Key:   /gridlink/nodes/{Grid}/{NodeID}
//	Value: JSON-encoded Node
//
// Registration uses TTL-based leases: if the master crashes, the lease expires
// and its nodes disappear, so no other master relays to a dead connection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/gridlink/nodes/"

func gridPrefix(grid string) string { return keyPrefix + grid + "/" }

func nodeKey(grid, id string) string { return gridPrefix(grid) + id }

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // by key
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: dial etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]registration),
	}, nil
}

// Register stores node under a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until Deregister
//
// Registering the same node again replaces the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, node Node, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}

	key := nodeKey(node.Grid, node.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive outlives ctx, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	prev, ok := r.leases[key]
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if ok {
		r.release(prev)
	}
	return nil
}

func (r *EtcdRegistry) release(reg registration) {
	reg.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
		r.logger.Debug("revoking lease failed", zap.Error(err))
	}
}

// Deregister removes a node. Called when its connection closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, grid, nodeID string) error {
	key := nodeKey(grid, nodeID)
	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		reg.cancel()
	}

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if ok {
		r.client.Revoke(ctx, reg.lease)
	}
	return nil
}

// Watch monitors a grid prefix and emits the updated node list whenever
// anything changes (connects, disconnects, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, grid string) <-chan []Node {
	ch := make(chan []Node, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, gridPrefix(grid), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events
			nodes, err := r.Discover(ctx, grid)
			if err != nil {
				r.logger.Warn("node discovery failed", zap.String("grid", grid), zap.Error(err))
				continue
			}
			select {
			case ch <- nodes:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all nodes currently registered for grid, sorted by id.
func (r *EtcdRegistry) Discover(ctx context.Context, grid string) ([]Node, error) {
	resp, err := r.client.Get(ctx, gridPrefix(grid), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", grid, err)
	}

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue // Skip malformed entries
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Close stops every KeepAlive and closes the etcd client. Leases are left
// to expire.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
