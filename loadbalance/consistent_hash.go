package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"gridlink/registry"
)

// ConsistentHashBalancer maps keys to nodes using a hash ring.
// The same key always maps to the same node (until the ring changes),
// so e.g. all requests about one service land on the same agent.
//
// Virtual nodes: each real node is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 nodes might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int                       // Virtual nodes per real node
	ring     []uint32                  // Sorted hash values on the ring
	nodes    map[uint32]*registry.Node // Hash value → node mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// node and adds nodes to it.
func NewConsistentHashBalancer(nodes ...registry.Node) *ConsistentHashBalancer {
	b := &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*registry.Node),
	}
	for i := range nodes {
		b.Add(&nodes[i])
	}
	return b
}

// Add places a node onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{id}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(node *registry.Node) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", node.ID, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = node
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the node responsible for the given key: the first virtual
// node at or after the key's hash, wrapping around to the start.
//
// Pick takes a key instead of a node list, so it does not implement
// Balancer.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Node, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoNodes
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
