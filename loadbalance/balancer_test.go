package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"gridlink/registry"
)

var testNodes = []registry.Node{
	{ID: "node-1", Grid: "default"},
	{ID: "node-2", Grid: "default"},
	{ID: "node-3", Grid: "default"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all nodes
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		node, err := b.Pick(testNodes)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = node.ID
	}
	if results[0] != "node-1" || results[1] != "node-2" || results[2] != "node-3" {
		t.Fatalf("unexpected order %v", results)
	}

	// Pick again, should wrap around to first
	node, _ := b.Pick(testNodes)
	if node.ID != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], node.ID)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.Node{})
	if !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expect ErrNoNodes, got %v", err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer(testNodes...)

	// Same key should always map to the same node
	node1, _ := b.Pick("/services/web")
	node2, _ := b.Pick("/services/web")
	if node1.ID != node2.ID {
		t.Fatalf("same key mapped to different nodes: %s vs %s", node1.ID, node2.ID)
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		node, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[node.ID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different nodes, got %d", len(seen))
	}
}

func TestConsistentHashEmpty(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("key"); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expect ErrNoNodes, got %v", err)
	}
}
