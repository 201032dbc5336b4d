package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a process-local Registry for single-master setups and
// tests. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	nodes    map[string]map[string]Node // grid → id → node
	watchers map[string][]chan []Node
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nodes:    make(map[string]map[string]Node),
		watchers: make(map[string][]chan []Node),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, node Node, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grid, ok := m.nodes[node.Grid]
	if !ok {
		grid = make(map[string]Node)
		m.nodes[node.Grid] = grid
	}
	grid[node.ID] = node
	m.notify(node.Grid)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, grid, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes[grid], nodeID)
	m.notify(grid)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, grid string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(grid), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, grid string) <-chan []Node {
	ch := make(chan []Node, 1)
	m.mu.Lock()
	m.watchers[grid] = append(m.watchers[grid], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[grid]
		for i, w := range watchers {
			if w == ch {
				m.watchers[grid] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) list(grid string) []Node {
	nodes := make([]Node, 0, len(m.nodes[grid]))
	for _, n := range m.nodes[grid] {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// notify replaces any unread list in each watcher with the latest one.
func (m *MemoryRegistry) notify(grid string) {
	nodes := m.list(grid)
	for _, ch := range m.watchers[grid] {
		select {
		case <-ch:
		default:
		}
		ch <- nodes
	}
}
