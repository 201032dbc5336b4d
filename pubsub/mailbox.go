package pubsub

import "sync"

// mailbox is an unbounded FIFO owned by one subscription. Producers never
// block; the single consumer blocks on the condition variable while empty.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push appends v. Returns false if the mailbox is closed.
func (m *mailbox) push(v any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.cond.Signal()
	return true
}

// pop blocks until an item is available or the mailbox is closed. Items
// still queued at close are discarded.
func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	v := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return v, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	m.cond.Broadcast()
}
