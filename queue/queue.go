// Package queue implements the outbound delivery queue that sits between
// event producers and the single connection writer.
//
// The queue is bounded and favours recency: once full, every Push evicts the
// oldest pending item. A single drain worker pops items and hands them to the
// send function; it only runs while the connection is open.
//
//	producers ──Push──► [ oldest … newest ] ──drain worker──► send(item)
//	                      (cap 1000, drop-oldest)
package queue

import (
	"sync"

	"go.uber.org/zap"

	"gridlink/protocol"
	"gridlink/pubsub"
)

// DefaultCapacity is the number of pending items kept before the oldest are
// evicted.
const DefaultCapacity = 1000

// SendFunc transmits one item. Errors are logged and the item is dropped.
type SendFunc func(item any) error

type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []any
	capacity int
	worker   *drainWorker // nil when not draining
	dropped  uint64
	logger   *zap.Logger
}

type Option func(*Queue)

func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a queue holding at most capacity items. A capacity below 1
// uses DefaultCapacity.
func New(capacity int, opts ...Option) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity: capacity,
		logger:   zap.NewNop(),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends item, evicting the oldest item first if the queue is full.
func (q *Queue) Push(item any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		q.logger.Debug("queue is over limit, dropped oldest item", zap.Uint64("dropped", q.dropped))
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items, oldest first.
func (q *Queue) Items() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]any(nil), q.items...)
}

// Dropped returns how many items were evicted because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Running reports whether a drain worker is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.worker != nil
}

type drainWorker struct {
	stopped bool // guarded by Queue.mu
	done    chan struct{}
}

// Start spawns the drain worker. It is a no-op while a worker is running,
// so there is never more than one.
func (q *Queue) Start(send SendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.worker != nil {
		return
	}
	w := &drainWorker{done: make(chan struct{})}
	q.worker = w
	q.logger.Info("started processing")
	go q.drain(w, send)
}

// Stop cancels the drain worker and waits for it to exit. The item being
// sent when Stop is called, if any, finishes sending first. Stop is
// idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	w := q.worker
	if w == nil {
		q.mu.Unlock()
		return
	}
	w.stopped = true
	q.worker = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	<-w.done
	q.logger.Info("stopped processing")
}

func (q *Queue) drain(w *drainWorker, send SendFunc) {
	defer close(w.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !w.stopped {
			q.cond.Wait()
		}
		if w.stopped {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := send(item); err != nil {
			q.logger.Error("failed to send queued item", zap.Error(err))
		}
	}
}

// Observe starts draining when the connection opens and stops when it
// closes, using the lifecycle channels the connection manager publishes.
// The open payload must implement Sender. The returned function removes
// both subscriptions.
//
// Open and close events arrive on separate subscriptions, so their handlers
// may run in either order. Each one reconciles the worker with the sender's
// current Connected state instead of acting on the event itself.
func (q *Queue) Observe(events *pubsub.Registry) (cancel func()) {
	o := &observer{q: q}
	open := events.Subscribe(protocol.ChannelOpen, func(msg any) error {
		sender, ok := msg.(Sender)
		if !ok {
			q.logger.Warn("open event without a sender, not draining")
			return nil
		}
		o.sync(sender)
		return nil
	})
	closed := events.Subscribe(protocol.ChannelClose, func(any) error {
		o.sync(nil)
		return nil
	})
	return func() {
		open.Unsubscribe()
		closed.Unsubscribe()
	}
}

type observer struct {
	mu     sync.Mutex
	q      *Queue
	sender Sender // last sender seen on an open event
	bound  Sender // sender the running worker drains to
}

// sync starts or stops the worker to match the sender's state. A nil
// sender keeps the last one seen.
func (o *observer) sync(sender Sender) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sender != nil {
		o.sender = sender
	}
	if o.sender == nil || !o.sender.Connected() {
		o.q.Stop()
		o.bound = nil
		return
	}
	if o.bound != o.sender || !o.q.Running() {
		o.q.Stop()
		o.q.Start(o.sender.SendItem)
		o.bound = o.sender
	}
}

// Sender is implemented by connections that can transmit queued items.
type Sender interface {
	SendItem(item any) error
	Connected() bool
}
