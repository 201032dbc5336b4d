// Package pubsub implements the in-process topic registry.
//
// Every subscription is a goroutine with a private mailbox. Publish only
// appends to mailboxes, so a slow or failing handler never blocks the
// publisher or any other subscriber:
//
//	Publish("rpc_response:7", resp)
//	   │
//	   ├──► sub A mailbox ──► worker A ──► handler A (serial)
//	   └──► sub B mailbox ──► worker B ──► handler B (serial)
//
// Messages published on one channel reach a given subscriber in publish
// order. There is no ordering between different subscribers.
package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultMaxStrikes is the number of handler failures after which a
// subscription is torn down.
const DefaultMaxStrikes = 3

// Handler receives messages for one subscription. Returning an error (or
// panicking) counts as a strike against the subscription.
type Handler func(msg any) error

// Registry maps channels to their live subscriptions.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]map[*Subscription]struct{}
	nextID     atomic.Uint64
	logger     *zap.Logger
	maxStrikes int
}

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMaxStrikes sets how many failed handler invocations a subscription
// survives. Values below 1 are treated as 1.
func WithMaxStrikes(n int) Option {
	return func(r *Registry) {
		if n < 1 {
			n = 1
		}
		r.maxStrikes = n
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		channels:   make(map[string]map[*Subscription]struct{}),
		logger:     zap.NewNop(),
		maxStrikes: DefaultMaxStrikes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscription is one registered handler on one channel.
type Subscription struct {
	id       uint64
	channel  string
	handler  Handler
	mailbox  *mailbox
	alive    atomic.Bool // written by Unsubscribe and the worker, read everywhere else
	done     chan struct{}
	registry *Registry
}

func (s *Subscription) Channel() string { return s.channel }

// Alive reports whether the subscription still accepts messages.
func (s *Subscription) Alive() bool { return s.alive.Load() }

// Done is closed once the worker goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe is shorthand for s's registry Unsubscribe.
func (s *Subscription) Unsubscribe() { s.registry.Unsubscribe(s) }

// Subscribe registers handler on channel and starts its worker.
func (r *Registry) Subscribe(channel string, handler Handler) *Subscription {
	s := &Subscription{
		id:       r.nextID.Add(1),
		channel:  channel,
		handler:  handler,
		mailbox:  newMailbox(),
		done:     make(chan struct{}),
		registry: r,
	}
	s.alive.Store(true)

	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.channels[channel] = subs
	}
	subs[s] = struct{}{}
	r.mu.Unlock()

	go s.process()
	return s
}

// Publish enqueues msg for every live subscription on channel. Publishing
// to a channel without subscribers is a no-op.
func (r *Registry) Publish(channel string, msg any) {
	r.mu.RLock()
	receivers := make([]*Subscription, 0, len(r.channels[channel]))
	for s := range r.channels[channel] {
		receivers = append(receivers, s)
	}
	r.mu.RUnlock()

	for _, s := range receivers {
		if !s.alive.Load() || !s.mailbox.push(msg) {
			r.Unsubscribe(s)
		}
	}
}

// Unsubscribe stops the subscription's worker and removes it. It does not
// wait for a running handler to return, so it is safe to call from inside
// the handler. Calling it more than once is harmless.
func (r *Registry) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.alive.Store(false)
	s.mailbox.close()
	r.remove(s)
}

// Clear unsubscribes everything.
func (r *Registry) Clear() {
	r.mu.RLock()
	all := make([]*Subscription, 0)
	for _, subs := range r.channels {
		for s := range subs {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.Unsubscribe(s)
	}
}

// Count returns the number of registered subscriptions on channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.channels[s.channel]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(r.channels, s.channel)
	}
}

func (s *Subscription) process() {
	defer close(s.done)

	strikes := 0
	for {
		msg, ok := s.mailbox.pop()
		if !ok {
			return
		}
		err := s.deliver(msg)
		if err == nil {
			continue
		}
		strikes++
		s.registry.logger.Warn("subscription handler failed",
			zap.String("channel", s.channel),
			zap.Uint64("subscription", s.id),
			zap.Int("strikes", strikes),
			zap.Error(err),
		)
		if strikes >= s.registry.maxStrikes {
			s.registry.logger.Error("removing failing subscription",
				zap.String("channel", s.channel),
				zap.Uint64("subscription", s.id),
			)
			s.registry.Unsubscribe(s)
			return
		}
	}
}

func (s *Subscription) deliver(msg any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pubsub: handler panic: %v", rec)
		}
	}()
	return s.handler(msg)
}
