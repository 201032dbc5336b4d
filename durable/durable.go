// Package durable implements cross-process publish/subscribe on top of a
// shared, capped, tailable log.
//
// Publishers append records to the log. Every process runs one tailer that
// follows the log from the moment it started and republishes each record into
// an instance-scoped topic registry, from which local subscribers are served:
//
//	Publish ──Append──► [ capped log ] ──Tail──► tailer ──► pubsub.Registry ──► Subscribe handlers
//	                      (shared)                (1 per process)
//
// Delivery is at-most-once with no replay. Records written before a tailer
// started, or while it was recovering from a store error, are never seen by
// that process.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/codec"
	"gridlink/pubsub"
)

// DefaultRetryDelay is the pause before the tailer resumes after a store error.
const DefaultRetryDelay = 100 * time.Millisecond

// BootstrapChannel receives one empty record whenever Start has to create
// the log, so that tailers always have a record to anchor on.
const BootstrapChannel = "test"

var (
	ErrNotStarted     = errors.New("durable: pub/sub not started")
	ErrAlreadyStarted = errors.New("durable: pub/sub already started")
	ErrLogInUse       = errors.New("durable: log already served by a running pub/sub")
)

type Config struct {
	RetryDelay time.Duration
	Logger     *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// PubSub is the durable pub/sub service for one log.
type PubSub struct {
	log      Log
	cfg      Config
	logger   *zap.Logger
	registry *pubsub.Registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(log Log, cfg Config) *PubSub {
	cfg = cfg.withDefaults()
	return &PubSub{
		log:      log,
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: pubsub.New(pubsub.WithLogger(cfg.Logger)),
	}
}

var (
	claimsMu sync.Mutex
	claims   = make(map[any]*PubSub)
)

// claimKey is the log's Identity when it has one, the log value otherwise.
func claimKey(log Log) any {
	if id, ok := log.(Identifier); ok {
		if s := id.Identity(); s != "" {
			return s
		}
	}
	return log
}

func claim(log Log, ps *PubSub) error {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	key := claimKey(log)
	if owner, ok := claims[key]; ok && owner != ps {
		return ErrLogInUse
	}
	claims[key] = ps
	return nil
}

func release(log Log, ps *PubSub) {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	key := claimKey(log)
	if claims[key] == ps {
		delete(claims, key)
	}
}

// Start ensures the log exists and starts the tailer.
func (p *PubSub) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}
	if err := claim(p.log, p); err != nil {
		return err
	}

	created, err := p.log.Ensure(ctx)
	if err != nil {
		release(p.log, p)
		return fmt.Errorf("durable: ensure log: %w", err)
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.tail(tailCtx, time.Now())

	if created {
		p.logger.Info("created capped log, writing bootstrap record")
		if err := p.publish(ctx, BootstrapChannel, map[string]any{}); err != nil {
			p.logger.Warn("bootstrap publish failed", zap.Error(err))
		}
	}
	return nil
}

// Stop stops the tailer and terminates every subscription. It is idempotent.
// The log itself is left open.
func (p *PubSub) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.registry.Clear()
	release(p.log, p)
}

// Running reports whether the tailer is active.
func (p *PubSub) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Publish appends data to the log on channel and returns once the store has
// acknowledged the write.
func (p *PubSub) Publish(ctx context.Context, channel string, data any) error {
	if !p.Running() {
		return ErrNotStarted
	}
	return p.publish(ctx, channel, data)
}

func (p *PubSub) publish(ctx context.Context, channel string, data any) error {
	payload, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("durable: encode %s: %w", channel, err)
	}
	_, err = p.log.Append(ctx, Record{
		Channel:   channel,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("durable: append %s: %w", channel, err)
	}
	return nil
}

// delivery is what the tailer publishes into the local registry.
type delivery struct {
	seq  uint64
	data any
}

func (p *PubSub) tail(ctx context.Context, cutoff time.Time) {
	defer close(p.done)
	for {
		err := p.log.Tail(ctx, cutoff, p.dispatch)
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("log tail failed, resuming", zap.Error(err), zap.Duration("delay", p.cfg.RetryDelay))

		t := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		// Whatever was appended during the pause is skipped.
		cutoff = time.Now()
	}
}

func (p *PubSub) dispatch(rec Record) error {
	var data any
	if err := codec.Unmarshal(rec.Payload, &data); err != nil {
		p.logger.Warn("dropping undecodable record",
			zap.String("channel", rec.Channel),
			zap.Uint64("seq", rec.Seq),
			zap.Error(err),
		)
		return nil
	}
	p.registry.Publish(rec.Channel, delivery{seq: rec.Seq, data: data})
	return nil
}

// Handler receives the decoded data of one record. Errors count as strikes
// against the subscription.
type Handler func(data any) error

// Subscription is the handle passed to the setup callback of Subscribe.
type Subscription struct {
	channel string
	since   uint64
	local   *pubsub.Subscription

	mu       sync.Mutex
	handler  Handler
	attached chan struct{}
	closed   chan struct{}
	timer    *time.Timer
	once     sync.Once
	attach   sync.Once
}

func (s *Subscription) Channel() string { return s.channel }

// OnMessage attaches handler. When wait is positive the subscription
// terminates by itself after wait. Only the first call has an effect.
func (s *Subscription) OnMessage(wait time.Duration, handler Handler) {
	s.attach.Do(func() {
		s.mu.Lock()
		s.handler = handler
		if wait > 0 {
			s.timer = time.AfterFunc(wait, s.Close)
		}
		s.mu.Unlock()
		close(s.attached)
	})
}

// Close terminates the subscription. Safe to call from the handler.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		s.local.Unsubscribe()
	})
}

func (s *Subscription) receive(msg any) error {
	d, ok := msg.(delivery)
	if !ok {
		return nil
	}
	select {
	case <-s.attached:
	case <-s.closed:
		return nil
	}
	if d.seq <= s.since {
		return nil
	}
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(d.data)
}

// Subscribe listens on channel for records appended after the call. setup
// is called once with the handle and must attach a handler with OnMessage.
// Subscribe blocks until the subscription terminates, then returns nil, or
// returns ctx.Err() if ctx ends first.
func (p *PubSub) Subscribe(ctx context.Context, channel string, setup func(*Subscription)) error {
	if !p.Running() {
		return ErrNotStarted
	}

	s := &Subscription{
		channel:  channel,
		attached: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.local = p.registry.Subscribe(channel, s.receive)
	defer s.Close()

	head, err := p.log.Head(ctx)
	if err != nil {
		return fmt.Errorf("durable: read log head: %w", err)
	}
	s.since = head

	setup(s)

	select {
	case <-s.local.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of local subscriptions on channel.
func (p *PubSub) Count(channel string) int {
	return p.registry.Count(channel)
}
