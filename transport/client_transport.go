// Package transport carries RPC messages over the agent-master websocket.
// Peer wraps one open connection and is used on both ends; Conn is the agent
// side: connect, authenticate, keep alive, dispatch, reconnect.
//
// Each live connection has exactly one reader and one writer goroutine. The
// writer is the only goroutine touching the socket for data frames, so sends
// from anywhere in the process are serialized through its channel:
//
//	Send(msg) ──encode──► out chan ──► writer ──► websocket ──► master
//	                                    └─ ping every Keepalive
//
//	master ──► websocket ──► reader ──┬─ Request      → worker pool → Dispatcher → reply
//	                                  ├─ Response     → registry "rpc_response:<id>"
//	                                  └─ Notification → worker pool → Dispatcher
//
// Run loops over connections. Any close other than 4001/4010 is retried
// after ReconnectDelay; those two are fatal and returned as *FatalError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridlink/codec"
	"gridlink/message"
	"gridlink/protocol"
	"gridlink/pubsub"
)

const (
	DefaultReconnectDelay   = time.Second
	DefaultKeepalive        = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	outboundBuffer = 64
)

var (
	ErrInvalidToken        = errors.New("transport: invalid grid token")
	ErrIncompatibleVersion = errors.New("transport: incompatible agent version")
	ErrNotConnected        = errors.New("transport: not connected")
)

// FatalError is returned by Run when the master rejected the agent. The
// agent must not reconnect.
type FatalError struct {
	Code   int
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("transport: connection rejected with %d %q: %v", e.Code, e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Dispatcher handles inbound calls. server.Server implements it.
type Dispatcher interface {
	HandleRequest(ctx context.Context, req *message.Request) *message.Response
	HandleNotification(ctx context.Context, n *message.Notification)
}

// Enqueuer accepts outbound items. queue.Queue implements it.
type Enqueuer interface {
	Push(item any)
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

type Config struct {
	// URL of the master's agent endpoint, e.g. ws://master:8080/agent.
	URL              string
	Handshake        protocol.Handshake
	ReconnectDelay   time.Duration
	Keepalive        time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Workers          int
	// Codec for outbound frames. Binary frames carry CBOR, text frames JSON.
	Codec codec.CodecType
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

type Option func(*Conn)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithOutbound routes responses through q instead of writing them directly.
func WithOutbound(q Enqueuer) Option {
	return func(c *Conn) { c.outbound = q }
}

// Conn is the agent's connection manager.
type Conn struct {
	cfg        Config
	dispatcher Dispatcher
	events     *pubsub.Registry
	logger     *zap.Logger
	outbound   Enqueuer
	pool       *WorkerPool
	dialer     *websocket.Dialer

	state atomic.Int32

	mu   sync.Mutex
	peer *Peer // nil while disconnected
}

// New creates a connection manager. Lifecycle events and inbound responses
// are published on events.
func New(cfg Config, dispatcher Dispatcher, events *pubsub.Registry, opts ...Option) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		cfg:        cfg,
		dispatcher: dispatcher,
		events:     events,
		logger:     zap.NewNop(),
		pool:       NewWorkerPool(cfg.Workers),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Connected reports whether a connection is currently open.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Run connects and keeps the connection up until ctx is done or the master
// rejects the agent. It returns ctx.Err() or a *FatalError.
func (c *Conn) Run(ctx context.Context) error {
	defer c.pool.Wait()
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			c.setState(StateRejected)
			c.logger.Error("connection rejected by master",
				zap.Int("code", fatal.Code),
				zap.String("reason", fatal.Reason),
				zap.Error(fatal.Err),
			)
			return fatal
		}

		c.logger.Info("reconnecting", zap.Duration("delay", c.cfg.ReconnectDelay))
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// connectAndServe runs one connection from dial to close.
func (c *Conn) connectAndServe(ctx context.Context) error {
	c.setState(StateConnecting)
	c.events.Publish(protocol.ChannelConnect, c)
	c.logger.Info("connecting to master", zap.String("url", c.cfg.URL))

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Handshake.Header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn("connection failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.events.Publish(protocol.ChannelClose, protocol.CloseAbnormal)
		return err
	}

	p := NewPeer(ws, PeerConfig{
		Keepalive:    c.cfg.Keepalive,
		WriteTimeout: c.cfg.WriteTimeout,
		Codec:        c.cfg.Codec,
	}, c.logger)
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("connected to master", zap.String("url", c.cfg.URL))
	c.events.Publish(protocol.ChannelOpen, c)

	stop := context.AfterFunc(ctx, func() {
		c.setState(StateClosing)
		p.Close(protocol.CloseNormal, "agent shutting down")
	})
	defer stop()

	code, reason := p.Serve(func(msg message.Message) { c.dispatch(ctx, msg) })

	c.mu.Lock()
	if c.peer == p {
		c.peer = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
	c.logger.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))
	c.events.Publish(protocol.ChannelClose, code)

	switch protocol.Classify(code) {
	case protocol.OutcomeFatalAuth:
		return &FatalError{Code: code, Reason: reason, Err: ErrInvalidToken}
	case protocol.OutcomeFatalVersion:
		return &FatalError{Code: code, Reason: reason, Err: ErrIncompatibleVersion}
	}
	return nil
}

func (c *Conn) dispatch(ctx context.Context, msg message.Message) {
	var err error
	switch m := msg.(type) {
	case *message.Request:
		err = c.pool.Go(ctx, func() {
			c.reply(c.dispatcher.HandleRequest(ctx, m))
		})
	case *message.Response:
		c.events.Publish(protocol.ResponseChannel(m.ID), m)
	case *message.Notification:
		err = c.pool.Go(ctx, func() {
			c.dispatcher.HandleNotification(ctx, m)
		})
	}
	if err != nil {
		c.logger.Warn("dropping inbound message", zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

func (c *Conn) reply(resp *message.Response) {
	if resp == nil {
		return
	}
	if c.outbound != nil {
		c.outbound.Push(resp)
		return
	}
	if err := c.Send(resp); err != nil {
		c.logger.Warn("failed to send response", zap.Uint64("id", resp.ID), zap.Error(err))
	}
}

// Send hands msg to the writer of the current connection. It returns
// ErrNotConnected if there is none.
func (c *Conn) Send(msg message.Message) error {
	c.mu.Lock()
	p := c.peer
	c.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	return p.Send(msg)
}

// SendItem sends a queued item. Items must be messages.
func (c *Conn) SendItem(item any) error {
	msg, ok := item.(message.Message)
	if !ok {
		return fmt.Errorf("transport: cannot send %T", item)
	}
	return c.Send(msg)
}
