// Package client implements the calling side of the RPC dispatcher.
//
// A Client assigns each request a random id, registers for the response on
// "rpc_response:<id>" before sending, and waits for that one response:
//
//	Request(method, params)
//	  ├─ Await(id)  ──► subscribe rpc_response:<id>
//	  ├─ Send([0, id, method, params])
//	  └─ wait ◄── response | timeout | ctx done
//
// Where the request goes and where the response comes from is up to the
// Transport: the local topic registry on an agent, the durable log on the
// master.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/message"
)

// DefaultTimeout bounds how long Request waits for its response.
const DefaultTimeout = 30 * time.Second

// maxID keeps ids within 31 bits so every peer can represent them exactly.
const maxID = 1<<31 - 1

var ErrTimeout = errors.New("client: request timed out")

// RemoteError is returned by Request when the peer answered with an error.
type RemoteError struct {
	Method  string
	Payload any // usually {"code": int, "message": string}
}

func (e *RemoteError) Error() string {
	if p, ok := e.Payload.(map[string]any); ok {
		return fmt.Sprintf("client: %s failed: %v (code %v)", e.Method, p["message"], p["code"])
	}
	return fmt.Sprintf("client: %s failed: %v", e.Method, e.Payload)
}

// Code returns the numeric error code from the payload, or 0.
func (e *RemoteError) Code() int {
	p, ok := e.Payload.(map[string]any)
	if !ok {
		return 0
	}
	switch n := p["code"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// Transport moves messages to the peer and delivers its responses.
type Transport interface {
	// Await registers for the response to id. The channel receives at
	// most one response and is closed if the registration ends without
	// one. cancel releases the registration.
	Await(ctx context.Context, id uint64, wait time.Duration) (<-chan *message.Response, func(), error)
	Send(ctx context.Context, msg message.Message) error
}

type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[uint64]struct{}
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(t Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		timeout:   DefaultTimeout,
		logger:    zap.NewNop(),
		pending:   make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns how long Request waits for a response.
func (c *Client) Timeout() time.Duration { return c.timeout }

// reserve picks a random id not used by any outstanding request.
func (c *Client) reserve() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := rand.Uint64N(maxID) + 1
		if _, taken := c.pending[id]; !taken {
			c.pending[id] = struct{}{}
			return id
		}
	}
}

func (c *Client) release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Request calls method on the peer and returns its result.
func (c *Client) Request(ctx context.Context, method string, params ...any) (any, error) {
	id := c.reserve()
	defer c.release(id)

	responses, cancel, err := c.transport.Await(ctx, id, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("client: await %s: %w", method, err)
	}
	defer cancel()

	req := &message.Request{ID: id, Method: method, Params: params}
	if err := c.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}
	c.logger.Debug("request sent", zap.String("method", method), zap.Uint64("id", id))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-responses:
		if !ok {
			return nil, ErrTimeout
		}
		if resp.Error != nil {
			return nil, &RemoteError{Method: method, Payload: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a notification and returns without waiting for anything.
func (c *Client) Notify(ctx context.Context, method string, params ...any) error {
	if err := c.transport.Send(ctx, &message.Notification{Method: method, Params: params}); err != nil {
		return fmt.Errorf("client: notify %s: %w", method, err)
	}
	return nil
}
