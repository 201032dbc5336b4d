package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridlink/durable"
	"gridlink/durable/memlog"
	"gridlink/message"
	"gridlink/protocol"
	"gridlink/pubsub"
	"gridlink/queue"
	"gridlink/server"
)

// newHelloServer answers /hello/service with the method name followed by the
// params, fails /hello/error, and forwards /hello/notify params to notes.
func newHelloServer(notes chan<- []any) *server.Server {
	svr := server.NewServer()
	svr.Handle("/hello/service", func(ctx context.Context, params []any) (any, error) {
		return append([]any{"/hello/service"}, params...), nil
	})
	svr.Handle("/hello/error", func(ctx context.Context, params []any) (any, error) {
		return nil, server.NewError(500, "test error")
	})
	svr.Handle("/hello/notify", func(ctx context.Context, params []any) (any, error) {
		notes <- params
		return nil, nil
	})
	return svr
}

// loopback plays the peer: requests are answered by svr and the response
// published where the connection manager would publish it.
type loopback struct {
	events *pubsub.Registry
	svr    *server.Server
	drop   bool
}

func (l *loopback) Send(msg message.Message) error {
	switch m := msg.(type) {
	case *message.Request:
		if l.drop {
			return nil
		}
		go func() {
			resp := l.svr.HandleRequest(context.Background(), m)
			l.events.Publish(protocol.ResponseChannel(resp.ID), resp)
		}()
	case *message.Notification:
		go l.svr.HandleNotification(context.Background(), m)
	}
	return nil
}

func newLocalClient(t *testing.T, drop bool, notes chan<- []any, opts ...Option) *Client {
	t.Helper()
	events := pubsub.New()
	t.Cleanup(events.Clear)
	return New(NewLocal(events, &loopback{events: events, svr: newHelloServer(notes), drop: drop}), opts...)
}

func TestRequestEcho(t *testing.T) {
	c := newLocalClient(t, false, nil)

	result, err := c.Request(context.Background(), "/hello/service", "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, []any{"/hello/service", "foo", "bar"}, result)
}

func TestRequestRemoteError(t *testing.T) {
	c := newLocalClient(t, false, nil)

	_, err := c.Request(context.Background(), "/hello/error")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 500, remote.Code())
	assert.Equal(t, "/hello/error", remote.Method)
	assert.Contains(t, remote.Error(), "test error")
}

func TestRequestTimeout(t *testing.T) {
	c := newLocalClient(t, true, nil, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Request(context.Background(), "/hello/service")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRequestHonoursContext(t *testing.T) {
	c := newLocalClient(t, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, "/hello/service")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotify(t *testing.T) {
	notes := make(chan []any, 1)
	c := newLocalClient(t, false, notes)

	require.NoError(t, c.Notify(context.Background(), "/hello/notify", "foo", "bar"))
	select {
	case params := <-notes:
		assert.Equal(t, []any{"foo", "bar"}, params)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConcurrentRequestsGetTheirOwnResponses(t *testing.T) {
	c := newLocalClient(t, false, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Request(context.Background(), "/hello/service", int64(i))
			if assert.NoError(t, err) {
				assert.Equal(t, []any{"/hello/service", int64(i)}, result)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, c.pending)
}

func TestViaQueue(t *testing.T) {
	q := queue.New(queue.DefaultCapacity)
	c := New(NewLocal(pubsub.New(), ViaQueue(q)))

	require.NoError(t, c.Notify(context.Background(), "/hello/notify", "x"))
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, &message.Notification{Method: "/hello/notify", Params: []any{"x"}}, items[0])
}

// serveNode answers envelopes for nodeID the way a hub relaying to that
// node's agent would.
func serveNode(t *testing.T, ps *durable.PubSub, nodeID string, svr *server.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go ps.Subscribe(ctx, protocol.RPCChannel, func(s *durable.Subscription) {
		s.OnMessage(0, func(data any) error {
			env, err := ParseEnvelope(data)
			if err != nil || env.NodeID != nodeID {
				return nil
			}
			switch m := env.Message.(type) {
			case *message.Request:
				resp := svr.HandleRequest(ctx, m)
				return ps.Publish(ctx, protocol.ResponseChannel(resp.ID), resp.Array())
			case *message.Notification:
				svr.HandleNotification(ctx, m)
			}
			return nil
		})
		close(ready)
	})
	<-ready
}

func TestDurableRequest(t *testing.T) {
	ps := durable.New(memlog.New(0), durable.Config{})
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop()

	notes := make(chan []any, 1)
	serveNode(t, ps, "node-1", newHelloServer(notes))

	c := New(NewDurable(ps, "node-1"), WithTimeout(2*time.Second))
	result, err := c.Request(context.Background(), "/hello/service", "foo", "bar")
	require.NoError(t, err)
	assert.Equal(t, []any{"/hello/service", "foo", "bar"}, result)

	_, err = c.Request(context.Background(), "/hello/error")
	var remote *RemoteError
	assert.True(t, errors.As(err, &remote))

	require.NoError(t, c.Notify(context.Background(), "/hello/notify", "foo", "bar"))
	select {
	case params := <-notes:
		assert.Equal(t, []any{"foo", "bar"}, params)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestDurableRequestTimesOutForUnknownNode(t *testing.T) {
	ps := durable.New(memlog.New(0), durable.Config{})
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop()

	serveNode(t, ps, "node-1", newHelloServer(nil))

	c := New(NewDurable(ps, "node-2"), WithTimeout(50*time.Millisecond))
	_, err := c.Request(context.Background(), "/hello/service")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestParseEnvelope(t *testing.T) {
	env := Envelope{Type: EnvelopeRequest, NodeID: "n", Message: &message.Request{ID: 1, Method: "/m"}}
	got, err := ParseEnvelope(env.Map())
	require.NoError(t, err)
	assert.Equal(t, "n", got.NodeID)

	_, err = ParseEnvelope(map[string]any{"type": EnvelopeNotify, "node_id": "n", "message": env.Message.Array()})
	assert.Error(t, err)
	_, err = ParseEnvelope("nope")
	assert.Error(t, err)
}
