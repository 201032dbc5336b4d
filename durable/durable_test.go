package durable_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridlink/durable"
	"gridlink/durable/memlog"
)

func startPubSub(t *testing.T, log durable.Log, cfg durable.Config) *durable.PubSub {
	t.Helper()
	ps := durable.New(log, cfg)
	require.NoError(t, ps.Start(context.Background()))
	t.Cleanup(ps.Stop)
	return ps
}

// subscribe runs Subscribe in the background and returns once the handler
// is attached. Received data is forwarded on the returned channel.
func subscribe(t *testing.T, ps *durable.PubSub, ctx context.Context, channel string, wait time.Duration) (<-chan any, <-chan error) {
	t.Helper()
	got := make(chan any, 16)
	result := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		result <- ps.Subscribe(ctx, channel, func(s *durable.Subscription) {
			s.OnMessage(wait, func(data any) error {
				got <- data
				return nil
			})
			close(ready)
		})
	}()
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("subscription setup was not called")
	}
	return got, result
}

func TestStartWritesBootstrapRecordOnce(t *testing.T) {
	log := memlog.New(0)

	ps := durable.New(log, durable.Config{})
	require.NoError(t, ps.Start(context.Background()))
	ps.Stop()

	records := log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, durable.BootstrapChannel, records[0].Channel)

	ps = durable.New(log, durable.Config{})
	require.NoError(t, ps.Start(context.Background()))
	ps.Stop()
	assert.Equal(t, 1, log.Len())
}

func TestPublishReachesSubscriber(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})

	got, _ := subscribe(t, ps, context.Background(), "events", 0)
	require.NoError(t, ps.Publish(context.Background(), "events", map[string]any{"name": "node-1"}))

	select {
	case data := <-got:
		assert.Equal(t, map[string]any{"name": "node-1"}, data)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSubscribeDoesNotReplayEarlierRecords(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})
	ctx := context.Background()

	require.NoError(t, ps.Publish(ctx, "events", "before"))

	got, _ := subscribe(t, ps, ctx, "events", 0)
	require.NoError(t, ps.Publish(ctx, "events", "after"))

	select {
	case data := <-got:
		assert.Equal(t, "after", data)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	select {
	case data := <-got:
		t.Fatalf("unexpected delivery %v", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReturnsAfterWait(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})

	start := time.Now()
	_, result := subscribe(t, ps, context.Background(), "quiet", 50*time.Millisecond)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after its wait")
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, ps.Count("quiet"))
}

func TestCloseFromHandlerEndsSubscribe(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})
	ctx := context.Background()

	result := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		result <- ps.Subscribe(ctx, "once", func(s *durable.Subscription) {
			s.OnMessage(0, func(any) error {
				s.Close()
				return nil
			})
			close(ready)
		})
	}()
	<-ready

	require.NoError(t, ps.Publish(ctx, "once", 1))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
}

func TestSubscribeHonoursContext(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	_, result := subscribe(t, ps, ctx, "events", 0)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Subscribe ignored cancellation")
	}
}

func TestFailingHandlerEndsSubscribe(t *testing.T) {
	ps := startPubSub(t, memlog.New(0), durable.Config{})
	ctx := context.Background()

	result := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		result <- ps.Subscribe(ctx, "events", func(s *durable.Subscription) {
			s.OnMessage(0, func(any) error { return errors.New("handler failed") })
			close(ready)
		})
	}()
	<-ready

	for i := 0; i < 3; i++ {
		require.NoError(t, ps.Publish(ctx, "events", i))
	}
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("failing subscription was not torn down")
	}
}

func TestTailerSkipsRecordsWrittenDuringRetry(t *testing.T) {
	log := memlog.New(0)
	ps := startPubSub(t, log, durable.Config{RetryDelay: 50 * time.Millisecond})
	ctx := context.Background()

	got, _ := subscribe(t, ps, ctx, "events", 0)

	log.FailTail(errors.New("cursor lost"))
	require.NoError(t, ps.Publish(ctx, "events", "lost"))

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, ps.Publish(ctx, "events", "kept"))

	select {
	case data := <-got:
		assert.Equal(t, "kept", data)
	case <-time.After(time.Second):
		t.Fatal("tailer did not resume")
	}
}

func TestOneInstancePerLog(t *testing.T) {
	log := memlog.New(0)
	startPubSub(t, log, durable.Config{})

	other := durable.New(log, durable.Config{})
	assert.ErrorIs(t, other.Start(context.Background()), durable.ErrLogInUse)
}

func TestOperationsBeforeStart(t *testing.T) {
	ps := durable.New(memlog.New(0), durable.Config{})
	ctx := context.Background()

	assert.ErrorIs(t, ps.Publish(ctx, "events", 1), durable.ErrNotStarted)
	assert.ErrorIs(t, ps.Subscribe(ctx, "events", func(*durable.Subscription) {}), durable.ErrNotStarted)
	ps.Stop()
}

func TestDefaultInstance(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, durable.Publish(ctx, "events", 1), durable.ErrNotStarted)

	log := memlog.New(0)
	_, err := durable.Start(ctx, log, durable.Config{})
	require.NoError(t, err)
	defer durable.Stop()

	_, err = durable.Start(ctx, memlog.New(0), durable.Config{})
	assert.ErrorIs(t, err, durable.ErrAlreadyStarted)

	require.NoError(t, durable.Publish(ctx, "events", "hello"))
	assert.Equal(t, 2, log.Len())

	durable.Stop()
	assert.ErrorIs(t, durable.Subscribe(ctx, "events", func(*durable.Subscription) {}), durable.ErrNotStarted)
}
