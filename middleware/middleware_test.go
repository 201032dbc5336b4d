package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gridlink/message"
)

// echoHandler answers with the request params.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{ID: req.ID, Result: req.Params}
}

// slowHandler takes 200ms.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return &message.Response{ID: req.ID, Result: "late"}
}

func errorCode(t *testing.T, resp *message.Response) int64 {
	t.Helper()
	payload, ok := resp.Error.(map[string]any)
	if !ok {
		t.Fatalf("expect error payload, got %#v", resp.Error)
	}
	return payload["code"].(int64)
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	resp := handler(context.Background(), &message.Request{ID: 1, Method: "/nodes/ping", Params: []any{"ok"}})
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.ID != 1 || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &message.Request{ID: 2, Method: "/nodes/ping"})
	if resp.Error != nil {
		t.Fatalf("expect no error, got %v", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &message.Request{ID: 3, Method: "/nodes/ping"})
	if code := errorCode(t, resp); code != message.CodeTimeout {
		t.Fatalf("expect timeout error, got %d", code)
	}
	if resp.ID != 3 {
		t.Fatalf("expect id 3, got %d", resp.ID)
	}
}

func TestTimeoutTracksAbandonedHandler(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	ctx := WithTracker(context.Background(), &wg)

	handler := TimeOutMiddleware(20 * time.Millisecond)(slowHandler)
	start := time.Now()
	if code := errorCode(t, handler(ctx, &message.Request{ID: 5, Method: "/nodes/ping"})); code != message.CodeTimeout {
		t.Fatalf("expect timeout error, got %d", code)
	}
	wg.Done()

	wg.Wait()
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("tracker released after %v, before the handler returned", elapsed)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.Request{ID: 4, Method: "/nodes/ping"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Error != nil {
			t.Fatalf("request %d should pass, got error: %v", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if code := errorCode(t, resp); code != message.CodeTooManyRequests {
		t.Fatalf("request 3 should be rate limited, got %d", code)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), LoggingMiddleware(zap.NewNop()))(echoHandler)
	resp := handler(context.Background(), &message.Request{ID: 5, Method: "/nodes/ping"})

	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
