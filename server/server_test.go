package server

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gridlink/message"
	"gridlink/middleware"
)

type Hello struct{}

func (h *Hello) Service(ctx context.Context, params []any) (any, error) {
	return append([]any{"/hello/service"}, params...), nil
}

func (h *Hello) Fail(ctx context.Context, params []any) (any, error) {
	return nil, NewError(422, "unprocessable")
}

func (h *Hello) Boom(ctx context.Context, params []any) (any, error) {
	panic("boom")
}

// NotAHandler has the wrong signature and must be skipped.
func (h *Hello) NotAHandler(s string) error { return nil }

func errorPayload(t *testing.T, resp *message.Response) (int64, string) {
	t.Helper()
	payload, ok := resp.Error.(map[string]any)
	if !ok {
		t.Fatalf("expect error payload, got %#v", resp.Error)
	}
	return payload["code"].(int64), payload["message"].(string)
}

func TestRegisterUsesSnakeCasePaths(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("/hello", &Hello{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"/hello/boom", "/hello/fail", "/hello/service"}
	if got := svr.Methods(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("/x", Hello{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := svr.Register("/x", &struct{}{}); err == nil {
		t.Fatal("expect error for receiver without handlers")
	}
}

func TestHandleRequest(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("hello", &Hello{}); err != nil {
		t.Fatal(err)
	}

	resp := svr.HandleRequest(context.Background(), &message.Request{
		ID: 42, Method: "/hello/service", Params: []any{"foo", "bar"},
	})

	if resp.ID != 42 || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	want := []any{"/hello/service", "foo", "bar"}
	if !reflect.DeepEqual(resp.Result, want) {
		t.Fatalf("expect %v, got %v", want, resp.Result)
	}
}

func TestHandleRequestErrors(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("/hello", &Hello{}); err != nil {
		t.Fatal(err)
	}
	svr.Handle("/plain/error", func(ctx context.Context, params []any) (any, error) {
		return nil, errors.New("disk full")
	})

	cases := []struct {
		method string
		code   int64
		text   string
	}{
		{"/missing", message.CodeNotFound, "unknown method /missing"},
		{"/hello/fail", 422, "unprocessable"},
		{"/hello/boom", message.CodeInternal, "handler panic: boom"},
		{"/plain/error", message.CodeInternal, "disk full"},
	}
	for _, tc := range cases {
		resp := svr.HandleRequest(context.Background(), &message.Request{ID: 1, Method: tc.method})
		if resp.ID != 1 || resp.Result != nil {
			t.Fatalf("%s: unexpected response %+v", tc.method, resp)
		}
		code, text := errorPayload(t, resp)
		if code != tc.code || text != tc.text {
			t.Fatalf("%s: expect %d %q, got %d %q", tc.method, tc.code, tc.text, code, text)
		}
	}
}

func TestHandleNotification(t *testing.T) {
	svr := NewServer()

	var (
		mu  sync.Mutex
		got []any
	)
	svr.Handle("/containers/event", func(ctx context.Context, params []any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = params
		return nil, nil
	})
	svr.Handle("/containers/broken", func(ctx context.Context, params []any) (any, error) {
		return nil, errors.New("ignored")
	})

	svr.HandleNotification(context.Background(), &message.Notification{
		Method: "/containers/event", Params: []any{"foo", "bar"},
	})
	svr.HandleNotification(context.Background(), &message.Notification{Method: "/containers/broken"})
	svr.HandleNotification(context.Background(), &message.Notification{Method: "/unknown"})

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []any{"foo", "bar"}) {
		t.Fatalf("unexpected params %v", got)
	}
}

func TestUseAppliesMiddlewares(t *testing.T) {
	svr := NewServer()
	svr.Handle("/slow", func(ctx context.Context, params []any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	svr.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))

	resp := svr.HandleRequest(context.Background(), &message.Request{ID: 9, Method: "/slow"})
	if resp.ID != 9 {
		t.Fatalf("expect id 9, got %d", resp.ID)
	}
	if code, _ := errorPayload(t, resp); code != message.CodeTimeout {
		t.Fatalf("expect timeout, got %d", code)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	svr := NewServer()
	started := make(chan struct{})
	svr.Handle("/work", func(ctx context.Context, params []any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})

	result := make(chan *message.Response, 1)
	go func() {
		result <- svr.HandleRequest(context.Background(), &message.Request{ID: 1, Method: "/work"})
	}()
	<-started

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if resp := <-result; resp.Result != "done" {
		t.Fatalf("in-flight request was not completed: %+v", resp)
	}

	resp := svr.HandleRequest(context.Background(), &message.Request{ID: 2, Method: "/work"})
	if code, _ := errorPayload(t, resp); code != message.CodeUnavailable {
		t.Fatalf("expect unavailable after shutdown, got %d", code)
	}
}

func TestShutdownWaitsForTimedOutHandler(t *testing.T) {
	svr := NewServer()
	var finished atomic.Bool
	svr.Handle("/slow", func(ctx context.Context, params []any) (any, error) {
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return "late", nil
	})
	svr.Use(middleware.TimeOutMiddleware(20 * time.Millisecond))

	resp := svr.HandleRequest(context.Background(), &message.Request{ID: 1, Method: "/slow"})
	if code, _ := errorPayload(t, resp); code != message.CodeTimeout {
		t.Fatalf("expect timeout, got %d", code)
	}
	if finished.Load() {
		t.Fatal("handler finished before the timeout answer")
	}

	if err := svr.Shutdown(10 * time.Millisecond); err == nil {
		t.Fatal("expect shutdown to time out while the handler still runs")
	}
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Fatal("shutdown returned before the timed-out handler finished")
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"Service":   "service",
		"GetNodeID": "get_node_id",
		"HTTPGet":   "http_get",
		"V2Status":  "v2_status",
	}
	for in, want := range cases {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
