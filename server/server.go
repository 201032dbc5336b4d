// Package server implements the handler side of the RPC dispatcher: a method
// table, a middleware chain around it, and graceful shutdown.
//
// Request processing pipeline:
//
//	transport reader → worker pool → HandleRequest
//	  → Middleware Chain → businessHandler (method table lookup) → *message.Response
//
// Notifications take the same path; their response is discarded and
// failures are only logged.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridlink/message"
	"gridlink/middleware"
)

// HandlerFunc implements one RPC method.
type HandlerFunc func(ctx context.Context, params []any) (any, error)

// Error is returned by handlers that want to choose the error code sent to
// the caller. Any other error is reported with code 500.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, text string) *Error {
	return &Error{Code: code, Message: text}
}

// Server dispatches requests and notifications to registered methods.
type Server struct {
	mu          sync.RWMutex
	methods     map[string]HandlerFunc  // "/hello/service" → handler
	middlewares []middleware.Middleware // applied in the order added
	handler     middleware.HandlerFunc  // middlewares around businessHandler, nil until first use after Use
	logger      *zap.Logger

	wg       sync.WaitGroup // in-flight calls
	shutdown atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		methods: make(map[string]HandlerFunc),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers fn under method, replacing any previous handler.
func (svr *Server) Handle(method string, fn HandlerFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.methods[method] = fn
}

// Register adds every method of rcvr with the signature
//
//	func(ctx context.Context, params []any) (any, error)
//
// under prefix + "/" + snake_case(MethodName).
func (svr *Server) Register(prefix string, rcvr any) error {
	svc, err := newService(prefix, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for path, m := range svc.method {
		svr.methods[path] = svc.handler(m)
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = nil
}

// Methods returns the registered method paths, sorted.
func (svr *Server) Methods() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	paths := make([]string, 0, len(svr.methods))
	for path := range svr.methods {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// chain returns the middleware chain, building it once per change of
// middlewares rather than per request.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.mu.RLock()
	h := svr.handler
	svr.mu.RUnlock()
	if h != nil {
		return h
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.handler == nil {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	}
	return svr.handler
}

// HandleRequest runs the method named by req and always returns a Response
// with req's ID.
func (svr *Server) HandleRequest(ctx context.Context, req *message.Request) *message.Response {
	if svr.shutdown.Load() {
		return message.ErrorResponse(req.ID, message.CodeUnavailable, "server shutting down")
	}
	svr.wg.Add(1)
	defer svr.wg.Done()

	resp := svr.chain()(middleware.WithTracker(ctx, &svr.wg), req)
	if resp == nil {
		return message.ErrorResponse(req.ID, message.CodeInternal, "no response")
	}
	resp.ID = req.ID
	return resp
}

// HandleNotification runs the method named by n. Errors are logged.
func (svr *Server) HandleNotification(ctx context.Context, n *message.Notification) {
	if svr.shutdown.Load() {
		return
	}
	svr.wg.Add(1)
	defer svr.wg.Done()

	resp := svr.chain()(middleware.WithTracker(ctx, &svr.wg), &message.Request{Method: n.Method, Params: n.Params})
	if resp != nil && resp.Error != nil {
		svr.logger.Warn("notification handler failed",
			zap.String("method", n.Method),
			zap.Any("error", resp.Error),
		)
	}
}

// Shutdown stops accepting calls and waits for in-flight ones to finish,
// including handlers still running after a middleware answered for them.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// businessHandler is the end of the middleware chain: method lookup and
// invocation.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	svr.mu.RLock()
	fn, ok := svr.methods[req.Method]
	svr.mu.RUnlock()
	if !ok {
		return message.ErrorResponse(req.ID, message.CodeNotFound, "unknown method "+req.Method)
	}

	result, err := invoke(ctx, fn, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return message.ErrorResponse(req.ID, rpcErr.Code, rpcErr.Message)
		}
		return message.ErrorResponse(req.ID, message.CodeInternal, err.Error())
	}
	return &message.Response{ID: req.ID, Result: result}
}

func invoke(ctx context.Context, fn HandlerFunc, params []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	if params == nil {
		params = []any{}
	}
	return fn(ctx, params)
}
