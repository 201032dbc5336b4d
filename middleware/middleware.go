// Package middleware wraps request handling on the server side.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so A runs first on the
// way in and last on the way out.
package middleware

import (
	"context"
	"sync"

	"gridlink/message"
)

// HandlerFunc answers one request. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type trackerKey struct{}

// WithTracker returns a ctx whose handler goroutines that outlive their
// middleware, such as those abandoned by TimeOutMiddleware, are counted on
// wg. wg must already be positive when the chain runs.
func WithTracker(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, trackerKey{}, wg)
}

func trackerFrom(ctx context.Context) *sync.WaitGroup {
	wg, _ := ctx.Value(trackerKey{}).(*sync.WaitGroup)
	return wg
}
