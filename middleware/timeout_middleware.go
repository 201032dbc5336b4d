package middleware

import (
	"context"
	"time"

	"gridlink/message"
)

// TimeOutMiddleware answers with a 408 error if the handler takes longer
// than timeout. The handler's context is cancelled at that point, but the
// handler keeps running until it returns; the ctx tracker, if any, counts it
// until then.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			wg := trackerFrom(ctx)
			if wg != nil {
				wg.Add(1)
			}
			go func() {
				if wg != nil {
					defer wg.Done()
				}
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(req.ID, message.CodeTimeout, "request timed out")
			}
		}
	}
}
