package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"gridlink/message"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket
// with the given burst) with a 429 error.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.ErrorResponse(req.ID, message.CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
