package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gridlink/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != nil {
				logger.Warn("request failed", append(fields, zap.Any("error", resp.Error))...)
			} else {
				logger.Debug("request handled", fields...)
			}
			return resp
		}
	}
}
