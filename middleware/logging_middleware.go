package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"forkrpc/message"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) error {
			start := time.Now()
			err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.Int("args", len(call.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("call done", fields...)
			return nil
		}
	}
}
