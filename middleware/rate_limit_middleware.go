package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"forkrpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware limits calls with a token bucket. Calls over the limit fail with
// a fault; the worker keeps serving.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) error {
			if !limiter.Allow() {
				return errors.Wrap(ErrRateLimited, call.Method)
			}
			return next(ctx, call)
		}
	}
}
