package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"forkrpc/message"
)

// RecoverMiddleware turns a panic inside an operation into a fault, so a misbehaving
// operation is reported like any other error instead of taking the process down.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &message.Fault{
						Type:    "panic",
						Message: fmt.Sprintf("panic in %s: %v", call.Method, r),
						Stack:   string(debug.Stack()),
					}
				}
			}()
			return next(ctx, call)
		}
	}
}
