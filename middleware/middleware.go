// Package middleware wraps call dispatch inside the worker process.
//
// A middleware sees every CALL after its arguments have been decoded and before the
// reply is written. Returning an error turns into an ERROR reply with a fault frame;
// it never breaks the protocol.
package middleware

import (
	"context"

	"forkrpc/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
