// Package middleware provides the server-side interceptor chain. A
// middleware wraps the invocation of a registered handler, whatever its
// call shape, and sees the call's context, method, and outcome.
package middleware

import (
	"context"

	"proto-rpc/protocol"
)

// CallInfo describes the call being intercepted.
type CallInfo struct {
	Method string
	Shape  protocol.CallShape
}

// Handler runs the call. The returned error, converted through
// status.FromError, becomes the call's terminal status.
type Handler func(ctx context.Context, info *CallInfo) error

// Middleware wraps a Handler with extra behavior.
type Middleware func(next Handler) Handler

// Chain composes middlewares into one, onion style:
//
//	Chain(A, B, C)(h) → A(B(C(h)))
//
// so A sees the call first and its after-effects last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
