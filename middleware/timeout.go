package middleware

import (
	"context"
	"time"
)

// Timeout caps every call's duration regardless of the client's deadline.
// The per-call context gains the tighter of the two; expiry surfaces as
// DEADLINE_EXCEEDED through the usual context path.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, info *CallInfo) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, info)
		}
	}
}
