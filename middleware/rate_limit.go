package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"proto-rpc/status"
)

// RateLimit applies a token-bucket limit across all calls on the server.
// Over-limit calls are rejected up front with RESOURCE_EXHAUSTED; no
// handler runs and no message frames are produced.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, info *CallInfo) error {
			if !limiter.Allow() {
				return status.New(codes.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, info)
		}
	}
}
