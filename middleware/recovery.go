package middleware

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"proto-rpc/status"
)

// Recovery converts a handler panic into an INTERNAL status instead of
// letting it take the whole process down.
func Recovery(log zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, info *CallInfo) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("method", info.Method).Any("panic", r).
						Msg("handler panicked")
					err = status.Errorf(codes.Internal, "handler panic: %v", r)
				}
			}()
			return next(ctx, info)
		}
	}
}
