package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"proto-rpc/status"
)

// Logging records every call's method, shape, duration, and terminal status
// code.
func Logging(log zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, info *CallInfo) error {
			start := time.Now()
			err := next(ctx, info)
			st := status.FromError(err)
			ev := log.Info()
			if !st.OK() {
				ev = log.Warn()
			}
			ev.Str("method", info.Method).
				Stringer("shape", info.Shape).
				Dur("duration", time.Since(start)).
				Str("code", st.Code.String()).
				Msg("call finished")
			return err
		}
	}
}
