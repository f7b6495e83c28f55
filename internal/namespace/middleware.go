package namespace

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
	"github.com/clusterwire/fabric/internal/ratelimit"
	"github.com/clusterwire/fabric/pkg/envelope"
)

// LoggingMiddleware records one EventsTotal/EventProcessingSeconds
// observation per dispatched event, in the teacher's style of wrapping
// the handler chain for cross-cutting metrics rather than scattering
// instrumentation through every handler body.
func LoggingMiddleware() MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
			start := time.Now()
			err := next(ctx, ns, conn, env)
			metrics.EventProcessingSeconds.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.EventsTotal.WithLabelValues(env.Event, outcome).Inc()
			if err != nil {
				logging.Warn(ctx, "event dispatch failed", zap.String("event", env.Event), zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return err
		}
	}
}

// RateLimitMiddleware enforces the per-connection sliding-window budget
// from §4.E. A breach is a forced termination, not a soft warning: per
// §7's rate-limit error handling, the connection is closed with code
// 4003 and removed from all structures (RemoveConnection runs via the
// connection's own onClose callback, the same path a client-initiated
// disconnect takes).
func RateLimitMiddleware(limiter *ratelimit.ConnectionLimiter) MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error {
			if !limiter.Allow(ctx, ns.Name, conn.ID) {
				logging.Warn(ctx, "connection exceeded rate limit, terminating", zap.String("namespace", ns.Name), zap.String("connection_id", conn.ID))
				conn.Close(connection.CloseRateLimited, "rate_limit_exceeded")
				return nil
			}
			return next(ctx, ns, conn, env)
		}
	}
}
