// Package ratelimit enforces the per-connection inbound event budget from
// §4.E of the fabric design (a 1-second sliding window, default 50
// messages), grounded in the teacher's internal/v1/ratelimit package:
// same ulule/limiter/v3 store selection (Redis when clustered, memory
// otherwise), same fail-open posture on store errors.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

// ConnectionLimiter enforces one message budget per connection id. A
// single instance is shared by every connection on the process; the key
// is always the connection id, never the user id, so one abusive socket
// cannot starve another belonging to the same authenticated user.
type ConnectionLimiter struct {
	limiter *limiter.Limiter
}

// New builds a ConnectionLimiter. redisClient may be nil, in which case
// an in-memory store is used (single-instance deployments, tests).
// maxPerSecond <= 0 defaults to 50, matching §6's MAX_MSGS_PER_SECOND.
func New(redisClient *redis.Client, maxPerSecond int) (*ConnectionLimiter, error) {
	if maxPerSecond <= 0 {
		maxPerSecond = 50
	}
	rate := limiter.Rate{Period: time.Second, Limit: int64(maxPerSecond)}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "fabric:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "connection rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "connection rate limiter using memory store")
	}

	return &ConnectionLimiter{limiter: limiter.New(store, rate)}, nil
}

// Allow reports whether connectionID may send one more message this
// window. On a store failure it fails open (the teacher's documented
// posture for rate limiter backend errors) and logs the cause.
func (c *ConnectionLimiter) Allow(ctx context.Context, namespace, connectionID string) bool {
	res, err := c.limiter.Get(ctx, connectionID)
	if err != nil {
		logging.Error(ctx, "connection rate limiter store failed", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitRejections.WithLabelValues(namespace).Inc()
		return false
	}
	return true
}
