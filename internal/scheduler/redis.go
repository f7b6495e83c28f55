package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

// Redis is the cluster-aware Scheduler. Every instance runs its own
// ticker for every scheduled task; LeaderOnly tasks additionally race for
// a short-lived Redis lock (SET NX PX) keyed by the task id before
// running, so only the winning instance executes a given tick. This
// mirrors the teacher's use of Redis SET-family commands for shared
// cluster state (bus.Service.SetAdd/SetRem) rather than inventing a
// separate lock library.
type Redis struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string

	mem *Memory // reuses the local ticking/overlap-suppression logic
}

func NewRedis(client *redis.Client, instanceID string) *Redis {
	st := gobreaker.Settings{
		Name:        "scheduler-redis",
		MaxRequests: 5,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("scheduler").Set(breakerStateValue(to))
		},
	}
	return &Redis{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: instanceID,
		mem:        NewMemory(),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func lockKey(taskID string) string { return fmt.Sprintf("scheduler:lock:%s", taskID) }

// tryAcquire races for leadership of one tick. On a circuit-open redis it
// fails open: every instance runs, which is the documented degraded-mode
// tradeoff (duplicate execution beats none).
func (r *Redis) tryAcquire(ctx context.Context, taskID string, ttl time.Duration) bool {
	token := r.instanceID + ":" + uuid.NewString()
	res, err := r.cb.Execute(func() (any, error) {
		return r.client.SetNX(ctx, lockKey(taskID), token, ttl).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			logging.Warn(ctx, "scheduler circuit breaker open, running without leader lock", zap.String("task_id", taskID))
			return true
		}
		logging.Error(ctx, "scheduler lock acquisition failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return res.(bool)
}

func (r *Redis) Schedule(ctx context.Context, taskID string, opts TaskOptions, fn TaskFunc) error {
	wrapped := fn
	if opts.LeaderOnly {
		interval := time.Duration(opts.Interval) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		wrapped = func(taskCtx context.Context) {
			if !r.tryAcquire(taskCtx, taskID, interval) {
				metrics.SchedulerRuns.WithLabelValues(taskID, "skipped_not_leader").Inc()
				return
			}
			fn(taskCtx)
		}
	}
	return r.mem.Schedule(ctx, taskID, opts, wrapped)
}

func (r *Redis) Stop(taskID string) error {
	return r.mem.Stop(taskID)
}

func (r *Redis) StopAll(prefix string) error {
	return r.mem.StopAll(prefix)
}

var _ Scheduler = (*Redis)(nil)
