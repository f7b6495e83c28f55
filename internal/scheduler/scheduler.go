// Package scheduler implements the periodic task runner described in §4.D
// of the fabric design: rooms and namespaces schedule recurring work
// (batch flushes, idle-room GC) that must run exactly once per interval
// across the whole cluster when leader_only is set. Heartbeat pings use
// their own tickers in package heartbeat, not this scheduler.
package scheduler

import "context"

// TaskFunc is the unit of work executed on every tick.
type TaskFunc func(ctx context.Context)

// TaskOptions configures one scheduled task.
type TaskOptions struct {
	// Interval between executions.
	Interval int64 // milliseconds, kept as int64 to avoid importing time in the interface
	// AllowOverlap lets a new tick start before the previous run
	// returned. Default false: a slow run suppresses its own next tick.
	AllowOverlap bool
	// LeaderOnly restricts execution to a single instance cluster-wide
	// per tick, using a distributed lock keyed by the task id.
	LeaderOnly bool
	// RunOnActivation runs the task immediately on Schedule, in addition
	// to every subsequent interval.
	RunOnActivation bool
}

// Scheduler runs named, recurring tasks. Implementations must make Stop
// idempotent and StopAll safe to call from task code itself.
type Scheduler interface {
	// Schedule registers fn under taskID and starts ticking. Scheduling
	// an already-running taskID replaces it (the previous timer is
	// stopped first).
	Schedule(ctx context.Context, taskID string, opts TaskOptions, fn TaskFunc) error
	// Stop cancels taskID's timer. No-op if taskID is not scheduled.
	Stop(taskID string) error
	// StopAll cancels every task whose id has the given prefix, used by
	// rooms and namespaces to tear down their own tasks on destroy
	// without needing to track every id they registered.
	StopAll(prefix string) error
}
