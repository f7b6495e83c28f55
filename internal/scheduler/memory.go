package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Memory is a single-process Scheduler. LeaderOnly is a no-op here since a
// single instance is trivially its own leader; used for
// SCHEDULER_BACKEND=memory deployments and tests.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task)}
}

func (m *Memory) Schedule(ctx context.Context, taskID string, opts TaskOptions, fn TaskFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.stopLocked(taskID)
	m.tasks[taskID] = t
	m.mu.Unlock()

	interval := time.Duration(opts.Interval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(t.done)
		if opts.RunOnActivation {
			runTask(runCtx, taskID, opts, fn)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var running sync.Mutex
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if opts.AllowOverlap {
					go runTask(runCtx, taskID, opts, fn)
					continue
				}
				if !running.TryLock() {
					metrics.SchedulerRuns.WithLabelValues(taskID, "skipped_overlap").Inc()
					continue
				}
				go func() {
					defer running.Unlock()
					runTask(runCtx, taskID, opts, fn)
				}()
			}
		}
	}()
	return nil
}

func runTask(ctx context.Context, taskID string, _ TaskOptions, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "scheduler task panicked", zap.String("task_id", taskID), zap.Any("recover", r))
		}
	}()
	fn(ctx)
	metrics.SchedulerRuns.WithLabelValues(taskID, "ran").Inc()
}

func (m *Memory) Stop(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(taskID)
	return nil
}

func (m *Memory) stopLocked(taskID string) {
	if t, ok := m.tasks[taskID]; ok {
		t.cancel()
		delete(m.tasks, taskID)
	}
}

func (m *Memory) StopAll(prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if strings.HasPrefix(id, prefix) {
			t.cancel()
			delete(m.tasks, id)
		}
	}
	return nil
}

var _ Scheduler = (*Memory)(nil)
