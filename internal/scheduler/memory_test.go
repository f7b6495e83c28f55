package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ScheduleTicksAtInterval(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var runs int32

	require.NoError(t, m.Schedule(ctx, "task-1", TaskOptions{Interval: 20}, func(context.Context) {
		atomic.AddInt32(&runs, 1)
	}))
	defer m.Stop("task-1")

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(3))
}

func TestMemory_RunOnActivationFiresImmediately(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	fired := make(chan struct{}, 1)

	require.NoError(t, m.Schedule(ctx, "task-1", TaskOptions{Interval: 10_000, RunOnActivation: true}, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))
	defer m.Stop("task-1")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected immediate run on activation")
	}
}

func TestMemory_ScheduleReplacesExistingTask(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var oldRuns, newRuns int32

	require.NoError(t, m.Schedule(ctx, "task-1", TaskOptions{Interval: 15}, func(context.Context) {
		atomic.AddInt32(&oldRuns, 1)
	}))
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, m.Schedule(ctx, "task-1", TaskOptions{Interval: 15}, func(context.Context) {
		atomic.AddInt32(&newRuns, 1)
	}))
	defer m.Stop("task-1")

	afterReplace := atomic.LoadInt32(&oldRuns)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, afterReplace, atomic.LoadInt32(&oldRuns), "replaced task must stop ticking")
	assert.Greater(t, atomic.LoadInt32(&newRuns), int32(0))
}

func TestMemory_StopAllByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var runs int32

	require.NoError(t, m.Schedule(ctx, "room:lobby:flush", TaskOptions{Interval: 10}, func(context.Context) {
		atomic.AddInt32(&runs, 1)
	}))
	require.NoError(t, m.Schedule(ctx, "room:other:flush", TaskOptions{Interval: 10}, func(context.Context) {
		atomic.AddInt32(&runs, 1)
	}))

	require.NoError(t, m.StopAll("room:lobby:"))
	time.Sleep(10 * time.Millisecond)
	before := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)

	m.mu.Lock()
	_, stillScheduled := m.tasks["room:lobby:flush"]
	m.mu.Unlock()
	assert.False(t, stillScheduled)

	assert.Greater(t, atomic.LoadInt32(&runs), before, "the other task must keep ticking")
	m.StopAll("room:")
}

func TestMemory_PanicInTaskDoesNotCrashScheduler(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var runs int32

	require.NoError(t, m.Schedule(ctx, "task-panic", TaskOptions{Interval: 15}, func(context.Context) {
		atomic.AddInt32(&runs, 1)
		panic("boom")
	}))
	defer m.Stop("task-panic")

	time.Sleep(60 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2), "panics must not kill the ticking goroutine")
}
