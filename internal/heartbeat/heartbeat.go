// Package heartbeat implements the spread ping sweep described in §4.I
// of the fabric design: rather than pinging every connection at once
// (a thundering herd of writes every interval), each connection's ping
// is staggered by check_delay_per_client so the sweep spreads evenly
// across the interval. A connection missing its pong deadline is
// terminated with close code 1011.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

// Monitor tracks every connection registered with it and pings them on a
// staggered schedule.
type Monitor struct {
	pingInterval     time.Duration
	pongTimeout      time.Duration
	checkDelayPerClient time.Duration

	mu      sync.Mutex
	order   []*connection.Connection
	cancels map[string]context.CancelFunc
}

func New(pingInterval, pongTimeout, checkDelayPerClient time.Duration) *Monitor {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongTimeout <= 0 {
		pongTimeout = 10 * time.Second
	}
	return &Monitor{
		pingInterval:        pingInterval,
		pongTimeout:         pongTimeout,
		checkDelayPerClient: checkDelayPerClient,
		cancels:             make(map[string]context.CancelFunc),
	}
}

// Register starts watching conn. Its first ping is delayed by
// position*checkDelayPerClient within the current interval so pings
// spread out instead of bursting.
func (m *Monitor) Register(ctx context.Context, conn *connection.Connection) {
	m.mu.Lock()
	position := len(m.order)
	m.order = append(m.order, conn)
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancels[conn.ID] = cancel
	m.mu.Unlock()

	initialDelay := time.Duration(position) * m.checkDelayPerClient
	go m.watch(watchCtx, conn, initialDelay)
}

// Unregister stops watching conn, e.g. when it disconnects on its own.
func (m *Monitor) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[connID]; ok {
		cancel()
		delete(m.cancels, connID)
	}
	for i, c := range m.order {
		if c.ID == connID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Monitor) watch(ctx context.Context, conn *connection.Connection, initialDelay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.State() != connection.StateOpen {
				return
			}
			deadline := time.Now().Add(-m.pingInterval - m.pongTimeout)
			if conn.LastPongAt().Before(deadline) {
				metrics.HeartbeatTerminations.Inc()
				logging.Warn(ctx, "connection missed pong deadline, terminating", zap.String("connection_id", conn.ID))
				conn.Close(connection.CloseInternalError, "heartbeat_timeout")
				return
			}
			if err := conn.SendPing(); err != nil {
				logging.Warn(ctx, "failed to send ping", zap.String("connection_id", conn.ID), zap.Error(err))
				return
			}
		}
	}
}
