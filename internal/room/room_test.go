package room

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterwire/fabric/internal/broker"
	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/scheduler"
	"github.com/clusterwire/fabric/internal/statestore"
	"github.com/clusterwire/fabric/pkg/envelope"
	"github.com/clusterwire/fabric/pkg/principal"
)

// stubConn is a minimal wsConn double, sufficient for a connection.Connection
// that is only ever fed frames via Send (its readPump is never exercised
// here, so ReadMessage simply blocks until the test tears it down).
type stubConn struct {
	mu      sync.Mutex
	frames  [][]byte
	done    chan struct{}
	pongFn  func(string) error
}

func newStubConn() *stubConn {
	return &stubConn{done: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	<-s.done
	return 0, nil, errStubClosed{}
}
func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}
func (s *stubConn) Close() error                         { return nil }
func (s *stubConn) SetReadDeadline(time.Time) error      { return nil }
func (s *stubConn) SetWriteDeadline(time.Time) error     { return nil }
func (s *stubConn) SetPongHandler(h func(string) error)  { s.pongFn = h }

func (s *stubConn) framesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *stubConn) batchFrames() []envelope.BatchFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope.BatchFrame
	for _, f := range s.frames {
		var bf envelope.BatchFrame
		if json.Unmarshal(f, &bf) == nil && bf.Event == envelope.BatchEventName {
			out = append(out, bf)
		}
	}
	return out
}

type errStubClosed struct{}

func (errStubClosed) Error() string { return "stub connection closed" }

func newLiveConn(t *testing.T, id string) (*connection.Connection, *stubConn) {
	t.Helper()
	sc := newStubConn()
	c := connection.New(id, "lobby", "inst-a", principal.Principal{UserID: id}, sc, connection.Options{SendBufferSize: 16})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		close(sc.done)
	})
	// Start sets state Open synchronously before blocking on readPump, but
	// give the goroutine a moment to actually reach that point.
	require.Eventually(t, func() bool { return c.State() == connection.StateOpen }, time.Second, 2*time.Millisecond)
	return c, sc
}

func TestRoom_JoinIsIdempotent(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()
	conn, _ := newLiveConn(t, "conn-1")

	require.NoError(t, r.Join(ctx, conn))
	require.NoError(t, r.Join(ctx, conn))

	members, err := store.GetClientsInRoom(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()

	empty, err := r.Leave(ctx, "never-joined")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRoom_EmitExcludesSenderLocally(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()

	sender, senderWS := newLiveConn(t, "conn-sender")
	other, otherWS := newLiveConn(t, "conn-other")
	require.NoError(t, r.Join(ctx, sender))
	require.NoError(t, r.Join(ctx, other))

	env, err := envelope.New("lobby", "general", "chat:typing_start", map[string]string{}, nil, "inst-a")
	require.NoError(t, err)
	r.Emit(ctx, env, sender.ID)

	require.Eventually(t, func() bool { return otherWS.framesReceived() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, senderWS.framesReceived(), "the sender must not receive its own typing indicator")
	assert.Greater(t, otherWS.framesReceived(), 0)
}

func TestRoom_CrossInstanceFanOutWithEchoSuppression(t *testing.T) {
	sharedBroker := broker.NewMemory()
	ctx := context.Background()

	roomA := New("lobby", "general", "inst-a", statestore.NewMemory(), sharedBroker, scheduler.NewMemory(), 10*time.Millisecond, Options{})
	roomB := New("lobby", "general", "inst-b", statestore.NewMemory(), sharedBroker, scheduler.NewMemory(), 10*time.Millisecond, Options{})

	connA, wsA := newLiveConn(t, "conn-a")
	connB, wsB := newLiveConn(t, "conn-b")
	require.NoError(t, roomA.Join(ctx, connA))
	require.NoError(t, roomB.Join(ctx, connB))

	env, err := envelope.New("lobby", "general", "chat:message", map[string]string{"text": "hi"}, nil, "inst-a")
	require.NoError(t, err)
	roomA.Emit(ctx, env, "")

	require.Eventually(t, func() bool {
		return wsA.framesReceived() > 0 && wsB.framesReceived() > 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, wsA.framesReceived(), "the originating instance must not re-deliver its own broker echo")
	assert.Equal(t, 1, wsB.framesReceived(), "the remote instance must deliver exactly once")

	// A single flushed envelope is sent as a plain frame, not wrapped in a
	// batch frame, per §4.F's "otherwise sent one by one" rule.
	var env2 envelope.Envelope
	require.NoError(t, json.Unmarshal(wsB.frames[0], &env2))
	assert.Equal(t, "hi", mustDecodeText(t, env2))
}

func TestRoom_FlushCoalescesMultipleEnvelopesIntoOneBatchFrame(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 30*time.Millisecond, Options{})
	ctx := context.Background()

	sender, _ := newLiveConn(t, "conn-sender")
	other, otherWS := newLiveConn(t, "conn-other")
	require.NoError(t, r.Join(ctx, sender))
	require.NoError(t, r.Join(ctx, other))

	for i := 0; i < 3; i++ {
		env, err := envelope.New("lobby", "general", "chat:typing_start", map[string]string{}, nil, "inst-a")
		require.NoError(t, err)
		r.Emit(ctx, env, sender.ID)
	}

	require.Eventually(t, func() bool { return otherWS.framesReceived() > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, otherWS.framesReceived(), "three envelopes flushed together must arrive as one batch frame")
	frames := otherWS.batchFrames()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Items, 3)
}

func TestRoom_ScheduleTaskRejectsDuplicateID(t *testing.T) {
	r := New("lobby", "general", "inst-a", statestore.NewMemory(), broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()

	spec := TaskSpec{TaskID: "stats", Interval: time.Second, Handler: func(context.Context) {}}
	require.NoError(t, r.ScheduleTask(ctx, spec))
	assert.Error(t, r.ScheduleTask(ctx, spec), "scheduling the same task_id twice must be rejected")
}

func TestRoom_ScheduleTaskRunsOnceMemberJoins(t *testing.T) {
	r := New("lobby", "general", "inst-a", statestore.NewMemory(), broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()

	var calls int32
	require.NoError(t, r.ScheduleTask(ctx, TaskSpec{
		TaskID:          "ticker",
		Interval:        5 * time.Millisecond,
		RunOnActivation: true,
		Handler: func(context.Context) {
			atomic.AddInt32(&calls, 1)
		},
	}))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "a task registered before any member joins must not tick yet")

	conn, _ := newLiveConn(t, "conn-1")
	require.NoError(t, r.Join(ctx, conn))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, time.Second, 5*time.Millisecond)
}

func TestRoom_StopTaskCancelsTicking(t *testing.T) {
	r := New("lobby", "general", "inst-a", statestore.NewMemory(), broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{})
	ctx := context.Background()
	conn, _ := newLiveConn(t, "conn-1")
	require.NoError(t, r.Join(ctx, conn))

	var calls int32
	require.NoError(t, r.ScheduleTask(ctx, TaskSpec{
		TaskID:          "ticker",
		Interval:        5 * time.Millisecond,
		RunOnActivation: true,
		Handler: func(context.Context) {
			atomic.AddInt32(&calls, 1)
		},
	}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopTask("ticker"))
	seen := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&calls), "StopTask must stop further ticks")

	assert.NoError(t, r.StopTask("ticker"), "stopping an already-stopped task must be a no-op")
}

func TestRoom_NonPersistentRoomRemovedAfterIdleTTL(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{
		IdleTTL: 20 * time.Millisecond,
	})
	ctx := context.Background()
	conn, _ := newLiveConn(t, "conn-1")
	require.NoError(t, r.Join(ctx, conn))

	_, err := r.Leave(ctx, conn.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exists, err := store.RoomExists(ctx, "lobby", "general")
		return err == nil && !exists
	}, time.Second, 5*time.Millisecond, "a non-persistent room empty cluster-wide must be removed within one idle TTL window")
}

func TestRoom_PersistentRoomSurvivesIdleTTL(t *testing.T) {
	store := statestore.NewMemory()
	r := New("lobby", "general", "inst-a", store, broker.NewMemory(), scheduler.NewMemory(), 10*time.Millisecond, Options{
		Persistent: true,
		IdleTTL:    15 * time.Millisecond,
	})
	ctx := context.Background()
	conn, _ := newLiveConn(t, "conn-1")
	require.NoError(t, r.Join(ctx, conn))
	_, err := r.Leave(ctx, conn.ID)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	exists, err := store.RoomExists(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.True(t, exists, "a persistent room must never be removed by the idle GC sweep")
}

func mustDecodeText(t *testing.T, env envelope.Envelope) string {
	t.Helper()
	var p struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Text
}
