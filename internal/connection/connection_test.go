package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterwire/fabric/pkg/envelope"
	"github.com/clusterwire/fabric/pkg/principal"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn implements wsConn without a real network socket, modeled on the
// teacher's test doubles for its wsConnection interface.
type fakeConn struct {
	mu          sync.Mutex
	in          chan readResult
	written     [][]byte
	pongHandler func(string) error
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan readResult, 8)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	r := <-f.in
	return websocket.TextMessage, r.data, r.err
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

func (f *fakeConn) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestConnection_SendNoopWhenNotOpen(t *testing.T) {
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, newFakeConn(), Options{SendBufferSize: 2})
	c.Send(context.Background(), []byte("hello"))
	assert.Len(t, c.send, 0, "Send before the connection is open must not enqueue")
}

func TestConnection_SendDropsOnFullBuffer(t *testing.T) {
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, newFakeConn(), Options{SendBufferSize: 1})
	c.setState(StateOpen)

	c.Send(context.Background(), []byte("first"))
	c.Send(context.Background(), []byte("second"))

	assert.Len(t, c.send, 1, "a full send buffer must drop rather than block")
}

func TestConnection_TerminateIsIdempotent(t *testing.T) {
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, newFakeConn(), Options{SendBufferSize: 2})
	c.setState(StateOpen)

	var calls int
	var mu sync.Mutex
	c.onClose = func(_ *Connection, code int, reason string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	c.terminate(CloseNormal, "first")
	c.terminate(CloseInternalError, "second")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "terminate must invoke onClose exactly once")
	assert.Equal(t, StateClosed, c.State())
}

func TestConnection_CloseWritesCloseFrame(t *testing.T) {
	fc := newFakeConn()
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, fc, Options{SendBufferSize: 2})
	c.setState(StateOpen)

	closed := make(chan struct{})
	c.onClose = func(_ *Connection, code int, reason string) {
		assert.Equal(t, CloseGoingAway, code)
		assert.Equal(t, "server_shutdown", reason)
		close(closed)
	}

	c.Close(CloseGoingAway, "server_shutdown")

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected onClose to fire")
	}
	assert.GreaterOrEqual(t, fc.writtenCount(), 1)
}

func TestConnection_PongHandlerUpdatesLastPongAt(t *testing.T) {
	fc := newFakeConn()
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, fc, Options{SendBufferSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.pongHandler != nil
	}, time.Second, 5*time.Millisecond)

	before := c.LastPongAt()
	time.Sleep(5 * time.Millisecond)

	fc.mu.Lock()
	handler := fc.pongHandler
	fc.mu.Unlock()
	require.NoError(t, handler(""))

	assert.True(t, c.LastPongAt().After(before))

	fc.in <- readResult{err: assertCloseErr}
}

func TestConnection_ReadPumpDispatchesDecodedEnvelope(t *testing.T) {
	fc := newFakeConn()

	received := make(chan envelope.Envelope, 1)
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, fc, Options{
		SendBufferSize: 2,
		Handler: func(_ context.Context, _ *Connection, env envelope.Envelope) {
			received <- env
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	env, err := envelope.New("lobby", "general", "chat:send_message", map[string]string{"text": "hi"}, nil, "inst-a")
	require.NoError(t, err)
	data, err := env.MarshalForWire()
	require.NoError(t, err)

	fc.in <- readResult{data: data}

	select {
	case got := <-received:
		assert.Equal(t, "chat:send_message", got.Event)
	case <-time.After(time.Second):
		t.Fatal("expected handler to be invoked with the decoded envelope")
	}

	fc.in <- readResult{err: assertCloseErr}
}

func TestConnection_ReadPumpRejectsOversizedPayload(t *testing.T) {
	fc := newFakeConn()
	var handlerCalled bool
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, fc, Options{
		SendBufferSize:  2,
		MaxPayloadBytes: 4,
		Handler: func(context.Context, *Connection, envelope.Envelope) {
			handlerCalled = true
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	env, err := envelope.New("lobby", "", "chat:send_message", map[string]string{"text": "this is far too long"}, nil, "inst-a")
	require.NoError(t, err)
	data, err := env.MarshalForWire()
	require.NoError(t, err)

	fc.in <- readResult{data: data}
	time.Sleep(30 * time.Millisecond)
	assert.False(t, handlerCalled, "oversized payloads must be rejected before reaching the handler")

	fc.in <- readResult{err: assertCloseErr}
}

func TestConnection_ReadPumpRepliesSystemErrorOnInvalidJSON(t *testing.T) {
	fc := newFakeConn()
	c := New("conn-1", "lobby", "inst-a", principal.Principal{}, fc, Options{SendBufferSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	require.Eventually(t, func() bool { return c.State() == StateOpen }, time.Second, 2*time.Millisecond)

	fc.in <- readResult{data: []byte("not valid json")}

	require.Eventually(t, func() bool { return fc.writtenCount() > 0 }, time.Second, 5*time.Millisecond)

	var got envelope.Envelope
	require.NoError(t, json.Unmarshal(fc.written[0], &got))
	assert.Equal(t, "sys:error", got.Event, "a non-JSON frame must be rejected with a sys:error reply, not silently dropped")

	fc.in <- readResult{err: assertCloseErr}
}

func marshalEnvelope(t *testing.T, env envelope.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

var assertCloseErr = errClosedForTest{}

type errClosedForTest struct{}

func (errClosedForTest) Error() string { return "fake connection closed" }
