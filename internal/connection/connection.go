// Package connection wraps one upgraded WebSocket socket as described in
// §4.F of the fabric design: a readPump/writePump pair in the style of
// the teacher's internal/v1/session.Client, generalized from its
// protobuf binary frames to the fabric's JSON Envelope wire format, and
// from a single Roomer target to the arbitrary inbound handler the
// Namespace installs.
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
	"github.com/clusterwire/fabric/pkg/envelope"
	"github.com/clusterwire/fabric/pkg/principal"
)

// State is the connection lifecycle described in §3.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Close codes per §6.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicyViolation = 1008
	CloseInternalError  = 1011
	CloseAuthFailed     = 4001
	CloseRateLimited    = 4003
)

// wsConn is the subset of *websocket.Conn the Connection needs, mirroring
// the teacher's wsConnection interface so tests can substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

// InboundHandler processes one decoded Envelope read from the socket.
type InboundHandler func(ctx context.Context, conn *Connection, env envelope.Envelope)

// Connection owns one physical WebSocket and the goroutines pumping it.
// All writes go through the single writer goroutine via the send channel,
// exactly as the teacher's Client does, so concurrent emit() calls from
// multiple rooms never race on the socket.
type Connection struct {
	ID          string
	Namespace   string
	InstanceID  string
	Principal   principal.Principal

	conn    wsConn
	send    chan []byte
	onClose func(c *Connection, code int, reason string)
	handler InboundHandler

	writeWait      time.Duration
	maxPayloadBytes int

	mu        sync.RWMutex
	state     State
	lastPongAt time.Time
}

type Options struct {
	WriteWait       time.Duration
	SendBufferSize  int
	MaxPayloadBytes int
	OnClose         func(c *Connection, code int, reason string)
	Handler         InboundHandler
}

func New(id, namespace, instanceID string, p principal.Principal, conn wsConn, opts Options) *Connection {
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 64
	}
	return &Connection{
		ID:              id,
		Namespace:       namespace,
		InstanceID:      instanceID,
		Principal:       p,
		conn:            conn,
		send:            make(chan []byte, opts.SendBufferSize),
		onClose:         opts.OnClose,
		handler:         opts.Handler,
		writeWait:       opts.WriteWait,
		maxPayloadBytes: opts.MaxPayloadBytes,
		state:           StateConnecting,
		lastPongAt:      time.Now(),
	}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) LastPongAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPongAt
}

// Start launches the read and write pumps and marks the connection open.
// It blocks until the read pump exits (i.e. until the socket closes).
func (c *Connection) Start(ctx context.Context) {
	c.setState(StateOpen)
	metrics.ActiveConnections.Inc()

	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return nil
	})

	go c.writePump()
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		metrics.ActiveConnections.Dec()
		c.terminate(CloseNormal, "read_closed")
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(ctx, "failed to decode inbound envelope", zap.String("connection_id", c.ID), zap.Error(err))
			c.sendSystemError(ctx, "invalid frame: not valid JSON")
			continue
		}
		if err := env.Validate(c.maxPayloadBytes); err != nil {
			logging.Warn(ctx, "inbound envelope failed validation", zap.String("connection_id", c.ID), zap.Error(err))
			c.sendSystemError(ctx, err.Error())
			continue
		}
		c.Principal.LastActionTS = time.Now()
		if c.handler != nil {
			c.handler(ctx, c, env)
		}
	}
}

// sendSystemError enqueues a sys:error envelope to the client, per §4.E's
// "rejects non-JSON frames with sys:error and continues" and §7's
// protocol-error handling: surface the failure to the originator without
// closing the socket.
func (c *Connection) sendSystemError(ctx context.Context, message string) {
	env, err := envelope.New(c.Namespace, "", "sys:error", map[string]string{"message": message}, nil, c.InstanceID)
	if err != nil {
		return
	}
	data, err := env.MarshalForWire()
	if err != nil {
		return
	}
	c.Send(ctx, data)
}

func (c *Connection) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
}

// Send enqueues one already-marshaled frame for delivery. It never
// blocks: a full send buffer means the connection is hopelessly behind
// and the frame is dropped, the way the teacher's Client drops on a full
// channel rather than stalling the room.
func (c *Connection) Send(ctx context.Context, payload []byte) {
	if c.State() != StateOpen {
		return
	}
	select {
	case c.send <- payload:
	default:
		logging.Warn(ctx, "connection send buffer full, dropping frame", zap.String("connection_id", c.ID))
	}
}

// SendPing writes a control-frame PING directly, bypassing the send
// channel since PINGs are heartbeat-driven, not envelope traffic.
func (c *Connection) SendPing() error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// terminate closes the socket with the given close code/reason and
// invokes onClose exactly once, regardless of how many times terminate
// is called (idempotent per §3's close semantics).
func (c *Connection) terminate(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	close(c.send)
	if c.onClose != nil {
		c.onClose(c, code, reason)
	}
}

// Close initiates a graceful shutdown with the given close code/reason.
func (c *Connection) Close(code int, reason string) {
	c.setState(StateClosing)
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.terminate(code, reason)
}
