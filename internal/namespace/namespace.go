// Package namespace implements the Namespace component of §4.J: the
// top-level routing scope a connection belongs to for its whole
// lifetime. It owns the room registry for its name, dispatches inbound
// events through an optional middleware chain to either a custom handler
// or a built-in default, and fans system-level events out to every
// locally connected member.
package namespace

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/broker"
	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/fabricerr"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/room"
	"github.com/clusterwire/fabric/internal/scheduler"
	"github.com/clusterwire/fabric/internal/statestore"
	"github.com/clusterwire/fabric/pkg/envelope"
)

// roomNamePattern enforces §6's room naming rule.
var roomNamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,64}$`)

// HandlerFunc processes one inbound event for one connection.
type HandlerFunc func(ctx context.Context, ns *Namespace, conn *connection.Connection, env envelope.Envelope) error

// MiddlewareFunc wraps a HandlerFunc, e.g. for logging or authorization.
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

// Namespace is a named routing scope. One Namespace exists per configured
// name across the whole cluster; each instance holds its own copy
// mirroring only its locally connected members, with StateStore as the
// cluster-wide source of truth for membership.
type Namespace struct {
	Name       string
	instanceID string

	store statestore.StateStore
	brk   broker.Broker
	sched scheduler.Scheduler

	batchInterval   time.Duration
	maxPayloadBytes int
	roomIdleTTL     time.Duration

	mu          sync.RWMutex
	connections map[string]*connection.Connection
	rooms       map[string]*room.Room
	handlers    map[string]HandlerFunc
	middleware  []MiddlewareFunc

	controlToken broker.Token
}

type Options struct {
	BatchInterval   time.Duration
	MaxPayloadBytes int
	RoomIdleTTL     time.Duration
}

func New(name, instanceID string, store statestore.StateStore, brk broker.Broker, sched scheduler.Scheduler, opts Options) *Namespace {
	ns := &Namespace{
		Name:            name,
		instanceID:      instanceID,
		store:           store,
		brk:             brk,
		sched:           sched,
		batchInterval:   opts.BatchInterval,
		maxPayloadBytes: opts.MaxPayloadBytes,
		roomIdleTTL:     opts.RoomIdleTTL,
		connections:     make(map[string]*connection.Connection),
		rooms:           make(map[string]*room.Room),
		handlers:        make(map[string]HandlerFunc),
	}
	ns.registerBuiltinHandlers()
	return ns
}

// Use appends middleware to the chain every inbound event passes through
// before reaching its handler.
func (ns *Namespace) Use(mw MiddlewareFunc) {
	ns.middleware = append(ns.middleware, mw)
}

// On registers (or replaces) a custom handler for event, taking priority
// over any built-in handler of the same name.
func (ns *Namespace) On(event string, h HandlerFunc) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.handlers[event] = h
}

// AddConnection registers conn with the namespace. Idempotent per the
// binding Open Question decision: re-adding an already-registered
// connection id is a no-op.
func (ns *Namespace) AddConnection(ctx context.Context, conn *connection.Connection) error {
	ns.mu.Lock()
	if _, already := ns.connections[conn.ID]; already {
		ns.mu.Unlock()
		return nil
	}
	ns.connections[conn.ID] = conn
	first := len(ns.connections) == 1
	ns.mu.Unlock()

	if err := ns.store.AddClient(ctx, statestore.ClientInfo{
		ConnectionID: conn.ID,
		InstanceID:   ns.instanceID,
		Namespace:    ns.Name,
		UserID:       conn.Principal.UserID,
		DisplayName:  conn.Principal.DisplayName,
	}); err != nil {
		return err
	}

	if first {
		tok, err := ns.brk.Subscribe(ctx, broker.NamespaceTopic(ns.Name), ns.onNamespaceBrokerMessage)
		if err != nil {
			logging.Error(ctx, "namespace failed to subscribe to global topic", zap.String("namespace", ns.Name), zap.Error(err))
		} else {
			ns.mu.Lock()
			ns.controlToken = tok
			ns.mu.Unlock()
		}
	}
	return nil
}

// RemoveConnection unregisters conn, leaving every room it was a member
// of along the way. Idempotent.
func (ns *Namespace) RemoveConnection(ctx context.Context, connID string) error {
	ns.mu.Lock()
	if _, ok := ns.connections[connID]; !ok {
		ns.mu.Unlock()
		return nil
	}
	delete(ns.connections, connID)
	last := len(ns.connections) == 0
	rooms := make([]*room.Room, 0, len(ns.rooms))
	for _, r := range ns.rooms {
		rooms = append(rooms, r)
	}
	ns.mu.Unlock()

	for _, r := range rooms {
		if _, err := r.Leave(ctx, connID); err != nil {
			logging.Error(ctx, "namespace failed to remove connection from room", zap.String("room", r.Name), zap.Error(err))
		}
	}
	if err := ns.store.RemoveClient(ctx, connID); err != nil {
		return err
	}
	if last {
		ns.mu.Lock()
		tok := ns.controlToken
		ns.mu.Unlock()
		ns.brk.Unsubscribe(ctx, tok)
	}
	return nil
}

// GetOrCreateRoom returns the named room, creating it (and validating its
// name against roomNamePattern) as a non-persistent room if it does not
// yet exist locally.
func (ns *Namespace) GetOrCreateRoom(name string) (*room.Room, error) {
	return ns.getOrCreateRoom(name, false)
}

// GetOrCreateRoomWithPersistence is GetOrCreateRoom's counterpart for
// callers that need to pre-declare a room persistent, per §4.F: a
// persistent room is never removed by the idle-room GC sweep regardless
// of membership. Declaring persistence on a room that already exists
// locally has no effect; persistence is fixed at creation time.
func (ns *Namespace) GetOrCreateRoomWithPersistence(name string, persistent bool) (*room.Room, error) {
	return ns.getOrCreateRoom(name, persistent)
}

func (ns *Namespace) getOrCreateRoom(name string, persistent bool) (*room.Room, error) {
	if !roomNamePattern.MatchString(name) {
		return nil, fabricerr.Protocol(fmt.Sprintf("invalid room name %q", name))
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if r, ok := ns.rooms[name]; ok {
		return r, nil
	}
	r := room.New(ns.Name, name, ns.instanceID, ns.store, ns.brk, ns.sched, ns.batchInterval, room.Options{
		Persistent:    persistent,
		IdleTTL:       ns.roomIdleTTL,
		OnIdleRemoved: ns.handleRoomIdleRemoved,
	})
	ns.rooms[name] = r
	return r, nil
}

// handleRoomIdleRemoved drops name from the local room registry once the
// Room itself has determined it is non-persistent and empty
// cluster-wide past its idle TTL, and has already removed the
// corresponding StateStore row.
func (ns *Namespace) handleRoomIdleRemoved(ctx context.Context, name string) {
	ns.mu.Lock()
	delete(ns.rooms, name)
	ns.mu.Unlock()
	logging.Info(ctx, "removed idle room", zap.String("namespace", ns.Name), zap.String("room", name))
}

func (ns *Namespace) room(name string) (*room.Room, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	r, ok := ns.rooms[name]
	return r, ok
}

func (ns *Namespace) connectionByID(id string) (*connection.Connection, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	c, ok := ns.connections[id]
	return c, ok
}

// HandleEvent dispatches one inbound envelope for conn through the
// middleware chain to its handler, per §4.J's routing order: auth already
// happened in Server at upgrade time; here the payload size is validated,
// the event is looked up, and the middleware chain (which includes the
// rate limit and logging middleware Server installs) runs before the
// handler.
func (ns *Namespace) HandleEvent(ctx context.Context, conn *connection.Connection, env envelope.Envelope) {
	if err := env.Validate(ns.maxPayloadBytes); err != nil {
		ns.emitSystemError(ctx, conn, err.Error())
		return
	}

	ns.mu.RLock()
	h, ok := ns.handlers[env.Event]
	chain := ns.middleware
	ns.mu.RUnlock()

	if !ok {
		ns.emitSystemError(ctx, conn, fmt.Sprintf("unknown event %q", env.Event))
		return
	}

	final := h
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	if err := final(ctx, ns, conn, env); err != nil {
		logging.Warn(ctx, "event handler returned error", zap.String("event", env.Event), zap.Error(err))
		ns.emitSystemError(ctx, conn, err.Error())
	}
}

func (ns *Namespace) emitSystemError(ctx context.Context, conn *connection.Connection, message string) {
	env, err := envelope.New(ns.Name, "", "sys:error", map[string]string{"message": message}, nil, ns.instanceID)
	if err != nil {
		return
	}
	data, err := env.MarshalForWire()
	if err != nil {
		return
	}
	conn.Send(ctx, data)
}

// BroadcastAll sends an envelope to every connection in this namespace
// across the whole cluster, via the namespace-wide broker topic.
func (ns *Namespace) BroadcastAll(ctx context.Context, env envelope.Envelope) {
	if data, err := env.MarshalForBroker(); err == nil {
		ns.brk.Publish(ctx, broker.NamespaceTopic(ns.Name), data)
	}
	ns.deliverLocally(ctx, env)
}

// DeliverLocally fans env out to every connection registered with this
// namespace on this instance only, without publishing anywhere. Used by
// Server to fan a cluster-wide broadcast received over
// broker.GlobalControlTopic into every namespace's local connections
// (§4.H), without triggering a further namespace-topic publish.
func (ns *Namespace) DeliverLocally(ctx context.Context, env envelope.Envelope) {
	ns.deliverLocally(ctx, env)
}

func (ns *Namespace) deliverLocally(ctx context.Context, env envelope.Envelope) {
	data, err := env.MarshalForWire()
	if err != nil {
		return
	}
	ns.mu.RLock()
	conns := make([]*connection.Connection, 0, len(ns.connections))
	for _, c := range ns.connections {
		conns = append(conns, c)
	}
	ns.mu.RUnlock()
	for _, c := range conns {
		c.Send(ctx, data)
	}
}

func (ns *Namespace) onNamespaceBrokerMessage(ctx context.Context, _ string, payload []byte) {
	env, err := envelope.UnmarshalFromBroker(payload)
	if err != nil {
		return
	}
	if env.OriginInstanceID == ns.instanceID {
		return
	}
	ns.deliverLocally(ctx, env)
}

// SendToUser delivers env to every locally connected socket belonging to
// userID, then publishes to the user's broker topic so other instances
// deliver to their own local sockets for that user.
func (ns *Namespace) SendToUser(ctx context.Context, userID string, env envelope.Envelope) {
	if data, err := env.MarshalForWire(); err == nil {
		ns.mu.RLock()
		for _, c := range ns.connections {
			if c.Principal.UserID == userID {
				c.Send(ctx, data)
			}
		}
		ns.mu.RUnlock()
	}
	if data, err := env.MarshalForBroker(); err == nil {
		ns.brk.Publish(ctx, broker.UserTopic(ns.Name, userID), data)
	}
}

// CloseAllConnections closes every connection currently registered with
// this namespace using the given close code/reason, used during the
// "close connections" step of graceful server shutdown.
func (ns *Namespace) CloseAllConnections(code int, reason string) {
	ns.mu.RLock()
	conns := make([]*connection.Connection, 0, len(ns.connections))
	for _, c := range ns.connections {
		conns = append(conns, c)
	}
	ns.mu.RUnlock()
	for _, c := range conns {
		c.Close(code, reason)
	}
}

// Destroy tears down every room and the control subscription, used
// during graceful shutdown.
func (ns *Namespace) Destroy(ctx context.Context) {
	ns.mu.Lock()
	rooms := make([]*room.Room, 0, len(ns.rooms))
	for _, r := range ns.rooms {
		rooms = append(rooms, r)
	}
	tok := ns.controlToken
	ns.mu.Unlock()

	for _, r := range rooms {
		r.Destroy(ctx)
	}
	ns.brk.Unsubscribe(ctx, tok)
}
