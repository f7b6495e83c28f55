// Package room implements one room inside a namespace, per §4.G of the
// fabric design: membership, cross-instance fan-out via the Broker, and a
// single batch timer per room that coalesces rapid emits into one
// WebSocket frame. Generalized from the teacher's session.Room, which
// centralizes locking and broadcast-with-exclusion the same way but over
// role-keyed client maps instead of a namespace-wide StateStore.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/broker"
	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/fabricerr"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
	"github.com/clusterwire/fabric/internal/scheduler"
	"github.com/clusterwire/fabric/internal/statestore"
	"github.com/clusterwire/fabric/pkg/envelope"
)

const (
	defaultBatchInterval = 20 * time.Millisecond
	defaultIdleTTL        = 30 * time.Second

	idleCheckTaskID      = "idle_check"
	presenceStatsTaskID  = "presence_stats"
	presenceStatsInterval = 15 * time.Second
)

// TaskSpec describes one caller-registered scheduled task, per §3's
// `tasks: map<task_id,TaskSpec>` room field and §4.F's schedule_task
// operation: ticker broadcasts and presence statistics are the canonical
// examples.
type TaskSpec struct {
	TaskID          string
	Interval        time.Duration
	AllowOverlap    bool
	LeaderOnly      bool
	RunOnActivation bool
	Handler         scheduler.TaskFunc
}

// Room fans events out to its local members and, through the Broker, to
// every other instance hosting the same room name.
type Room struct {
	Namespace string
	Name      string

	instanceID string
	store      statestore.StateStore
	brk        broker.Broker
	sched      scheduler.Scheduler

	batchInterval time.Duration

	mu            sync.Mutex
	members       map[string]*connection.Connection
	batchQueue    []envelope.Envelope
	pendingExcept []string // parallel to batchQueue: connection id to skip for that item, or ""
	brokerToken   broker.Token
	subscribed    bool
	destroyed     bool

	persistent    bool
	idleTTL       time.Duration
	onIdleRemoved func(ctx context.Context, name string)
	tasks         map[string]TaskSpec
}

// Options configures aspects of a Room's lifecycle that a Namespace
// decides at construction time.
type Options struct {
	// Persistent rooms are never removed by the idle-room GC sweep even
	// once they reach zero members cluster-wide.
	Persistent bool
	// IdleTTL is the window a non-persistent room is allowed to sit empty
	// before RemoveRoom is called. Zero means defaultIdleTTL.
	IdleTTL time.Duration
	// OnIdleRemoved is invoked once the room has been removed from the
	// StateStore for being idle past IdleTTL, so the owning Namespace can
	// drop its local reference.
	OnIdleRemoved func(ctx context.Context, name string)
}

func New(namespace, name, instanceID string, store statestore.StateStore, brk broker.Broker, sched scheduler.Scheduler, batchInterval time.Duration, opts Options) *Room {
	if batchInterval <= 0 {
		batchInterval = defaultBatchInterval
	}
	r := &Room{
		Namespace:     namespace,
		Name:          name,
		instanceID:    instanceID,
		store:         store,
		brk:           brk,
		sched:         sched,
		batchInterval: batchInterval,
		members:       make(map[string]*connection.Connection),
		persistent:    opts.Persistent,
		idleTTL:       opts.IdleTTL,
		onIdleRemoved: opts.OnIdleRemoved,
		tasks:         make(map[string]TaskSpec),
	}
	_ = r.ScheduleTask(context.Background(), TaskSpec{
		TaskID:     presenceStatsTaskID,
		Interval:   presenceStatsInterval,
		LeaderOnly: true,
		Handler:    r.broadcastPresenceStats,
	})
	return r
}

// taskPrefix is the namespace:<ns>:room:<room>:task: prefix every task id
// registered on this room is scoped under, per §4.F.
func (r *Room) taskPrefix() string {
	return fmt.Sprintf("namespace:%s:room:%s:task:", r.Namespace, r.Name)
}

func (r *Room) fullTaskID(taskID string) string {
	return r.taskPrefix() + taskID
}

// ScheduleTask registers spec under the room, rejecting a duplicate
// task_id per §4.F. If the room currently has members (and is therefore
// already subscribed), the task starts ticking immediately; otherwise it
// activates the next time the room gains its first member.
func (r *Room) ScheduleTask(ctx context.Context, spec TaskSpec) error {
	r.mu.Lock()
	if _, exists := r.tasks[spec.TaskID]; exists {
		r.mu.Unlock()
		return fabricerr.Protocol(fmt.Sprintf("task %q already scheduled on room %q", spec.TaskID, r.Name))
	}
	r.tasks[spec.TaskID] = spec
	active := r.subscribed
	r.mu.Unlock()

	if active {
		return r.startTask(ctx, spec)
	}
	return nil
}

// StopTask cancels and forgets taskID. A no-op if it was never
// registered.
func (r *Room) StopTask(taskID string) error {
	r.mu.Lock()
	if _, ok := r.tasks[taskID]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.tasks, taskID)
	r.mu.Unlock()
	return r.sched.Stop(r.fullTaskID(taskID))
}

func (r *Room) startTask(ctx context.Context, spec TaskSpec) error {
	return r.sched.Schedule(ctx, r.fullTaskID(spec.TaskID), scheduler.TaskOptions{
		Interval:        spec.Interval.Milliseconds(),
		AllowOverlap:    spec.AllowOverlap,
		LeaderOnly:      spec.LeaderOnly,
		RunOnActivation: spec.RunOnActivation,
	}, spec.Handler)
}

// activateTasks (re)starts every registered task, used when the room
// transitions from zero to one member.
func (r *Room) activateTasks(ctx context.Context) {
	r.mu.Lock()
	specs := make([]TaskSpec, 0, len(r.tasks))
	for _, spec := range r.tasks {
		specs = append(specs, spec)
	}
	r.mu.Unlock()
	for _, spec := range specs {
		if err := r.startTask(ctx, spec); err != nil {
			logging.Error(ctx, "room failed to activate scheduled task", zap.String("room", r.Name), zap.String("task_id", spec.TaskID), zap.Error(err))
		}
	}
}

func (r *Room) broadcastPresenceStats(ctx context.Context) {
	r.mu.Lock()
	count := len(r.members)
	r.mu.Unlock()
	if count == 0 {
		return
	}
	env, err := envelope.New(r.Namespace, r.Name, "room:presence", map[string]int{"member_count": count}, nil, r.instanceID)
	if err != nil {
		return
	}
	r.Emit(ctx, env, "")
}

// Join adds conn to the room. Idempotent: joining twice is a no-op.
func (r *Room) Join(ctx context.Context, conn *connection.Connection) error {
	r.mu.Lock()
	if _, already := r.members[conn.ID]; already {
		r.mu.Unlock()
		return nil
	}
	r.members[conn.ID] = conn
	first := len(r.members) == 1
	r.mu.Unlock()

	// A member just joined, so any pending idle-room removal check is
	// moot; cancel it unconditionally (a no-op if none was scheduled).
	r.sched.Stop(r.fullTaskID(idleCheckTaskID))

	if err := r.store.AddRoom(ctx, r.Namespace, r.Name, statestore.RoomMeta{Persistent: r.persistent}); err != nil {
		return err
	}
	if err := r.store.AddUserToRoom(ctx, r.Namespace, r.Name, conn.ID); err != nil {
		return err
	}

	if first {
		if err := r.subscribe(ctx); err != nil {
			logging.Error(ctx, "room failed to subscribe to broker topic", zap.String("room", r.Name), zap.Error(err))
		}
		r.scheduleBatchFlush(ctx)
		r.activateTasks(ctx)
		metrics.ActiveRooms.WithLabelValues(r.Namespace).Inc()
	}
	metrics.RoomMembers.WithLabelValues(r.Namespace, r.Name).Set(float64(r.memberCount()))
	return nil
}

// Leave removes connectionID from the room. Idempotent.
func (r *Room) Leave(ctx context.Context, connectionID string) (empty bool, err error) {
	r.mu.Lock()
	if _, ok := r.members[connectionID]; !ok {
		r.mu.Unlock()
		return r.memberCount() == 0, nil
	}
	delete(r.members, connectionID)
	last := len(r.members) == 0
	r.mu.Unlock()

	if err := r.store.RemoveUserFromRoom(ctx, r.Namespace, r.Name, connectionID); err != nil {
		return false, err
	}

	if last {
		r.unsubscribe(ctx)
		r.sched.StopAll(r.taskPrefix())
		metrics.RoomMembers.DeleteLabelValues(r.Namespace, r.Name)
		metrics.ActiveRooms.WithLabelValues(r.Namespace).Dec()
		if !r.persistent {
			r.scheduleIdleCheck(ctx)
		}
	} else {
		metrics.RoomMembers.WithLabelValues(r.Namespace, r.Name).Set(float64(r.memberCount()))
	}
	return last, nil
}

// scheduleIdleCheck arms a recurring check that removes the room from the
// StateStore once it has sat at zero members cluster-wide for one IdleTTL
// window, per §4.F's "a non-persistent room with zero members
// cluster-wide is removed within one ROOM_IDLE_TTL window".
func (r *Room) scheduleIdleCheck(ctx context.Context) {
	ttl := r.idleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	if err := r.sched.Schedule(ctx, r.fullTaskID(idleCheckTaskID), scheduler.TaskOptions{
		Interval:     ttl.Milliseconds(),
		AllowOverlap: false,
	}, r.checkIdle); err != nil {
		logging.Error(ctx, "room failed to schedule idle check", zap.String("room", r.Name), zap.Error(err))
	}
}

func (r *Room) checkIdle(ctx context.Context) {
	r.mu.Lock()
	empty := len(r.members) == 0
	r.mu.Unlock()
	if !empty {
		return
	}

	count, err := r.store.CountClientsInRoom(ctx, r.Namespace, r.Name)
	if err != nil {
		logging.Error(ctx, "room failed to check cluster-wide membership", zap.String("room", r.Name), zap.Error(err))
		return
	}
	if count > 0 {
		return
	}

	if err := r.store.RemoveRoom(ctx, r.Namespace, r.Name); err != nil {
		logging.Error(ctx, "room failed to remove idle room from state store", zap.String("room", r.Name), zap.Error(err))
		return
	}
	r.sched.Stop(r.fullTaskID(idleCheckTaskID))
	if r.onIdleRemoved != nil {
		r.onIdleRemoved(ctx, r.Name)
	}
}

func (r *Room) memberCount() int {
	return len(r.members)
}

// Emit publishes env to every other instance via the Broker and enqueues
// it for local delivery, skipping exceptConnID (typically the sender, to
// avoid echoing a message back to its own author).
func (r *Room) Emit(ctx context.Context, env envelope.Envelope, exceptConnID string) {
	if data, err := env.MarshalForBroker(); err == nil {
		if err := r.brk.Publish(ctx, broker.RoomTopic(r.Namespace, r.Name), data); err != nil {
			logging.Error(ctx, "room failed to publish to broker", zap.String("room", r.Name), zap.Error(err))
		}
	} else {
		logging.Error(ctx, "room failed to marshal envelope for broker", zap.String("room", r.Name), zap.Error(err))
	}
	r.enqueueLocal(env, exceptConnID)
}

func (r *Room) enqueueLocal(env envelope.Envelope, exceptConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchQueue = append(r.batchQueue, env)
	r.pendingExcept = append(r.pendingExcept, exceptConnID)
}

func (r *Room) subscribe(ctx context.Context) error {
	r.mu.Lock()
	if r.subscribed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	tok, err := r.brk.Subscribe(ctx, broker.RoomTopic(r.Namespace, r.Name), r.onBrokerMessage)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.brokerToken = tok
	r.subscribed = true
	r.mu.Unlock()
	return nil
}

func (r *Room) unsubscribe(ctx context.Context) {
	r.mu.Lock()
	if !r.subscribed {
		r.mu.Unlock()
		return
	}
	tok := r.brokerToken
	r.subscribed = false
	r.destroyed = true
	r.mu.Unlock()
	r.brk.Unsubscribe(ctx, tok)
}

// onBrokerMessage handles an envelope published by another instance.
// Messages this instance itself originated are dropped here (echo
// suppression per §4.C): this instance already delivered them locally at
// the point of Emit.
func (r *Room) onBrokerMessage(ctx context.Context, _ string, payload []byte) {
	env, err := envelope.UnmarshalFromBroker(payload)
	if err != nil {
		logging.Warn(ctx, "room failed to decode broker payload", zap.String("room", r.Name), zap.Error(err))
		return
	}
	if env.OriginInstanceID == r.instanceID {
		return
	}
	r.enqueueLocal(env, "")
}

func (r *Room) scheduleBatchFlush(ctx context.Context) {
	r.sched.Schedule(ctx, r.fullTaskID("flush"), scheduler.TaskOptions{
		Interval:     r.batchInterval.Milliseconds(),
		AllowOverlap: false,
	}, r.flush)
}

func (r *Room) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.batchQueue) == 0 {
		r.mu.Unlock()
		return
	}
	items := r.batchQueue
	excepts := r.pendingExcept
	r.batchQueue = nil
	r.pendingExcept = nil
	members := make(map[string]*connection.Connection, len(r.members))
	for id, c := range r.members {
		members[id] = c
	}
	r.mu.Unlock()

	anyExcepts := false
	for _, id := range excepts {
		if id != "" {
			anyExcepts = true
			break
		}
	}

	var sharedFrames [][]byte
	if !anyExcepts {
		sharedFrames = r.framesFor(ctx, items)
	}

	for id, conn := range members {
		if !anyExcepts {
			for _, frame := range sharedFrames {
				conn.Send(ctx, frame)
			}
			continue
		}
		filtered := make([]envelope.Envelope, 0, len(items))
		for i, env := range items {
			if excepts[i] == id {
				continue
			}
			filtered = append(filtered, env)
		}
		for _, frame := range r.framesFor(ctx, filtered) {
			conn.Send(ctx, frame)
		}
	}
}

// framesFor renders items for one recipient: a subset of ≥2 envelopes is
// coalesced into a single batch frame, otherwise each envelope (if any) is
// sent as its own frame, per §4.F's batching rule.
func (r *Room) framesFor(ctx context.Context, items []envelope.Envelope) [][]byte {
	if len(items) == 0 {
		return nil
	}
	if len(items) >= 2 {
		data, err := json.Marshal(envelope.BatchFrame{Event: envelope.BatchEventName, Items: items})
		if err != nil {
			logging.Error(ctx, "room failed to marshal batch frame", zap.String("room", r.Name), zap.Error(err))
			return nil
		}
		return [][]byte{data}
	}
	frames := make([][]byte, 0, len(items))
	for _, env := range items {
		data, err := env.MarshalForWire()
		if err != nil {
			logging.Error(ctx, "room failed to marshal envelope", zap.String("room", r.Name), zap.Error(err))
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

// Destroy tears down the room's subscription and scheduled tasks
// unconditionally, used during server shutdown.
func (r *Room) Destroy(ctx context.Context) {
	r.unsubscribe(ctx)
	r.sched.StopAll(r.taskPrefix())
	r.mu.Lock()
	r.tasks = make(map[string]TaskSpec)
	r.mu.Unlock()
}
