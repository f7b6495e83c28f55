// Package server implements the top-level Server component of §4.K: it
// owns the HTTP upgrade route, namespace registry, and the cluster-wide
// control subscription, generalizing the teacher's Hub from a single
// room-keyed registry to namespace-scoped routing with pluggable
// auth/statestore/broker/scheduler backends.
package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/authadapter"
	"github.com/clusterwire/fabric/internal/broker"
	"github.com/clusterwire/fabric/internal/connection"
	"github.com/clusterwire/fabric/internal/heartbeat"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/namespace"
	"github.com/clusterwire/fabric/internal/ratelimit"
	"github.com/clusterwire/fabric/internal/scheduler"
	"github.com/clusterwire/fabric/internal/statestore"
	"github.com/clusterwire/fabric/pkg/envelope"
)

// Options configures the Server's behavior, mirroring the fields of
// config.Config it is constructed from, kept separate so the server
// package does not import config directly (avoids an import cycle with
// cmd/fabricd wiring both).
type Options struct {
	BasePath            string
	DefaultNamespace    string
	InstanceID          string
	AllowedOrigins      []string
	PingInterval        time.Duration
	PongTimeout         time.Duration
	CheckDelayPerClient time.Duration
	MaxMsgsPerSecond    int
	MaxPayloadBytes     int
	BatchInterval       time.Duration
	RoomIdleTTL         time.Duration
}

// Server owns the namespace registry and the WebSocket upgrade route.
type Server struct {
	opts  Options
	store statestore.StateStore
	brk   broker.Broker
	sched scheduler.Scheduler
	auth  authadapter.AuthAdapter
	limiter *ratelimit.ConnectionLimiter
	hb    *heartbeat.Monitor

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	namespaces map[string]*namespace.Namespace

	controlToken broker.Token
}

func New(opts Options, store statestore.StateStore, brk broker.Broker, sched scheduler.Scheduler, auth authadapter.AuthAdapter, limiter *ratelimit.ConnectionLimiter) *Server {
	s := &Server{
		opts:       opts,
		store:      store,
		brk:        brk,
		sched:      sched,
		auth:       auth,
		limiter:    limiter,
		hb:         heartbeat.New(opts.PingInterval, opts.PongTimeout, opts.CheckDelayPerClient),
		namespaces: make(map[string]*namespace.Namespace),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	// The default namespace is created up front (before any upgrade
	// routing begins), per the binding Open Question decision: this
	// avoids a branch where the "default" lookup could ever miss.
	s.getOrCreateNamespace(opts.DefaultNamespace)

	tok, err := brk.Subscribe(context.Background(), broker.GlobalControlTopic, s.onGlobalControlMessage)
	if err != nil {
		logging.Error(context.Background(), "server failed to subscribe to global control topic", zap.Error(err))
	} else {
		s.controlToken = tok
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

func (s *Server) getOrCreateNamespace(name string) *namespace.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.namespaces[name]; ok {
		return ns
	}
	ns := namespace.New(name, s.opts.InstanceID, s.store, s.brk, s.sched, namespace.Options{
		BatchInterval:   s.opts.BatchInterval,
		MaxPayloadBytes: s.opts.MaxPayloadBytes,
		RoomIdleTTL:     s.opts.RoomIdleTTL,
	})
	ns.Use(namespace.LoggingMiddleware())
	ns.Use(namespace.RateLimitMiddleware(s.limiter))
	s.namespaces[name] = ns
	return ns
}

// rejectUpgrade completes the WebSocket handshake and then immediately
// sends the close frame carrying the spec's literal close code and
// reason, since close codes 1008/4001 only exist on an established
// WebSocket connection; a bare pre-handshake HTTP status has no way to
// carry them. Falls back to a plain HTTP status if the handshake itself
// cannot be completed (e.g. the client did not send Upgrade headers).
func (s *Server) rejectUpgrade(c *gin.Context, httpStatus, closeCode int, reason string) {
	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(httpStatus, gin.H{"error": reason})
		return
	}
	msg := websocket.FormatCloseMessage(closeCode, reason)
	_ = wsConn.WriteMessage(websocket.CloseMessage, msg)
	_ = wsConn.Close()
}

func (s *Server) lookupNamespace(name string) (*namespace.Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[name]
	return ns, ok
}

// namespaceNameFromPath extracts the namespace segment following
// basePath, e.g. "/ws/lobby" with basePath "/ws" yields "lobby". An
// empty remainder maps to the default namespace.
func (s *Server) namespaceNameFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, s.opts.BasePath)
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return s.opts.DefaultNamespace
	}
	return trimmed
}

// ServeWs upgrades the HTTP request to a WebSocket connection, per §4.K:
// namespace lookup (close 1008 NS_NOT_FOUND on miss), authentication
// (close 4001 AUTH_FAILED on failure), then connection setup.
func (s *Server) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()
	nsName := s.namespaceNameFromPath(c.Request.URL.Path)

	ns, nsFound := s.lookupNamespace(nsName)
	if !nsFound {
		s.rejectUpgrade(c, http.StatusNotFound, connection.ClosePolicyViolation, "NS_NOT_FOUND")
		return
	}

	p, err := s.auth.Authenticate(ctx, c.Request)
	if err != nil {
		logging.Warn(ctx, "authentication failed", zap.String("namespace", nsName), zap.Error(err))
		s.rejectUpgrade(c, http.StatusUnauthorized, connection.CloseAuthFailed, "AUTH_FAILED")
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "failed to upgrade connection", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	conn := connection.New(connID, nsName, s.opts.InstanceID, p, wsConn, connection.Options{
		MaxPayloadBytes: s.opts.MaxPayloadBytes,
		Handler: func(ctx context.Context, conn *connection.Connection, env envelope.Envelope) {
			ns.HandleEvent(ctx, conn, env)
		},
		OnClose: func(conn *connection.Connection, code int, reason string) {
			s.hb.Unregister(conn.ID)
			if err := ns.RemoveConnection(context.Background(), conn.ID); err != nil {
				logging.Error(context.Background(), "failed to remove connection on close", zap.String("connection_id", conn.ID), zap.Error(err))
			}
		},
	})

	if err := ns.AddConnection(ctx, conn); err != nil {
		logging.Error(ctx, "failed to register connection", zap.Error(err))
		conn.Close(connection.CloseInternalError, "registration_failed")
		return
	}
	s.hb.Register(ctx, conn)

	connected, err := envelope.New(nsName, "", "sys:connected", map[string]string{
		"connection_id": connID,
		"user_id":       p.UserID,
	}, nil, s.opts.InstanceID)
	if err == nil {
		if data, err := connected.MarshalForWire(); err == nil {
			conn.Send(ctx, data)
		}
	}

	conn.Start(ctx)
}

// BroadcastAll publishes an envelope to every connection of every
// namespace cluster-wide, used for operator-issued global notices. Per
// §4.H, this instance delivers the envelope directly to its own local
// namespaces, then publishes it once to broker.GlobalControlTopic; every
// other instance's subscriber fans it out to its own locally known
// namespaces, while this instance's subscriber drops it by
// origin_instance_id so the originating instance never double-delivers.
func (s *Server) BroadcastAll(ctx context.Context, event string, payload any) {
	env, err := envelope.New("", "", event, payload, nil, s.opts.InstanceID)
	if err != nil {
		logging.Error(ctx, "failed to construct global broadcast envelope", zap.Error(err))
		return
	}

	s.deliverGlobalBroadcastLocally(ctx, env)

	data, err := env.MarshalForBroker()
	if err != nil {
		logging.Error(ctx, "failed to marshal global broadcast envelope", zap.Error(err))
		return
	}
	if err := s.brk.Publish(ctx, broker.GlobalControlTopic, data); err != nil {
		logging.Error(ctx, "failed to publish global broadcast", zap.Error(err))
	}
}

// deliverGlobalBroadcastLocally fans env out to every namespace this
// instance hosts locally, rebuilding the namespace field per recipient
// since one global broadcast reaches every namespace name known here.
func (s *Server) deliverGlobalBroadcastLocally(ctx context.Context, env envelope.Envelope) {
	s.mu.RLock()
	namespaces := make([]*namespace.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()

	for _, ns := range namespaces {
		nsEnv := env
		nsEnv.Namespace = ns.Name
		ns.DeliverLocally(ctx, nsEnv)
	}
}

// onGlobalControlMessage is the subscriber for broker.GlobalControlTopic
// described in §4.H: it decodes the envelope published by BroadcastAll on
// some instance and, unless this instance was the origin, fans it out to
// every namespace it hosts locally.
func (s *Server) onGlobalControlMessage(ctx context.Context, _ string, payload []byte) {
	env, err := envelope.UnmarshalFromBroker(payload)
	if err != nil {
		logging.Warn(ctx, "server failed to decode global control payload", zap.Error(err))
		return
	}
	if env.OriginInstanceID == s.opts.InstanceID {
		return
	}
	s.deliverGlobalBroadcastLocally(ctx, env)
}

// Shutdown drains every namespace and clears this instance's StateStore
// rows: destroy rooms, close connections, clear instance state, close
// broker. Heartbeat watches are not stopped as a separate first step;
// each one ends when its connection closes and OnClose unregisters it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	namespaces := make([]*namespace.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()

	for _, ns := range namespaces {
		ns.Destroy(ctx)
		ns.CloseAllConnections(connection.CloseGoingAway, "server_shutdown")
	}
	if err := s.store.ClearInstanceData(ctx, s.opts.InstanceID); err != nil {
		logging.Error(ctx, "failed to clear instance data on shutdown", zap.Error(err))
	}
	s.brk.Unsubscribe(ctx, s.controlToken)
	return s.brk.Close()
}
