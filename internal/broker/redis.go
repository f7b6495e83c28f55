package broker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/metrics"
)

type topicState struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers map[Token]Handler
}

// Redis is the cluster-aware Broker, grounded in the teacher's
// bus.Service: one *redis.PubSub per topic, lazily opened on the first
// local Subscribe and closed when the last local handler unsubscribes.
// Publish goes through a circuit breaker so a Redis outage degrades to
// "no cross-instance fan-out" instead of blocking every room.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	mu     sync.Mutex
	nextID Token
	topics map[string]*topicState
}

func NewRedis(client *redis.Client) *Redis {
	st := gobreaker.Settings{
		Name:        "broker-redis",
		MaxRequests: 5,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("broker").Set(breakerStateValue(to))
		},
	}
	return &Redis{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		topics: make(map[string]*topicState),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	tok := r.nextID

	ts, ok := r.topics[topic]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		ts = &topicState{
			pubsub:   r.client.Subscribe(subCtx, topic),
			cancel:   cancel,
			handlers: make(map[Token]Handler),
		}
		r.topics[topic] = ts
		r.pump(subCtx, topic, ts)
	}
	ts.handlers[tok] = handler
	return tok, nil
}

// pump runs the receive loop for one topic's PubSub, fanning each message
// out to every locally registered handler. One goroutine per topic,
// mirroring the teacher's per-room Subscribe goroutine.
func (r *Redis) pump(ctx context.Context, topic string, ts *topicState) {
	ch := ts.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.mu.Lock()
				handlers := make([]Handler, 0, len(ts.handlers))
				for _, h := range ts.handlers {
					handlers = append(handlers, h)
				}
				r.mu.Unlock()
				for _, h := range handlers {
					go h(ctx, topic, []byte(msg.Payload))
				}
			}
		}
	}()
}

func (r *Redis) Unsubscribe(_ context.Context, token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, ts := range r.topics {
		if _, ok := ts.handlers[token]; !ok {
			continue
		}
		delete(ts.handlers, token)
		if len(ts.handlers) == 0 {
			ts.cancel()
			ts.pubsub.Close()
			delete(r.topics, topic)
		}
		return nil
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := r.cb.Execute(func() (any, error) {
		return nil, r.client.Publish(ctx, topic, payload).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.PublishTotal.WithLabelValues("dropped").Inc()
			logging.Warn(ctx, "broker circuit breaker open, dropping publish", zap.String("topic", topic))
			return nil
		}
		metrics.PublishTotal.WithLabelValues("retry").Inc()
		return err
	}
	metrics.PublishTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, ts := range r.topics {
		ts.cancel()
		ts.pubsub.Close()
		delete(r.topics, topic)
	}
	return nil
}

var _ Broker = (*Redis)(nil)
