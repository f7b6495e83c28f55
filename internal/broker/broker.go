// Package broker defines the cross-instance fan-out transport described in
// §4.C of the fabric design. It moves already-marshaled Envelope bytes
// between instances on a small topic taxonomy; it never inspects payloads
// and never owns membership state (that is StateStore's job).
package broker

import "context"

// Topic naming follows §6: one room, one user inbox, one namespace-wide
// topic, and a single cluster-wide control topic.
const (
	GlobalControlTopic = "broker:wss:global"
)

func RoomTopic(namespace, room string) string {
	return "broker:" + namespace + ":room:" + room
}

func UserTopic(namespace, userID string) string {
	return "broker:" + namespace + ":user:" + userID
}

func NamespaceTopic(namespace string) string {
	return "broker:" + namespace + ":global"
}

// Handler receives the raw bytes published to a topic, exactly as handed
// to Publish by the sending instance. Callers are responsible for their
// own echo suppression (comparing envelope.OriginInstanceID against their
// own instance id) since the broker has no notion of envelopes.
type Handler func(ctx context.Context, topic string, payload []byte)

// Token identifies one Subscribe registration, returned so the caller can
// Unsubscribe it later without tearing down every handler on the topic.
type Token uint64

// Broker is the cross-instance publish/subscribe fabric. A single process
// may have many local subscribers to the same topic (one per room/user
// that cares); the broker fans a single inbound message out to all of
// them.
type Broker interface {
	// Subscribe registers handler for topic and returns a token usable
	// with Unsubscribe. Subscribing to an already-subscribed topic adds
	// an additional local handler; it does not replace others.
	Subscribe(ctx context.Context, topic string, handler Handler) (Token, error)
	// Unsubscribe removes exactly the handler registered under token. It
	// is a no-op if the token is unknown (already unsubscribed).
	Unsubscribe(ctx context.Context, token Token) error
	// Publish fans payload out to every subscriber of topic, including
	// subscribers on other instances for cluster-aware implementations.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close releases all subscriptions and any underlying transport.
	Close() error
}
