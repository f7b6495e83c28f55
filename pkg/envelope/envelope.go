// Package envelope defines the canonical message record that flows
// unmodified through the broker and the socket, per §3/§4.A of the
// fabric design.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clusterwire/fabric/internal/fabricerr"
)

// Sender identifies the principal that produced an envelope, if any.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Meta carries optional cross-cutting fields, currently just a trace id.
type Meta struct {
	Trace string `json:"trace,omitempty"`
}

// Envelope is the wire format described in spec.md §6: it is produced by
// exactly one component and flows unmodified through broker and socket.
type Envelope struct {
	ID               string          `json:"id"`
	Namespace        string          `json:"ns"`
	Room             string          `json:"room,omitempty"`
	Event            string          `json:"event"`
	Payload          json.RawMessage `json:"payload"`
	Sender           *Sender         `json:"sender,omitempty"`
	TimestampMS      int64           `json:"ts"`
	Meta             *Meta           `json:"meta,omitempty"`
	OriginInstanceID string          `json:"-"`
}

// BatchFrame is the wire format for a coalesced set of envelopes, sent as
// a single WebSocket message by Room's batching path.
type BatchFrame struct {
	Event string     `json:"event"`
	Items []Envelope `json:"items"`
}

const BatchEventName = "chat:batch"

// New builds an envelope with a fresh id and server timestamp.
func New(namespace, room, event string, payload any, sender *Sender, originInstanceID string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fabricerr.Protocol("failed to marshal envelope payload")
	}
	return Envelope{
		ID:               uuid.NewString(),
		Namespace:        namespace,
		Room:             room,
		Event:            event,
		Payload:          raw,
		Sender:           sender,
		TimestampMS:      time.Now().UnixMilli(),
		OriginInstanceID: originInstanceID,
	}, nil
}

// WithTrace returns a copy of the envelope carrying the given trace id.
func (e Envelope) WithTrace(trace string) Envelope {
	if trace == "" {
		return e
	}
	e.Meta = &Meta{Trace: trace}
	return e
}

// Validate enforces the configured payload size limit. Implementers must
// reject oversized payloads with a protocol error rather than forwarding
// them (§4.A).
func (e Envelope) Validate(maxPayloadBytes int) error {
	if maxPayloadBytes > 0 && len(e.Payload) > maxPayloadBytes {
		return fabricerr.Protocol("payload exceeds configured byte limit")
	}
	return nil
}

// MarshalForWire serializes the envelope to the JSON shape clients
// expect. OriginInstanceID is tagged json:"-" so it never reaches a
// client: it exists purely for cross-instance echo suppression.
func (e Envelope) MarshalForWire() ([]byte, error) {
	return json.Marshal(e)
}

// brokerWireEnvelope mirrors Envelope but exposes OriginInstanceID, since
// broker payloads travel instance-to-instance and need it to suppress
// echoes (§4.C): an instance must not re-deliver a message it originally
// published and is merely seeing come back through its own subscription.
type brokerWireEnvelope struct {
	Envelope
	OriginInstanceID string `json:"origin_instance_id"`
}

// MarshalForBroker serializes the envelope for transport over the
// Broker, including OriginInstanceID.
func (e Envelope) MarshalForBroker() ([]byte, error) {
	return json.Marshal(brokerWireEnvelope{Envelope: e, OriginInstanceID: e.OriginInstanceID})
}

// UnmarshalFromBroker parses a broker-transport payload back into an
// Envelope, restoring OriginInstanceID.
func UnmarshalFromBroker(data []byte) (Envelope, error) {
	var w brokerWireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	env := w.Envelope
	env.OriginInstanceID = w.OriginInstanceID
	return env, nil
}
