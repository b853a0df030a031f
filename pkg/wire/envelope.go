// Package wire defines the envelope format for the Skein hub websocket protocol.
// This package is importable by servers and other clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol version. Carried in envelope metadata during the connect handshake.
const ProtocolVersion = 1

// Kind is the envelope type tag. Control kinds below form a closed set the
// client interprets itself; every other value is a domain request or event
// type and flows through to listeners unchanged.
type Kind string

// Control kinds.
const (
	KindConnected    Kind = "connection_established"
	KindHeartbeat    Kind = "heartbeat"
	KindHeartbeatAck Kind = "heartbeat_ack"
	KindSubscribe    Kind = "subscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindSubscribed   Kind = "subscription_confirmed"
	KindSubscribeErr Kind = "subscription_error"
	KindResponse     Kind = "response"
	KindError        Kind = "error"
)

// Control reports whether k is one of the protocol control kinds.
func (k Kind) Control() bool {
	switch k {
	case KindConnected, KindHeartbeat, KindHeartbeatAck,
		KindSubscribe, KindUnsubscribe, KindSubscribed, KindSubscribeErr,
		KindResponse, KindError:
		return true
	}
	return false
}

// Priority hints at delivery urgency. Advisory only; the hub may use it for
// shedding under load.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Envelope is the single message shape everything on the connection uses:
// requests, responses, events and control traffic.
type Envelope struct {
	Type          Kind            `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`     // assigned by the hub during handshake
	Payload       json.RawMessage `json:"payload,omitempty"`       // kind-specific body
	Timestamp     time.Time       `json:"timestamp"`               // sender clock, RFC 3339
	RequestID     string          `json:"requestId"`               // unique per message; responses echo it
	CorrelationID string          `json:"correlationId,omitempty"` // groups messages of one logical exchange
	Priority      Priority        `json:"priority,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"` // absolute deadline; stale after this
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// New creates an envelope of the given kind with a fresh request ID and
// timestamp. payload may be nil for bodiless control messages.
func New(kind Kind, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Parse decodes raw JSON bytes into an envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("parse envelope: missing type")
	}
	return &env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Expired reports whether the envelope carries an expiry that has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Encode marshals the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewHeartbeat creates a heartbeat probe stamped with the current send time.
func NewHeartbeat() (*Envelope, error) {
	return New(KindHeartbeat, HeartbeatPayload{SentAt: time.Now().UnixMilli()})
}

// NewHeartbeatAck creates the reply to a heartbeat probe, echoing its send
// time and request ID so the sender can compute round-trip latency.
func NewHeartbeatAck(probe *Envelope) (*Envelope, error) {
	var hb HeartbeatPayload
	_ = probe.Decode(&hb) // tolerate bodiless probes; latency just reads zero
	ack, err := New(KindHeartbeatAck, hb)
	if err != nil {
		return nil, err
	}
	ack.CorrelationID = probe.RequestID
	return ack, nil
}

// HeartbeatPayload carries the probe's send time in unix milliseconds.
type HeartbeatPayload struct {
	SentAt int64 `json:"sentAt"`
}
