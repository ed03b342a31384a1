// Package apns implements the data model and binary wire format of the
// legacy Apple Push Notification Service protocol: item-framed
// notification frames, error-response frames and feedback records,
// exchanged over TLS with client-certificate authentication.
package apns

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol limits.
const (
	// MaxPayloadSize is the maximum serialized payload length accepted
	// by the gateway.
	MaxPayloadSize = 2048

	// MaxTokenSize bounds the binary device token length.
	MaxTokenSize = 255
)

// Validation errors raised before anything reaches the wire.
var (
	ErrPayloadEmpty    = errors.New("payload is empty")
	ErrPayloadTooLarge = errors.New("payload is too large")
	ErrTokenEmpty      = errors.New("device token is empty")
	ErrTokenTooLarge   = errors.New("device token is too large")
	ErrNoTokens        = errors.New("message has no device tokens")
	ErrBadPriority     = errors.New("priority out of range")
)

// Priority selects gateway delivery urgency.
type Priority uint8

const (
	// PriorityImmediate delivers the notification right away.
	PriorityImmediate Priority = 10
	// PriorityConserve lets the gateway delay delivery to conserve the
	// device's power.
	PriorityConserve Priority = 5
)

// Notification is a single token-targeted push with its correlation
// identifier. Immutable once built; ownership moves from the queue to
// a connection's replay window and back on replay.
type Notification struct {
	// Identifier is the 32-bit correlation value echoed back in error
	// frames. Assigned from a wrapping counter; uniqueness only matters
	// within one connection's in-flight window.
	Identifier uint32

	// Token is the binary device token.
	Token []byte

	// Payload is the serialized JSON payload.
	Payload []byte

	// Expiration is the absolute epoch time until which the gateway
	// should retain the notification for an offline device. Zero means
	// do not store.
	Expiration uint32

	Priority Priority

	// EnqueuedAt records local submission time, for diagnostics only.
	EnqueuedAt time.Time

	// Message points back to the user-facing request this notification
	// was expanded from.
	Message *Message
}

// TokenString returns the hex form of the device token.
func (n *Notification) TokenString() string {
	return hex.EncodeToString(n.Token)
}

func (n *Notification) String() string {
	return fmt.Sprintf("notification %d -> %s", n.Identifier, n.TokenString())
}

// Message is a user-facing push request targeting one or more devices.
// It expands to one Notification per token, all sharing the same
// payload, expiration and priority.
type Message struct {
	// ID identifies the message in logs and the journal.
	ID string

	Tokens     []string
	Payload    map[string]interface{}
	Expiration time.Time
	Priority   Priority

	encodedTokens  [][]byte
	encodedPayload []byte
}

// Aps mirrors the standard "aps" dictionary of a payload. Alert may be
// a string or a nested dictionary.
type Aps struct {
	Alert            interface{} `json:"alert,omitempty"`
	Badge            int         `json:"badge,omitempty"`
	Sound            string      `json:"sound,omitempty"`
	ContentAvailable int         `json:"content-available,omitempty"`
	Category         string      `json:"category,omitempty"`
}

// NewMessage validates and builds a Message. Tokens are hex-encoded
// device tokens; payload must serialize to at most MaxPayloadSize
// bytes. A zero expiration means the gateway should not store the
// notification for later delivery.
func NewMessage(tokens []string, payload map[string]interface{}, expiration time.Time, priority Priority) (*Message, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}

	m := &Message{
		ID:         uuid.NewString(),
		Tokens:     tokens,
		Payload:    payload,
		Expiration: expiration,
		Priority:   priority,
	}

	m.encodedTokens = make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		raw, err := hex.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("invalid device token %q: %w", t, err)
		}
		if len(raw) == 0 {
			return nil, ErrTokenEmpty
		}
		if len(raw) > MaxTokenSize {
			return nil, ErrTokenTooLarge
		}
		m.encodedTokens = append(m.encodedTokens, raw)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadEmpty
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(encoded) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(encoded))
	}
	m.encodedPayload = encoded

	return m, nil
}

// NewApsMessage is a shortcut for the common case of a standard "aps"
// payload with optional custom fields.
func NewApsMessage(tokens []string, aps Aps, custom map[string]interface{}, expiration time.Time, priority Priority) (*Message, error) {
	payload := make(map[string]interface{}, len(custom)+1)
	for k, v := range custom {
		payload[k] = v
	}
	payload["aps"] = aps

	return NewMessage(tokens, payload, expiration, priority)
}

// EncodedPayload returns the serialized payload bytes.
func (m *Message) EncodedPayload() []byte {
	return m.encodedPayload
}

// Notifications expands the message into one Notification per token.
// nextIdent supplies correlation identifiers, typically a wrapping
// counter shared across messages.
func (m *Message) Notifications(nextIdent func() uint32) []*Notification {
	var expiration uint32
	if !m.Expiration.IsZero() {
		expiration = uint32(m.Expiration.Unix())
	}

	now := time.Now()
	ns := make([]*Notification, 0, len(m.encodedTokens))
	for _, token := range m.encodedTokens {
		ns = append(ns, &Notification{
			Identifier: nextIdent(),
			Token:      token,
			Payload:    m.encodedPayload,
			Expiration: expiration,
			Priority:   m.Priority,
			EnqueuedAt: now,
			Message:    m,
		})
	}

	return ns
}
