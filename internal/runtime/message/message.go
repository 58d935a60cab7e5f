// Package message defines the unit of communication exchanged by the broker,
// its subscribers and every transport.
package message

import (
	"maps"
	"time"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/internal/runtime/metadata"
)

// TypeConnectionID is sent by a socket server to assign the peer its
// connection identity. The identity travels in the ID field.
const TypeConnectionID = "ConnectionId"

// TypeError marks a synthetic reply produced when a pending request is
// rejected by the transport.
const TypeError = "Error"

// TypePing is the request type used to measure socket round trips.
const TypePing = "Ping"

// Message is the envelope published on the bus. Type is required; every
// other field is optional unless the message takes part in request/reply,
// where ID must be set and the reply must carry the same ID.
type Message struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Remote is set on messages that arrived through a transport. Messages
	// produced in this process keep it false.
	Remote bool `json:"_remote,omitempty"`

	IsRequest    bool   `json:"_isRequest,omitempty"`
	IsReply      bool   `json:"_isReply,omitempty"`
	ReplyTo      string `json:"replyTo,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`

	Metadata metadata.Metadata `json:"metadata,omitempty"`
}

// New builds a local message with a fresh ULID and the current time.
func New(msgType, topic string, payload any) *Message {
	return &Message{
		Type:      msgType,
		Topic:     topic,
		Payload:   payload,
		ID:        idspkg.CreateULID(),
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy that can be mutated without affecting the original.
// Payload is shared; metadata is copied.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Metadata != nil {
		c.Metadata = m.Metadata.Clone()
	}
	return &c
}

// Validate checks the fields every published message needs.
func (m *Message) Validate() error {
	if m == nil {
		return errspkg.ErrMessageRequired
	}
	if m.Type == "" {
		return errspkg.ErrTypeRequired
	}
	return nil
}

// ValidateCorrelated checks a message used in a request/reply exchange.
func (m *Message) ValidateCorrelated() error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		return errspkg.ErrIDRequired
	}
	return nil
}

// Stamp fills the id, sender and timestamp when they are missing. newID
// supplies the id so transports can choose ULIDs or UUIDs.
func (m *Message) Stamp(from string, newID func() string) {
	if m.ID == "" && newID != nil {
		m.ID = newID()
	}
	if m.From == "" {
		m.From = from
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

// SetMeta stores a header, allocating the metadata map on first use.
func (m *Message) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = metadata.Metadata{}
	}
	m.Metadata[key] = value
}

// NewReply builds the reply for request. It keeps the request id for
// correlation. A map payload is copied and gets the request id under "id";
// any other payload is used as is.
func NewReply(request *Message, payload any) *Message {
	reply := &Message{
		Type:      request.Type,
		Topic:     request.Topic,
		ID:        request.ID,
		To:        request.From,
		ReplyTo:   request.ID,
		IsReply:   true,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if m, ok := payload.(map[string]any); ok {
		out := maps.Clone(m)
		if out == nil {
			out = map[string]any{}
		}
		out["id"] = request.ID
		reply.Payload = out
	}
	return reply
}

// NewError builds the synthetic reply delivered to a pending request that
// the transport had to abandon.
func NewError(id, reason string) *Message {
	return &Message{
		Type:      TypeError,
		ID:        id,
		IsReply:   true,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}
}

// Probe builds the synthetic message used by subscriber introspection.
func Probe(msgType, topic string) *Message {
	return &Message{Type: msgType, Topic: topic}
}
