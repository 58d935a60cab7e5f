// Package transport defines the contract between the broker and the
// mechanisms that carry messages to a remote peer. A transport only has to
// send; every other ability is an optional interface discovered at runtime.
// Each implementation lives in its own sub-package and registers a Builder
// with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/msgbus/internal/runtime/message"
)

// Message is the envelope carried by every transport.
type Message = message.Message

// Transport is the required capability: a named endpoint that can send.
type Transport interface {
	Name() string
	Endpoint() string
	Send(ctx context.Context, msg *Message) error
}

// Broadcaster delivers a message to every peer. The broker prefers it over
// Send when forwarding publishes.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, msg *Message) error
}

// Requester performs a correlated request and waits for the reply with the
// same id. A zero timeout selects the transport default.
type Requester interface {
	SendRequest(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)
}

// InboundFunc receives messages that arrived from the remote side.
type InboundFunc func(ctx context.Context, msg *Message)

// Receiver lets the broker register its inbound callback.
type Receiver interface {
	OnMessage(fn InboundFunc)
}

// Connector is implemented by transports with a connection lifecycle.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ReadyState mirrors the WebSocket readyState numbering.
type ReadyState int

const (
	StateConnecting ReadyState = 0
	StateOpen       ReadyState = 1
	StateClosing    ReadyState = 2
	StateClosed     ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateReporter exposes the connection state.
type StateReporter interface {
	ReadyState() ReadyState
}

// Identifier exposes the identity assigned by the remote side.
type Identifier interface {
	ConnectionID() string
}

// Replier sends the answer to a request that arrived through the transport
// back to the requesting peer.
type Replier interface {
	Reply(ctx context.Context, request, reply *Message) error
}

// Responder answers a request on the serving side of a transport.
// Returning a nil reply without error means nobody answered.
type Responder func(ctx context.Context, request *Message) (*Message, error)

// IsReady reports whether t may be used for sending. Transports without a
// ready state are always ready.
func IsReady(t Transport) bool {
	if t == nil {
		return false
	}
	if sr, ok := t.(StateReporter); ok {
		return sr.ReadyState() == StateOpen
	}
	return true
}

// Forward sends msg to every peer through SendBroadcast when available and
// falls back to Send.
func Forward(ctx context.Context, t Transport, msg *Message) error {
	if b, ok := t.(Broadcaster); ok {
		return b.SendBroadcast(ctx, msg)
	}
	return t.Send(ctx, msg)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. It is implemented by the
// runtime config so transports do not depend on the full config package.
type Config interface {
	GetTransport() string
	GetClientID() string

	// HTTP
	GetHTTPEndpoint() string
	GetHTTPTimeout() time.Duration
	GetHTTPBreakerFailures() uint32
	GetHTTPBreakerCooldown() time.Duration

	// Socket
	GetSocketURL() string
	GetAutoReconnect() bool
	GetReconnectDelay() time.Duration
	GetMaxReconnectDelay() time.Duration

	// Watermill bridge
	GetBridgeTopics() []string
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetRabbitMQURL() string
	GetNATSURL() string
	GetJetStreamStream() string
}
