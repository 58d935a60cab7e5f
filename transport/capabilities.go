package transport

// Capabilities describes what a transport can do. The optional interface
// flags are filled by Describe; the delivery guarantees come from the
// capability set registered with the builder.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	CanBroadcast  bool
	CanRequest    bool
	CanReply      bool
	CanReceive    bool
	CanConnect    bool
	HasReadyState bool
	HasConnection bool

	// SupportsOrdering indicates messages on one topic arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates metadata headers.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment.
	SupportsNack bool

	// SupportsPartitioning indicates the transport supports partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Describe inspects t for the optional capability interfaces and merges the
// result with the capability set registered under its name.
func Describe(t Transport) Capabilities {
	if t == nil {
		return Capabilities{}
	}
	caps := DefaultRegistry.GetCapabilities(t.Name())
	_, caps.CanBroadcast = t.(Broadcaster)
	_, caps.CanRequest = t.(Requester)
	_, caps.CanReply = t.(Replier)
	_, caps.CanReceive = t.(Receiver)
	_, caps.CanConnect = t.(Connector)
	_, caps.HasReadyState = t.(StateReporter)
	_, caps.HasConnection = t.(Identifier)
	return caps
}

// Predefined capability sets for the built-in transports.
var (
	// LoopbackCapabilities for the in-process loopback transport.
	LoopbackCapabilities = Capabilities{
		Name:             "loopback",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// HTTPCapabilities for the stateless HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// SocketCapabilities for the reconnecting WebSocket transport.
	SocketCapabilities = Capabilities{
		Name:             "socket",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// JetStreamCapabilities for the NATS JetStream transport.
	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}
)
