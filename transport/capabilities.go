package transport

// Capabilities describes how a transport backend behaves for the
// request/response protocol. Use this to introspect a transport at runtime.
type Capabilities struct {
	// Name is the registered name of the transport.
	Name string

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers negatively acknowledged messages.
	SupportsNack bool

	// SupportsOrdering indicates messages within a partition/stream are delivered in order.
	SupportsOrdering bool

	// SupportsConsumerGroups indicates responders share work instead of each
	// receiving every request.
	SupportsConsumerGroups bool

	// ScopedReplay indicates a scoped subscriber may receive messages published
	// before it subscribed. Waiters discard them by correlation id.
	ScopedReplay bool

	// ScopedCleanup indicates closing a scoped subscriber deletes broker-side
	// state (consumer groups, queues, consumers).
	ScopedCleanup bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsAck:            true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		ScopedReplay:           true,
		ScopedCleanup:          true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		ScopedCleanup:          true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		ScopedCleanup:          true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsConsumerGroups: true,
		ScopedCleanup:          true,
		MaxMessageSize:         262144, // 256KB
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
