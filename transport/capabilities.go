package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what settlement operations are native at runtime.
type Capabilities struct {
	// SupportsNativeLock indicates the broker grants a message lock with an expiry.
	// When false, the lock is emulated as receive time plus the configured lock duration.
	SupportsNativeLock bool

	// SupportsNativeDeadLetter indicates the broker dead-letters with a reason.
	// When false, dead-lettering is a plain reject or a publish to a "_dl" queue.
	SupportsNativeDeadLetter bool

	// SupportsRelease indicates a message can be handed back for redelivery explicitly.
	SupportsRelease bool

	// SupportsDeliveryCount indicates the broker reports how often a message was delivered.
	SupportsDeliveryCount bool

	// SupportsOrdering indicates the transport guarantees message ordering per queue.
	SupportsOrdering bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresLockEmulation returns true if lock expiry has to be computed locally.
func (c Capabilities) RequiresLockEmulation() bool {
	return !c.SupportsNativeLock
}

// RequiresDeadLetterEmulation returns true if dead-lettering loses the reason on this transport.
func (c Capabilities) RequiresDeadLetterEmulation() bool {
	return !c.SupportsNativeDeadLetter
}

// Predefined capability sets for the bundled transports.
var (
	// ServiceBusCapabilities for AMQP 1.0 against a Service Bus style broker.
	ServiceBusCapabilities = Capabilities{
		Name:                     "amqp1-servicebus",
		SupportsNativeLock:       true,
		SupportsNativeDeadLetter: true,
		SupportsRelease:          true,
		SupportsDeliveryCount:    true,
		SupportsOrdering:         true,
		MaxMessageSize:           256 * 1024,
	}

	// AMQP1RabbitMQCapabilities for AMQP 1.0 against RabbitMQ.
	AMQP1RabbitMQCapabilities = Capabilities{
		Name:                  "amqp1-rabbitmq",
		SupportsRelease:       true,
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		MaxMessageSize:        128 * 1024 * 1024,
	}

	// RabbitMQCapabilities for AMQP 0-9-1 via watermill-amqp.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsRelease:  true,
		SupportsOrdering: true,
		MaxMessageSize:   128 * 1024 * 1024,
	}

	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsRelease:  true,
		SupportsOrdering: true,
	}

	// NATSCapabilities for core NATS via watermill-nats.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsRelease: true,
		MaxMessageSize:  1024 * 1024,
	}

	// KafkaCapabilities for Kafka via watermill-kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsRelease:  true,
		SupportsOrdering: true,
		MaxMessageSize:   1024 * 1024,
	}

	// AWSCapabilities for SQS via watermill-aws.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsRelease: true,
		MaxMessageSize:  256 * 1024,
	}
)
