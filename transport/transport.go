// Package transport defines the link-level interfaces herlink listens and sends through.
// Each transport implementation (amqp1, rabbitmq, nats, etc.) lives in its own
// sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Header is the protocol view of a received message's properties and annotations.
type Header struct {
	MessageID            string
	CorrelationID        string
	MessageFunction      string
	FromHerID            int
	ToHerID              int
	ContentType          string
	CpaID                string
	ReplyTo              string
	To                   string
	ApplicationTimestamp time.Time
	EnqueuedTime         time.Time
	LockedUntil          time.Time
	DeliveryCount        int
	Properties           map[string]any
}

// RawMessage is a received message that has not been settled yet.
// Exactly one of the settlement methods should be called per message.
type RawMessage interface {
	Header() Header
	Body() []byte

	// Complete removes the message from the queue.
	Complete(ctx context.Context) error
	// Reject refuses the message without asking for redelivery.
	Reject(ctx context.Context) error
	// Release hands the message back to the queue for redelivery.
	Release(ctx context.Context) error
	// DeadLetter moves the message to the dead-letter queue with a reason.
	DeadLetter(ctx context.Context, reason, description string) error
}

// OutgoingMessage is a message handed to a Sender.
type OutgoingMessage struct {
	MessageID            string
	CorrelationID        string
	MessageFunction      string
	FromHerID            int
	ToHerID              int
	ContentType          string
	CpaID                string
	ReplyTo              string
	To                   string
	ApplicationTimestamp time.Time
	TimeToLive           time.Duration
	Properties           map[string]any
	Body                 []byte
}

// Receiver pulls messages from one queue.
type Receiver interface {
	// Receive blocks until a message arrives or timeout passes.
	// A nil message with a nil error means nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (RawMessage, error)
	Close(ctx context.Context) error
}

// Sender pushes messages to one queue.
type Sender interface {
	Send(ctx context.Context, msg *OutgoingMessage) error
	Close(ctx context.Context) error
}

// LinkFactory opens receivers and senders bound to named queues.
type LinkFactory interface {
	CreateReceiver(ctx context.Context, queue string, credit int) (Receiver, error)
	CreateSender(ctx context.Context, queue string) (Sender, error)
	Capabilities() Capabilities
	Close(ctx context.Context) error
}

// Builder is the function signature for creating a link factory from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (LinkFactory, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// GetLockDuration is the emulated lock length for transports without native locks.
	GetLockDuration() time.Duration

	// AMQP 1.0
	GetAMQPURL() string
	GetAMQPDialect() string
	GetAMQPContainerID() string

	// RabbitMQ (AMQP 0-9-1)
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// AWS
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
