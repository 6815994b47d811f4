package amqp1

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/drblury/herlink/transport"
)

// Dialect names accepted in config.
const (
	DialectServiceBus = "servicebus"
	DialectRabbitMQ   = "rabbitmq"
)

// Service Bus dead-letter condition and info keys.
const (
	deadLetterCondition      = "com.microsoft:dead-letter"
	deadLetterReasonKey      = "DeadLetterReason"
	deadLetterDescriptionKey = "DeadLetterErrorDescription"
)

// Dialect captures the broker differences behind one AMQP 1.0 link factory.
type Dialect struct {
	Name string
	// Address turns a queue name into a link source/target address.
	Address      func(queue string) string
	Capabilities transport.Capabilities
}

// ServiceBus addresses queues by name and relies on broker locks and dead-lettering.
var ServiceBus = Dialect{
	Name:         DialectServiceBus,
	Address:      func(queue string) string { return queue },
	Capabilities: transport.ServiceBusCapabilities,
}

// RabbitMQ addresses queues through the AMQP 1.0 plugin's /queues/ prefix.
// Locks are emulated and dead-lettering is a plain reject picked up by the queue's DLX.
var RabbitMQ = Dialect{
	Name:         DialectRabbitMQ,
	Address:      func(queue string) string { return "/queues/" + url.PathEscape(queue) },
	Capabilities: transport.AMQP1RabbitMQCapabilities,
}

// DialectByName resolves a configured dialect. Empty means RabbitMQ.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DialectRabbitMQ:
		return RabbitMQ, nil
	case DialectServiceBus, "service-bus":
		return ServiceBus, nil
	default:
		return Dialect{}, fmt.Errorf("amqp1: unknown dialect %q", name)
	}
}
