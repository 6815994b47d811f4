// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/herlink/transport/amqp1"
	_ "github.com/drblury/herlink/transport/aws"
	_ "github.com/drblury/herlink/transport/channel"
	_ "github.com/drblury/herlink/transport/kafka"

	"github.com/drblury/herlink/transport/nats"
	"github.com/drblury/herlink/transport/rabbitmq"
)

func init() {
	rabbitmq.Register()
	nats.Register()
}
