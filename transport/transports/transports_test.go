package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/herlink/transport"
)

func TestAllTransportsRegistered(t *testing.T) {
	for _, name := range []string{"amqp1", "aws", "channel", "kafka", "nats", "rabbitmq"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
	}
}
