package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/herlink/internal/runtime/config"
	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/herlink/transport/transports"
)

// Factory abstracts how herlink opens the link factory for a configuration.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.LinkFactory, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.LinkFactory, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.LinkFactory, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in factory backed by the transport
// registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.LinkFactory, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	return transport.Build(ctx, conf, logger)
}
