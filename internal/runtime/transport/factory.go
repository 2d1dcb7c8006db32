// Package transport connects the service host to the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	newtransport "github.com/drblury/idflow/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/idflow/transport/transports"
)

// Transport is the publisher, subscriber and scoped factory built for a Service.
type Transport = newtransport.Transport

// Factory abstracts how idflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return newtransport.Build(ctx, conf, logger)
}
