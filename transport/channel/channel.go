// Package channel provides an in-memory Go channel transport.
// This transport is useful for testing and single-process deployments.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// PubSub is the part of gochannel.GoChannel the transport relies on.
type PubSub interface {
	Publish(topic string, messages ...*message.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) PubSub {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register registers the channel transport (and its "gochannel" alias) with
// the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.DefaultRegistry.Alias("gochannel", TransportName)
}

// Build creates a new Go channel transport. Every subscription sees every
// message, so scoped subscribers are views over the same pub/sub.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := Factory(gochannel.Config{}, logger)
	return transport.Transport{
		Publisher:  pubSub,
		Subscriber: pubSub,
		Scoped:     transport.NewSharedScope(pubSub, false),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
