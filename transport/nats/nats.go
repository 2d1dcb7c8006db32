// Package nats provides a NATS Core transport.
//
// Responders subscribe through a queue group so each request is handled by one
// instance. Waiters share a single plain subscriber: core NATS fans every
// message out to each plain subscription, so per-call scopes are views over it.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetConsumerGroup(),
			Unmarshaler:      marshaler,
			JetStream:        core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	broadcast, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         url,
			Unmarshaler: marshaler,
			JetStream:   core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Scoped:     transport.NewSharedScope(broadcast, true),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
