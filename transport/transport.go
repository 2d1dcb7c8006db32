// Package transport defines the interfaces shared by idflow transports.
// Each transport implementation (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport bundles what a process needs from the bus.
//
// Publisher is shared by every caller. Subscriber consumes as a competing
// consumer group and is used by responders, so each request is handled once.
// Scoped creates per-call subscriptions that receive every message published
// on a topic, used by waiters to observe the broadcast response topic.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Scoped     ScopedSubscriberFactory
}

// ScopedSubscriberFactory creates a subscriber bound to identity. Identities are
// unique per call; closing the returned subscriber releases every broker-side
// resource tied to it.
type ScopedSubscriberFactory interface {
	NewScopedSubscriber(ctx context.Context, identity string) (message.Subscriber, error)
}

// ScopedSubscriberFunc adapts a function to ScopedSubscriberFactory.
type ScopedSubscriberFunc func(ctx context.Context, identity string) (message.Subscriber, error)

func (f ScopedSubscriberFunc) NewScopedSubscriber(ctx context.Context, identity string) (message.Subscriber, error) {
	return f(ctx, identity)
}

// Close closes the publisher, the subscriber and the scoped factory when it
// holds resources. Components shared between roles are closed once.
func (t Transport) Close() error {
	var (
		errs []error
		seen []io.Closer
	)
	closeOnce := func(c io.Closer) {
		if c == nil {
			return
		}
		for _, s := range seen {
			if s == c {
				return
			}
		}
		seen = append(seen, c)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if t.Publisher != nil {
		closeOnce(t.Publisher)
	}
	if t.Subscriber != nil {
		closeOnce(t.Subscriber)
	}
	if c, ok := t.Scoped.(io.Closer); ok {
		closeOnce(c)
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports so they do not
// depend on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string
	// GetConsumerGroup names the group shared by responder instances.
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaScopedInitialOffset() string
	GetKafkaDeleteScopedGroups() bool

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
