// Package rabbitmq provides a RabbitMQ/AMQP transport.
//
// Every topic is a fanout exchange. Responders share one durable queue per
// topic named after the consumer group; each waiter call binds its own
// exclusive auto-delete queue that disappears when the call releases it.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection allows overriding how the shared connection is closed, for
// testing.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing a single connection.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	responderConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicNameWithSuffix(cfg.GetConsumerGroup()),
	)

	publisher, err := PublisherFactory(responderConfig, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(responderConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Scoped:     &scopedFactory{url: url, conn: conn, logger: logger},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// ScopedConfig returns the AMQP config for a per-call subscription. The
// exchange stays durable so it matches the one declared by publishers.
func ScopedConfig(url, identity string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(identity))
	cfg.Queue.Durable = false
	cfg.Queue.AutoDelete = true
	cfg.Queue.Exclusive = true
	return cfg
}

type scopedFactory struct {
	url    string
	conn   *amqp.ConnectionWrapper
	logger watermill.LoggerAdapter
}

func (f *scopedFactory) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	return SubscriberFactory(ScopedConfig(f.url, identity), f.logger, f.conn)
}

// Close closes the shared connection once publisher and subscribers are done.
func (f *scopedFactory) Close() error {
	if f.conn == nil {
		return nil
	}
	return CloseConnection(f.conn)
}
