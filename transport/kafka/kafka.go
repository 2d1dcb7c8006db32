// Package kafka provides a Kafka transport.
//
// Responders consume through the configured consumer group. Each waiter call
// joins its own throwaway consumer group so it sees every response, and the
// group is deleted from the cluster once the call is over.
//
// Scoped groups start at the oldest retained offset by default, so a response
// published before the group's first partition assignment is not lost. Every
// call therefore reads the retained response topic from the start before it
// reaches live traffic. Keep retention.ms on the response topic short, a few
// multiples of the response timeout is enough, or a call spends its timeout
// replaying history. With KAFKA_SCOPED_INITIAL_OFFSET=newest no history is
// read, but a response that arrives before the assignment completes is missed
// and the call times out.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// GroupDeleter is the slice of sarama.ClusterAdmin used to drop scoped groups.
type GroupDeleter interface {
	DeleteConsumerGroup(group string) error
	Close() error
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// ClusterAdminFactory allows overriding the admin client used on release.
var ClusterAdminFactory = func(brokers []string, cfg *sarama.Config) (GroupDeleter, error) {
	return sarama.NewClusterAdmin(brokers, cfg)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: brokers are required")
	}
	offset, err := initialOffset(cfg.GetKafkaScopedInitialOffset())
	if err != nil {
		return transport.Transport{}, err
	}

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	setClientID(pubSarama, cfg.GetKafkaClientID())
	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subSarama := kafka.DefaultSaramaSubscriberConfig()
	setClientID(subSarama, cfg.GetKafkaClientID())
	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         cfg.GetConsumerGroup(),
			OverwriteSaramaConfig: subSarama,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Scoped: &scopedFactory{
			brokers:      brokers,
			clientID:     cfg.GetKafkaClientID(),
			offset:       offset,
			deleteGroups: cfg.GetKafkaDeleteScopedGroups(),
			logger:       logger,
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

func initialOffset(name string) (int64, error) {
	switch name {
	case "", "oldest":
		return sarama.OffsetOldest, nil
	case "newest":
		return sarama.OffsetNewest, nil
	default:
		return 0, fmt.Errorf("kafka: unknown scoped initial offset %q", name)
	}
}

func setClientID(cfg *sarama.Config, clientID string) {
	if clientID != "" {
		cfg.ClientID = clientID
	}
}

type scopedFactory struct {
	brokers      []string
	clientID     string
	offset       int64
	deleteGroups bool
	logger       watermill.LoggerAdapter
}

func (f *scopedFactory) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.Consumer.Offsets.Initial = f.offset
	setClientID(saramaCfg, f.clientID)

	sub, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               f.brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         identity,
			OverwriteSaramaConfig: saramaCfg,
		},
		f.logger,
	)
	if err != nil {
		return nil, err
	}
	return &scopedSubscriber{Subscriber: sub, group: identity, factory: f, saramaCfg: saramaCfg}, nil
}

type scopedSubscriber struct {
	message.Subscriber
	group     string
	factory   *scopedFactory
	saramaCfg *sarama.Config

	once sync.Once
	err  error
}

// Close stops consuming and, when enabled, deletes the scoped consumer group.
func (s *scopedSubscriber) Close() error {
	s.once.Do(func() {
		s.err = s.Subscriber.Close()
		if !s.factory.deleteGroups {
			return
		}
		if err := s.deleteGroup(); err != nil {
			s.factory.logger.Error("Failed to delete scoped consumer group", err, watermill.LogFields{"group": s.group})
			s.err = errors.Join(s.err, err)
		}
	})
	return s.err
}

func (s *scopedSubscriber) deleteGroup() error {
	admin, err := ClusterAdminFactory(s.factory.brokers, s.saramaCfg)
	if err != nil {
		return fmt.Errorf("kafka: cluster admin: %w", err)
	}
	defer admin.Close()

	if err := admin.DeleteConsumerGroup(s.group); err != nil && !errors.Is(err, sarama.ErrGroupIDNotFound) {
		return fmt.Errorf("kafka: delete consumer group %q: %w", s.group, err)
	}
	return nil
}
