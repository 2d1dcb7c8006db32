// Package jetstream provides a NATS JetStream transport.
//
// Every topic maps to a subject inside one stream. Responders pull from a
// durable consumer named after the consumer group, so instances share the
// work. Each waiter call gets its own consumer that only delivers messages
// published after it was created, and the consumer is deleted on release.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/idflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "IDFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long requests and responses are retained.
	DefaultMaxAge = time.Hour

	// DefaultScopedInactiveThreshold lets the server reap scoped consumers left
	// behind by a crashed process.
	DefaultScopedInactiveThreshold = 5 * time.Minute

	// UUIDHeader carries the Watermill message UUID.
	UUIDHeader = "_watermill_message_uuid"

	fetchBatch = 10
	fetchWait  = time.Second
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("jetstream: transport is closed")

var nameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetNATSURL() == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	t, err := New(Config{
		URL:           cfg.GetNATSURL(),
		StreamName:    cfg.GetJetStreamStream(),
		ConsumerGroup: cfg.GetConsumerGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Scoped:     t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to DefaultStreamName.
	StreamName string

	// ConsumerGroup names the durable consumers shared by responders.
	ConsumerGroup string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// MaxAge is how long the stream keeps messages.
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// ScopedInactiveThreshold is how long an idle scoped consumer survives.
	ScopedInactiveThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "idflow-responder"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.ScopedInactiveThreshold <= 0 {
		c.ScopedInactiveThreshold = DefaultScopedInactiveThreshold
	}
	return c
}

// Transport implements Publisher, Subscriber and the scoped subscriber
// factory on top of a single NATS connection.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

// StreamConfig returns the stream definition used by the transport. Limits
// retention is required because responders and waiters consume the same subjects.
func StreamConfig(cfg Config) *nats.StreamConfig {
	cfg = cfg.withDefaults()
	return &nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.StreamName + ".>"},
		MaxAge:    cfg.MaxAge,
		Replicas:  cfg.Replicas,
		Retention: nats.LimitsPolicy,
	}
}

func (t *Transport) ensureStream() error {
	streamCfg := StreamConfig(t.config)

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return err
		}
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			t.logger.Info("JetStream stream exists with a different config", watermill.LogFields{
				"stream": t.config.StreamName,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the JetStream stream.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := SubjectFor(t.config.StreamName, topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(UUIDHeader, msg.UUID)
		headers.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe pulls from the durable consumer shared by the consumer group.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	name := ConsumerName(t.config.ConsumerGroup, topic)
	sub, err := t.consume(topic, &nats.ConsumerConfig{
		Durable:       name,
		FilterSubject: SubjectFor(t.config.StreamName, topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil {
		return nil, err
	}
	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, nil, sub, output, topic)
	return output, nil
}

// NewScopedSubscriber returns a subscriber whose consumers are deleted on Close.
func (t *Transport) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &scopedSubscriber{parent: t, identity: identity, done: make(chan struct{})}, nil
}

func (t *Transport) consume(topic string, consumerCfg *nats.ConsumerConfig) (*nats.Subscription, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer %q: %w", consumerCfg.Durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(consumerCfg.FilterSubject, consumerCfg.Durable, nats.Bind(t.config.StreamName, consumerCfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", topic, err)
	}
	return sub, nil
}

// fetchMessages pumps pulled messages into output until ctx, stop or the
// transport is done. A message is acked or nacked on the server according to
// the Watermill ack.
func (t *Transport) fetchMessages(ctx context.Context, stop <-chan struct{}, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := toWatermill(natsMsg)
			select {
			case output <- wmMsg:
			case <-ctx.Done():
				_ = natsMsg.Nak()
				return
			case <-stop:
				_ = natsMsg.Nak()
				return
			}

			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					t.logger.Error("Failed to ack", err, watermill.LogFields{"topic": topic})
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					t.logger.Error("Failed to nak", err, watermill.LogFields{"topic": topic})
				}
			case <-stop:
				return
			case <-t.closedChan:
				return
			}
		}
	}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(UUIDHeader)
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == UUIDHeader || k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

// SubjectFor maps a topic onto a subject inside stream.
func SubjectFor(stream, topic string) string {
	return stream + "." + topic
}

// ConsumerName builds a consumer name, which may not contain subject tokens.
func ConsumerName(prefix, topic string) string {
	return nameReplacer.Replace(prefix + "_" + topic)
}

// Close closes the JetStream transport.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

type scopedSubscriber struct {
	parent   *Transport
	identity string
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	consumers []string
	subs      []*nats.Subscription
}

func (s *scopedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	t := s.parent
	name := ConsumerName(s.identity, topic)
	sub, err := t.consume(topic, &nats.ConsumerConfig{
		Durable:           name,
		FilterSubject:     SubjectFor(t.config.StreamName, topic),
		AckPolicy:         nats.AckExplicitPolicy,
		AckWait:           t.config.AckWait,
		DeliverPolicy:     nats.DeliverNewPolicy,
		InactiveThreshold: t.config.ScopedInactiveThreshold,
	})
	if err != nil {
		return nil, err
	}
	s.consumers = append(s.consumers, name)
	s.subs = append(s.subs, sub)

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, s.done, sub, output, topic)
	return output, nil
}

// Close stops the fetch loops and deletes the scoped consumers.
func (s *scopedSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	consumers, subs := s.consumers, s.subs
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if s.parent.isClosed() {
		return nil
	}
	for _, name := range consumers {
		if err := s.parent.js.DeleteConsumer(s.parent.config.StreamName, name); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
			errs = append(errs, fmt.Errorf("delete consumer %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
