package runtime

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	metadatapkg "github.com/drblury/idflow/internal/runtime/metadata"
)

// PublishJSON marshals payload and publishes it to topic with md as headers.
// Bus failures come back as *errors.TransportError. There is no retry; the
// caller decides what to do with a failure.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, payload any, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := identity.NewMessage(payload, md)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := publisher.Publish(topic, msg); err != nil {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// RequestPublisher is the process-wide publishing client. It is opened once at
// startup, shared by every component that publishes and closed once at
// shutdown. The underlying publisher stays owned by the transport.
type RequestPublisher struct {
	publisher message.Publisher

	mu     sync.RWMutex
	closed bool
}

// NewRequestPublisher wraps publisher.
func NewRequestPublisher(publisher message.Publisher) (*RequestPublisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return &RequestPublisher{publisher: publisher}, nil
}

// PublishJSON publishes payload; see the package-level PublishJSON.
func (p *RequestPublisher) PublishJSON(ctx context.Context, topic string, payload any, md metadatapkg.Metadata) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errspkg.ErrPublisherClosed
	}
	return PublishJSON(ctx, p.publisher, topic, payload, md)
}

// Publish lets the client stand in for a message.Publisher.
func (p *RequestPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errspkg.ErrPublisherClosed
	}
	if err := p.publisher.Publish(topic, messages...); err != nil {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Close stops accepting publishes. It waits for in-flight publishes and is
// idempotent.
func (p *RequestPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
