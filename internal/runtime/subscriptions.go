package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/transport"
)

// SubscriptionTracker counts scoped subscriptions between Acquire and Release.
type SubscriptionTracker struct {
	active atomic.Int64
	gauge  prometheus.Gauge
}

// NewSubscriptionTracker mirrors the active count into gauge when it is not nil.
func NewSubscriptionTracker(gauge prometheus.Gauge) *SubscriptionTracker {
	return &SubscriptionTracker{gauge: gauge}
}

// Active returns the number of leases not yet released.
func (t *SubscriptionTracker) Active() int64 {
	return t.active.Load()
}

// Acquire opens a scoped subscription to topic under identity. The returned
// lease must be released on every exit path.
func (t *SubscriptionTracker) Acquire(ctx context.Context, scope transport.ScopedSubscriberFactory, identity, topic string) (*Lease, error) {
	if scope == nil {
		return nil, errspkg.ErrScopeRequired
	}

	sub, err := scope.NewScopedSubscriber(ctx, identity)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	// The subscription lives until Release, not until the caller's ctx ends.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		if closeErr := sub.Close(); closeErr != nil {
			err = fmt.Errorf("%w (close: %v)", err, closeErr)
		}
		return nil, &errspkg.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}

	t.active.Add(1)
	if t.gauge != nil {
		t.gauge.Inc()
	}
	return &Lease{
		Identity: identity,
		Topic:    topic,
		Messages: messages,
		sub:      sub,
		cancel:   cancel,
		tracker:  t,
	}, nil
}

// Lease is one scoped subscription owned by a single wait.
type Lease struct {
	Identity string
	Topic    string
	Messages <-chan *message.Message

	sub     message.Subscriber
	cancel  context.CancelFunc
	tracker *SubscriptionTracker

	once sync.Once
	err  error
}

// Release stops the subscription and frees its broker-side resources. Only the
// first call has an effect; later calls return the first result.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.cancel()
		if err := l.sub.Close(); err != nil {
			l.err = &errspkg.TransportError{Op: "release", Topic: l.Topic, Err: err}
		}
		l.tracker.active.Add(-1)
		if l.tracker.gauge != nil {
			l.tracker.gauge.Dec()
		}
	})
	return l.err
}
