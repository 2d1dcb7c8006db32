package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrScopeClosed is returned when subscribing through a released scope.
var ErrScopeClosed = errors.New("transport: scoped subscriber is closed")

// SharedScope hands out views over a subscriber that already fans every
// message out to each Subscribe call (gochannel, core NATS without a queue
// group). A view's subscriptions end when the view is closed; the underlying
// subscriber stays open until the SharedScope itself is closed.
type SharedScope struct {
	sub   message.Subscriber
	owned bool

	mu     sync.Mutex
	closed bool
}

// NewSharedScope wraps sub. When owned is true, Close also closes sub.
func NewSharedScope(sub message.Subscriber, owned bool) *SharedScope {
	return &SharedScope{sub: sub, owned: owned}
}

func (s *SharedScope) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &scopeView{parent: s, identity: identity, ctx: ctx, cancel: cancel}, nil
}

// Close closes the underlying subscriber when the scope owns it.
func (s *SharedScope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.owned {
		return s.sub.Close()
	}
	return nil
}

type scopeView struct {
	parent   *SharedScope
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Subscribe ends the returned channel when either ctx or the view is done.
func (v *scopeView) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if v.ctx.Err() != nil {
		return nil, ErrScopeClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)

	messages, err := v.parent.sub.Subscribe(subCtx, topic)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	return messages, nil
}

func (v *scopeView) Close() error {
	v.cancel()
	return nil
}
