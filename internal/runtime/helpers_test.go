package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idflow/internal/directory"
	"github.com/drblury/idflow/internal/runtime/identity"
	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
	"github.com/drblury/idflow/transport"
	"github.com/drblury/idflow/transport/transporttest"
)

const (
	testRequestTopic  = "identity.check.requests"
	testResponseTopic = "identity.check.responses"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	return m
}

// scopeOver hands every identity the same recording subscriber and remembers
// which identities were requested.
type scopeOver struct {
	sub *transporttest.Subscriber
	err error

	mu         sync.Mutex
	identities []string
}

func (s *scopeOver) NewScopedSubscriber(_ context.Context, identity string) (message.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.identities = append(s.identities, identity)
	return s.sub, nil
}

func (s *scopeOver) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.identities...)
}

var _ transport.ScopedSubscriberFactory = (*scopeOver)(nil)

func responseMessage(t *testing.T, correlationID string, valid bool, name string) *message.Message {
	t.Helper()
	msg, err := identity.EncodeResponse(identity.CheckResponse{
		CorrelationID: correlationID,
		SubjectID:     identity.Subject(1),
		IsValid:       valid,
		ResolvedName:  name,
	})
	require.NoError(t, err)
	return msg
}

func requestMessage(t *testing.T, correlationID string, kind identity.Kind, subjectID *int64) *message.Message {
	t.Helper()
	msg, err := identity.EncodeRequest(identity.CheckRequest{
		CorrelationID: correlationID,
		Kind:          kind,
		SubjectID:     subjectID,
	})
	require.NoError(t, err)
	return msg
}

func isAcked(msg *message.Message) bool {
	select {
	case <-msg.Acked():
		return true
	default:
		return false
	}
}

func isNacked(msg *message.Message) bool {
	select {
	case <-msg.Nacked():
		return true
	default:
		return false
	}
}

// flakyPublisher fails the first failures publishes, then records.
type flakyPublisher struct {
	transporttest.Publisher
	failures int32
	calls    atomic.Int32
}

func (p *flakyPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.calls.Add(1) <= p.failures {
		return errors.New("broker unavailable")
	}
	return p.Publisher.Publish(topic, messages...)
}

// stubDirectory answers through a function so tests can fail or block lookups.
type stubDirectory struct {
	kinds  []identity.Kind
	lookup func(ctx context.Context, kind identity.Kind, subjectID *int64) (directory.Entry, error)
	calls  atomic.Int32
}

func (d *stubDirectory) Supports(kind identity.Kind) bool {
	for _, k := range d.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (d *stubDirectory) Lookup(ctx context.Context, kind identity.Kind, subjectID *int64) (directory.Entry, error) {
	d.calls.Add(1)
	return d.lookup(ctx, kind, subjectID)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
