package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idflow/internal/directory"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	"github.com/drblury/idflow/transport/transporttest"
)

type responderFixture struct {
	sub       *transporttest.Subscriber
	pub       *flakyPublisher
	metrics   *Metrics
	responder *Responder

	cancel context.CancelFunc
	done   chan error
}

func newResponderFixture(t *testing.T, dir directory.Directory, mutate func(*ResponderConfig)) *responderFixture {
	t.Helper()
	f := &responderFixture{
		sub:     &transporttest.Subscriber{},
		pub:     &flakyPublisher{},
		metrics: newTestMetrics(t),
	}
	cfg := ResponderConfig{
		Subscriber:           f.sub,
		Publisher:            f.pub,
		Directory:            dir,
		RequestTopic:         testRequestTopic,
		ResponseTopic:        testResponseTopic,
		PublishAttempts:      3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		LookupRetries:        1,
		Logger:               newTestLogger(),
		Metrics:              f.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewResponder(cfg)
	require.NoError(t, err)
	f.responder = r
	return f
}

func (f *responderFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.responder.Run(ctx) }()
	eventually(t, func() bool { return f.responder.State() == StateRunning }, "responder should be running")
	t.Cleanup(cancel)
}

func (f *responderFixture) stop(t *testing.T) error {
	t.Helper()
	f.cancel()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
		return nil
	}
}

func (f *responderFixture) result(name string) float64 {
	return testutil.ToFloat64(f.metrics.responderResults.WithLabelValues(name))
}

func decodeSingleResponse(t *testing.T, pub *flakyPublisher) identity.CheckResponse {
	t.Helper()
	msgs := pub.Messages(testResponseTopic)
	require.Len(t, msgs, 1)
	resp, err := identity.DecodeResponse(msgs[0])
	require.NoError(t, err)
	return resp
}

func TestNewResponderValidates(t *testing.T) {
	sub := &transporttest.Subscriber{}
	pub := &transporttest.Publisher{}
	dir := directory.NewMemoryDirectory()

	_, err := NewResponder(ResponderConfig{Publisher: pub, Directory: dir})
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)
	_, err = NewResponder(ResponderConfig{Subscriber: sub, Directory: dir})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
	_, err = NewResponder(ResponderConfig{Subscriber: sub, Publisher: pub})
	assert.ErrorIs(t, err, errspkg.ErrDirectoryRequired)

	r, err := NewResponder(ResponderConfig{Subscriber: sub, Publisher: pub, Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, StateStarting, r.State())
	assert.Equal(t, 3, r.cfg.PublishAttempts)
}

func TestResponderAnswersFromDirectory(t *testing.T) {
	dir := directory.NewMemoryDirectory(identity.KindUser)
	dir.Put(identity.KindUser, 42, "alice")
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	found := requestMessage(t, "c-found", identity.KindUser, identity.Subject(42))
	f.sub.Feed(testRequestTopic, found)
	eventually(t, func() bool { return isAcked(found) }, "request should be acked")

	resp := decodeSingleResponse(t, f.pub)
	assert.Equal(t, "c-found", resp.CorrelationID)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "alice", resp.ResolvedName)
	require.NotNil(t, resp.SubjectID)
	assert.Equal(t, int64(42), *resp.SubjectID)
	assert.Equal(t, 1.0, f.result(ResultAnswered))

	require.NoError(t, f.stop(t))
	assert.Equal(t, StateStopped, f.responder.State())
}

func TestResponderAnswersMissingAndNullSubjects(t *testing.T) {
	dir := directory.NewMemoryDirectory(identity.KindPlayer)
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	missing := requestMessage(t, "c-missing", identity.KindPlayer, identity.Subject(7))
	null := requestMessage(t, "c-null", identity.KindPlayer, nil)
	f.sub.Feed(testRequestTopic, missing)
	f.sub.Feed(testRequestTopic, null)
	eventually(t, func() bool { return isAcked(missing) && isAcked(null) }, "requests should be acked")

	msgs := f.pub.Messages(testResponseTopic)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		resp, err := identity.DecodeResponse(msg)
		require.NoError(t, err)
		assert.False(t, resp.IsValid, resp.CorrelationID)
		assert.Empty(t, resp.ResolvedName)
	}
	require.NoError(t, f.stop(t))
}

func TestResponderSkipsUnsupportedKind(t *testing.T) {
	f := newResponderFixture(t, directory.NewMemoryDirectory(identity.KindUser), nil)
	f.start(t)

	msg := requestMessage(t, "c-player", identity.KindPlayer, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "skipped request should be acked")

	assert.Empty(t, f.pub.Messages(testResponseTopic), "other services answer this kind")
	assert.Equal(t, 1.0, f.result(ResultSkipped))
	require.NoError(t, f.stop(t))
}

func TestResponderDiscardsMalformedRequests(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	junk := message.NewMessage("junk-1", []byte(`{"kind":"user"`))
	f.sub.Feed(testRequestTopic, junk)
	unknownKind := message.NewMessage("junk-2", []byte(`{"correlationId":"c","kind":"admin","subjectId":1}`))
	f.sub.Feed(testRequestTopic, unknownKind)
	eventually(t, func() bool { return isAcked(junk) && isAcked(unknownKind) }, "malformed requests should be acked")

	assert.Empty(t, f.pub.Messages(testResponseTopic))
	assert.Equal(t, 2.0, f.result(ResultDecodeError))
	require.NoError(t, f.stop(t))
}

func TestResponderRetriesThenDropsFailedLookup(t *testing.T) {
	dir := &stubDirectory{
		kinds: []identity.Kind{identity.KindCreator},
		lookup: func(context.Context, identity.Kind, *int64) (directory.Entry, error) {
			return directory.Entry{}, errors.New("database unavailable")
		},
	}
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	msg := requestMessage(t, "c-fail", identity.KindCreator, identity.Subject(3))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "dropped request should be acked")

	assert.Equal(t, int32(2), dir.calls.Load(), "one try plus one retry")
	assert.Empty(t, f.pub.Messages(testResponseTopic))
	assert.Equal(t, 1.0, f.result(ResultLookupDropped))
	require.NoError(t, f.stop(t))
}

func TestResponderWithoutLookupRetriesDropsOnFirstFailure(t *testing.T) {
	dir := &stubDirectory{
		kinds: []identity.Kind{identity.KindUser},
		lookup: func(context.Context, identity.Kind, *int64) (directory.Entry, error) {
			return directory.Entry{}, errors.New("database unavailable")
		},
	}
	f := newResponderFixture(t, dir, func(cfg *ResponderConfig) { cfg.LookupRetries = 0 })
	f.start(t)

	msg := requestMessage(t, "c-once", identity.KindUser, identity.Subject(4))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "dropped request should be acked")

	assert.Equal(t, int32(1), dir.calls.Load(), "no retry")
	assert.Equal(t, 1.0, f.result(ResultLookupDropped))
	require.NoError(t, f.stop(t))
}

func TestResponderRecoversLookupAfterRetry(t *testing.T) {
	dir := &stubDirectory{kinds: []identity.Kind{identity.KindUser}}
	dir.lookup = func(context.Context, identity.Kind, *int64) (directory.Entry, error) {
		if dir.calls.Load() == 1 {
			return directory.Entry{}, errors.New("transient")
		}
		return directory.Entry{Exists: true, Name: "bob"}, nil
	}
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	msg := requestMessage(t, "c-retry", identity.KindUser, identity.Subject(5))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "request should be acked")

	assert.Equal(t, "bob", decodeSingleResponse(t, f.pub).ResolvedName)
	require.NoError(t, f.stop(t))
}

func TestResponderRecoversFromPanickingLookup(t *testing.T) {
	dir := &stubDirectory{
		kinds: []identity.Kind{identity.KindUser},
		lookup: func(context.Context, identity.Kind, *int64) (directory.Entry, error) {
			panic("lookup exploded")
		},
	}
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	msg := requestMessage(t, "c-panic", identity.KindUser, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "request should be acked")

	assert.Equal(t, 1.0, f.result(ResultLookupDropped))
	assert.Equal(t, StateRunning, f.responder.State(), "a panic does not stop the loop")
	require.NoError(t, f.stop(t))
}

func TestResponderRetriesPublish(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	dir.Put(identity.KindUser, 9, "carol")
	f := newResponderFixture(t, dir, nil)
	f.pub.failures = 2
	f.start(t)

	msg := requestMessage(t, "c-pub", identity.KindUser, identity.Subject(9))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "request should be acked")

	assert.Equal(t, "carol", decodeSingleResponse(t, f.pub).ResolvedName)
	assert.Equal(t, int32(3), f.pub.calls.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.publishAttempts))
	assert.Equal(t, 1.0, f.result(ResultAnswered))
	require.NoError(t, f.stop(t))
}

func TestResponderDropsResponseAfterPublishAttempts(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	f := newResponderFixture(t, dir, nil)
	f.pub.failures = 100
	f.start(t)

	msg := requestMessage(t, "c-drop", identity.KindUser, identity.Subject(9))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "request should be acked")

	assert.Equal(t, int32(3), f.pub.calls.Load(), "bounded by publish attempts")
	assert.Equal(t, 1.0, f.result(ResultPublishDropped))
	assert.Zero(t, f.result(ResultAnswered))
	require.NoError(t, f.stop(t))
}

func TestResponderDrainsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	dir := &stubDirectory{
		kinds: []identity.Kind{identity.KindUser},
		lookup: func(ctx context.Context, _ identity.Kind, _ *int64) (directory.Entry, error) {
			close(started)
			<-release
			return directory.Entry{Exists: true, Name: "dave"}, ctx.Err()
		},
	}
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	msg := requestMessage(t, "c-drain", identity.KindUser, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)
	<-started

	f.cancel()
	eventually(t, func() bool { return f.responder.State() == StateDraining }, "responder should be draining")
	assert.False(t, isAcked(msg), "in-flight request is not acked yet")

	close(release)
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}

	assert.True(t, isAcked(msg))
	assert.Equal(t, "dave", decodeSingleResponse(t, f.pub).ResolvedName, "the in-flight lookup is answered after shutdown began")
	assert.Equal(t, StateStopped, f.responder.State())
}

// stoppingContext reports cancellation through Err before Done is closed,
// the window between a delivery and the shutdown signal reaching the loop.
type stoppingContext struct {
	context.Context
	stopped atomic.Bool
}

func (c *stoppingContext) Err() error {
	if c.stopped.Load() {
		return context.Canceled
	}
	return c.Context.Err()
}

func unreachableDirectory() *stubDirectory {
	return &stubDirectory{
		kinds: []identity.Kind{identity.KindUser},
		lookup: func(context.Context, identity.Kind, *int64) (directory.Entry, error) {
			return directory.Entry{Exists: true, Name: "late"}, nil
		},
	}
}

func TestResponderNacksRequestDeliveredDuringShutdown(t *testing.T) {
	dir := unreachableDirectory()
	f := newResponderFixture(t, dir, nil)

	ctx := &stoppingContext{Context: context.Background()}
	done := make(chan error, 1)
	go func() { done <- f.responder.Run(ctx) }()
	eventually(t, func() bool { return f.responder.State() == StateRunning }, "responder should be running")

	ctx.stopped.Store(true)
	msg := requestMessage(t, "c-late", identity.KindUser, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}

	assert.True(t, isNacked(msg), "request is handed back for redelivery")
	assert.False(t, isAcked(msg))
	assert.Zero(t, dir.calls.Load(), "directory is not consulted")
	assert.Empty(t, f.pub.Messages(testResponseTopic))
	assert.Equal(t, StateStopped, f.responder.State())
}

func TestResponderLeavesRequestsAfterShutdownUnacked(t *testing.T) {
	dir := unreachableDirectory()
	f := newResponderFixture(t, dir, nil)
	f.start(t)

	f.cancel()
	msg := requestMessage(t, "c-after", identity.KindUser, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)

	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}

	// Either never read or nacked, depending on which select case won.
	assert.False(t, isAcked(msg), "an unanswered request is never acked")
	assert.Zero(t, dir.calls.Load())
	assert.Empty(t, f.pub.Messages(testResponseTopic))
	assert.Zero(t, f.result(ResultAnswered))
}

func TestResponderRunsOnce(t *testing.T) {
	f := newResponderFixture(t, directory.NewMemoryDirectory(), nil)
	f.start(t)

	assert.ErrorIs(t, f.responder.Run(context.Background()), errspkg.ErrResponderAlreadyRunning)
	require.NoError(t, f.stop(t))
}

func TestResponderSubscribeFailure(t *testing.T) {
	f := newResponderFixture(t, directory.NewMemoryDirectory(), nil)
	f.sub.Err = errors.New("no broker")

	err := f.responder.Run(context.Background())
	var te *errspkg.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "subscribe", te.Op)
	assert.Equal(t, testRequestTopic, te.Topic)
	assert.Equal(t, StateStopped, f.responder.State())
}

func TestResponderStopsWhenSubscriptionSevered(t *testing.T) {
	f := newResponderFixture(t, directory.NewMemoryDirectory(), nil)
	f.start(t)

	f.sub.Sever(testRequestTopic)
	select {
	case err := <-f.done:
		assert.ErrorIs(t, err, errspkg.ErrSubscriptionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not stop")
	}
}

func TestResponderRunsCustomMiddlewares(t *testing.T) {
	var seen []string
	record := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			seen = append(seen, msg.UUID)
			return h(msg)
		}
	}
	f := newResponderFixture(t, directory.NewMemoryDirectory(), func(cfg *ResponderConfig) {
		cfg.Middlewares = []message.HandlerMiddleware{record}
	})
	f.start(t)

	msg := requestMessage(t, "c-mw", identity.KindUser, identity.Subject(1))
	f.sub.Feed(testRequestTopic, msg)
	eventually(t, func() bool { return isAcked(msg) }, "request should be acked")
	require.NoError(t, f.stop(t))

	assert.Equal(t, []string{msg.UUID}, seen)
}

func TestResponderStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(7)", ResponderState(7).String())
}
