package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/idflow/internal/runtime/clock"
	configpkg "github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	idspkg "github.com/drblury/idflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idflow/internal/runtime/metadata"
	"github.com/drblury/idflow/transport"
)

// Outcome is how a correlation wait ended.
type Outcome int

const (
	// OutcomeTimeout means no matching response arrived within the bound, or
	// the transport failed and the failure was degraded to a timeout.
	OutcomeTimeout Outcome = iota
	// OutcomeMatched means a response with the requested correlation id arrived.
	OutcomeMatched
	// OutcomeCanceled means the caller's context ended first.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the typed outcome of AwaitResponse. Response is only set for
// OutcomeMatched. Cause carries a transport failure that was degraded to a
// timeout, for diagnostics.
type Result struct {
	Outcome  Outcome
	Response identity.CheckResponse
	Elapsed  time.Duration
	Cause    error
}

// Matched reports whether a response was received.
func (r Result) Matched() bool { return r.Outcome == OutcomeMatched }

// Verified reports whether the identity was confirmed to exist.
func (r Result) Verified() bool { return r.Matched() && r.Response.IsValid }

// Unverifiable reports whether the caller has no answer and must fail closed.
func (r Result) Unverifiable() bool { return !r.Matched() }

// SendFunc publishes the request once the response subscription is in place.
type SendFunc func(ctx context.Context) error

// WaiterConfig holds the collaborators of a Waiter.
type WaiterConfig struct {
	Scope       transport.ScopedSubscriberFactory
	ScopePrefix string
	Clock       clock.Clock
	Logger      loggingpkg.ServiceLogger
	Metrics     *Metrics
	Tracker     *SubscriptionTracker
}

// Waiter turns a fire-and-forget publish into a bounded request/response call.
// It is safe for concurrent use; every call owns its own subscription.
type Waiter struct {
	scope   transport.ScopedSubscriberFactory
	prefix  string
	clock   clock.Clock
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	tracker *SubscriptionTracker
	tracer  trace.Tracer
}

// NewWaiter validates cfg and fills defaults.
func NewWaiter(cfg WaiterConfig) (*Waiter, error) {
	if cfg.Scope == nil {
		return nil, errspkg.ErrScopeRequired
	}
	if cfg.ScopePrefix == "" {
		cfg.ScopePrefix = configpkg.DefaultScopePrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopLogger()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewSubscriptionTracker(cfg.Metrics.subscriptionGauge())
	}
	return &Waiter{
		scope:   cfg.Scope,
		prefix:  cfg.ScopePrefix,
		clock:   clock.OrReal(cfg.Clock),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracker: cfg.Tracker,
		tracer:  otel.Tracer("idflow/waiter"),
	}, nil
}

// Tracker returns the tracker counting this waiter's subscriptions.
func (w *Waiter) Tracker() *SubscriptionTracker { return w.tracker }

// AwaitResponse subscribes to responseTopic under a fresh identity, calls send,
// and waits for the response carrying correlationID.
//
// Timeouts and transport failures while waiting are reported through Result,
// not as errors. The only errors are invalid arguments, a failed send, and
// ctx ending, which returns OutcomeCanceled together with ctx.Err(). The
// subscription is released before AwaitResponse returns.
func (w *Waiter) AwaitResponse(ctx context.Context, correlationID, responseTopic string, timeout time.Duration, send SendFunc) (Result, error) {
	switch {
	case correlationID == "":
		return Result{}, errspkg.ErrCorrelationIDRequired
	case responseTopic == "":
		return Result{}, errspkg.ErrTopicRequired
	case timeout <= 0:
		return Result{}, errspkg.ErrTimeoutRequired
	}

	start := w.clock.Now()
	timer := w.clock.NewTimer(timeout)
	defer timer.Stop()

	ctx, span := w.tracer.Start(ctx, "AwaitResponse", trace.WithAttributes(
		attribute.String("idflow.correlation_id", correlationID),
		attribute.String("idflow.response_topic", responseTopic),
	))
	defer span.End()

	log := w.logger.With(loggingpkg.LogFields{
		"correlation_id": correlationID,
		"topic":          responseTopic,
	})

	finish := func(res Result, err error) (Result, error) {
		res.Elapsed = w.clock.Now().Sub(start)
		w.metrics.observeOutcome(res.Outcome, res.Elapsed)
		span.SetAttributes(attribute.String("idflow.outcome", res.Outcome.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}

	lease, err := w.tracker.Acquire(ctx, w.scope, idspkg.NewScopeIdentity(w.prefix), responseTopic)
	if err != nil {
		log.Error("Scoped subscription failed; degrading to timeout", err, nil)
		w.metrics.transportError(StageSubscribe)
		return finish(Result{Outcome: OutcomeTimeout, Cause: err}, nil)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			log.Error("Failed to release scoped subscription", err, loggingpkg.LogFields{"identity": lease.Identity})
			w.metrics.transportError(StageRelease)
		}
	}()
	log = log.With(loggingpkg.LogFields{"identity": lease.Identity})

	if send != nil {
		if err := send(ctx); err != nil {
			w.metrics.transportError(StagePublish)
			return finish(Result{Outcome: OutcomeTimeout, Cause: err}, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return finish(Result{Outcome: OutcomeCanceled}, ctx.Err())

		case <-timer.C():
			log.Debug("No matching response before deadline", nil)
			return finish(Result{Outcome: OutcomeTimeout}, nil)

		case msg, ok := <-lease.Messages:
			if !ok {
				if ctx.Err() != nil {
					return finish(Result{Outcome: OutcomeCanceled}, ctx.Err())
				}
				log.Error("Scoped subscription closed by transport; degrading to timeout", errspkg.ErrSubscriptionClosed, nil)
				w.metrics.transportError(StageReceive)
				return finish(Result{Outcome: OutcomeTimeout, Cause: errspkg.ErrSubscriptionClosed}, nil)
			}
			msg.Ack()

			// Skip foreign responses by header before paying for a decode.
			if id := metadatapkg.FromWatermill(msg.Metadata).CorrelationID(); id != "" && id != correlationID {
				continue
			}
			resp, err := identity.DecodeResponse(msg)
			if err != nil {
				var decodeErr *errspkg.DecodeError
				if errors.As(err, &decodeErr) {
					decodeErr.Topic = responseTopic
				}
				log.Debug("Discarding malformed response", loggingpkg.LogFields{"error": err.Error()})
				w.metrics.decodeError()
				continue
			}
			if resp.CorrelationID != correlationID {
				continue
			}
			return finish(Result{Outcome: OutcomeMatched, Response: resp}, nil)
		}
	}
}
