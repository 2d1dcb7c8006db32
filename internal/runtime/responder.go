package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/idflow/internal/directory"
	configpkg "github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
)

// ResponderState is the lifecycle phase of a Responder.
type ResponderState int32

const (
	StateStarting ResponderState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s ResponderState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ResponderConfig holds the collaborators and tuning of a Responder.
type ResponderConfig struct {
	Subscriber    message.Subscriber
	Publisher     message.Publisher
	Directory     directory.Directory
	RequestTopic  string
	ResponseTopic string

	// PublishAttempts is the total number of tries for one response, at least 2.
	PublishAttempts      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// LookupRetries is how often a failed directory lookup is retried; 0 drops
	// the request after the first failure.
	LookupRetries int
	// HandleTimeout bounds the work on one request, including a request still
	// in flight when shutdown begins.
	HandleTimeout time.Duration

	// Middlewares run inside the default chain, closest to the handler.
	Middlewares []message.HandlerMiddleware

	Logger  loggingpkg.ServiceLogger
	Metrics *Metrics
}

func (cfg ResponderConfig) withDefaults() ResponderConfig {
	if cfg.RequestTopic == "" {
		cfg.RequestTopic = configpkg.DefaultRequestTopic
	}
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = configpkg.DefaultResponseTopic
	}
	if cfg.PublishAttempts < 2 {
		cfg.PublishAttempts = configpkg.DefaultPublishAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 100 * time.Millisecond
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = configpkg.DefaultHandleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopLogger()
	}
	return cfg
}

// Responder answers identity check requests from a local Directory. It is
// started once per process and runs until its context ends.
type Responder struct {
	cfg     ResponderConfig
	logger  loggingpkg.ServiceLogger
	handler message.HandlerFunc

	state   atomic.Int32
	started atomic.Bool
}

// NewResponder validates cfg and builds the handler chain.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Directory == nil {
		return nil, errspkg.ErrDirectoryRequired
	}
	cfg = cfg.withDefaults()

	r := &Responder{
		cfg: cfg,
		logger: cfg.Logger.With(loggingpkg.LogFields{
			"component": "responder",
			"topic":     cfg.RequestTopic,
		}),
	}

	middlewares := DefaultMiddlewares(r.logger, RetryMiddlewareConfig{
		MaxRetries:      cfg.LookupRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Logger:          loggingpkg.NewWatermillAdapter(r.logger),
	})
	middlewares = append(middlewares, cfg.Middlewares...)
	r.handler = chain(r.handle, middlewares...)
	return r, nil
}

// State reports the current lifecycle phase.
func (r *Responder) State() ResponderState {
	return ResponderState(r.state.Load())
}

func (r *Responder) setState(s ResponderState) {
	r.state.Store(int32(s))
}

// Run consumes requests until ctx ends. It returns an error when the request
// subscription cannot be opened or is closed by the transport; a shutdown
// through ctx returns nil once the in-flight request is complete.
func (r *Responder) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errspkg.ErrResponderAlreadyRunning
	}
	defer r.setState(StateStopped)

	// Cancelled only after the loop so an in-flight request can still be acked.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	messages, err := r.cfg.Subscriber.Subscribe(subCtx, r.cfg.RequestTopic)
	if err != nil {
		return &errspkg.TransportError{Op: "subscribe", Topic: r.cfg.RequestTopic, Err: err}
	}

	r.setState(StateRunning)
	stop := context.AfterFunc(ctx, func() {
		r.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	})
	defer stop()
	r.logger.Info("Responder running", nil)

	for {
		select {
		case <-ctx.Done():
			r.setState(StateDraining)
			r.logger.Info("Responder draining", nil)
			return nil

		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("Request subscription closed", errspkg.ErrSubscriptionClosed, nil)
				return errspkg.ErrSubscriptionClosed
			}
			if ctx.Err() != nil {
				// Delivered but not started: hand it back for redelivery.
				msg.Nack()
				r.setState(StateDraining)
				r.logger.Info("Responder draining; returned unprocessed request", loggingpkg.LogFields{"message_uuid": msg.UUID})
				return nil
			}
			r.process(ctx, msg)
		}
	}
}

// process runs one request to completion on a context detached from
// shutdown, then acks it.
func (r *Responder) process(parent context.Context, msg *message.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.HandleTimeout)
	defer cancel()
	msg.SetContext(ctx)
	defer msg.Ack()

	log := r.logger.With(loggingpkg.LogFields{"message_uuid": msg.UUID})

	outputs, err := r.handler(msg)
	if err != nil {
		log.Error("Dropping request after retries", err, nil)
		r.cfg.Metrics.responderResult(ResultLookupDropped)
		return
	}

	for _, out := range outputs {
		if err := r.publish(ctx, out); err != nil {
			log.Error("Dropping response after publish retries", err, loggingpkg.LogFields{
				"attempts": r.cfg.PublishAttempts,
			})
			r.cfg.Metrics.responderResult(ResultPublishDropped)
			return
		}
	}
	if len(outputs) > 0 {
		r.cfg.Metrics.responderResult(ResultAnswered)
	}
}

// handle is the innermost handler: decode, look up, build the response.
func (r *Responder) handle(msg *message.Message) ([]*message.Message, error) {
	req, err := identity.DecodeRequest(msg)
	if err != nil {
		r.logger.Error("Discarding malformed request", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		r.cfg.Metrics.responderResult(ResultDecodeError)
		return nil, nil
	}

	log := r.logger.With(loggingpkg.LogFields{
		"correlation_id": req.CorrelationID,
		"kind":           req.Kind.String(),
	})
	if !r.cfg.Directory.Supports(req.Kind) {
		log.Debug("Kind not served here; skipping", nil)
		r.cfg.Metrics.responderResult(ResultSkipped)
		return nil, nil
	}

	entry, err := r.cfg.Directory.Lookup(msg.Context(), req.Kind, req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", req.Kind, err)
	}

	out, err := identity.EncodeResponse(identity.CheckResponse{
		CorrelationID: req.CorrelationID,
		SubjectID:     req.SubjectID,
		IsValid:       entry.Exists,
		ResolvedName:  entry.Name,
	})
	if err != nil {
		return nil, err
	}
	out.SetContext(msg.Context())
	log.Debug("Answering identity check", loggingpkg.LogFields{"is_valid": entry.Exists})
	return []*message.Message{out}, nil
}

func (r *Responder) publish(ctx context.Context, msg *message.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitialInterval
	b.MaxInterval = r.cfg.RetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		r.cfg.Metrics.publishAttempt()
		return struct{}{}, r.cfg.Publisher.Publish(r.cfg.ResponseTopic, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.PublishAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Info("Retrying response publish", loggingpkg.LogFields{
				"attempt":  attempt,
				"retry_in": next.String(),
				"error":    err.Error(),
			})
		}),
	)
	if err != nil {
		return &errspkg.TransportError{Op: "publish", Topic: r.cfg.ResponseTopic, Err: err}
	}
	return nil
}
