package runtime

import (
	"context"
	"fmt"
	"time"

	configpkg "github.com/drblury/idflow/internal/runtime/config"
	errspkg "github.com/drblury/idflow/internal/runtime/errors"
	"github.com/drblury/idflow/internal/runtime/identity"
	idspkg "github.com/drblury/idflow/internal/runtime/ids"
)

// VerifierConfig holds the collaborators of a Verifier.
type VerifierConfig struct {
	Waiter        *Waiter
	Publisher     *RequestPublisher
	RequestTopic  string
	ResponseTopic string
	Timeout       time.Duration

	// NewCorrelationID defaults to a random UUID.
	NewCorrelationID func() string
}

// Verifier asks the owning service whether an identity exists.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier validates cfg and fills defaults.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Waiter == nil {
		return nil, errspkg.ErrWaiterRequired
	}
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.RequestTopic == "" {
		cfg.RequestTopic = configpkg.DefaultRequestTopic
	}
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = configpkg.DefaultResponseTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = configpkg.DefaultResponseTimeout
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = idspkg.NewCorrelationID
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify publishes a CheckRequest for subjectID and waits for its answer.
// Callers must treat Result.Unverifiable as "fail closed".
func (v *Verifier) Verify(ctx context.Context, kind identity.Kind, subjectID *int64) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownKind, kind)
	}

	req := identity.CheckRequest{
		CorrelationID: v.cfg.NewCorrelationID(),
		Kind:          kind,
		SubjectID:     subjectID,
	}
	send := func(ctx context.Context) error {
		return v.cfg.Publisher.PublishJSON(ctx, v.cfg.RequestTopic, req, req.Metadata())
	}
	return v.cfg.Waiter.AwaitResponse(ctx, req.CorrelationID, v.cfg.ResponseTopic, v.cfg.Timeout, send)
}
