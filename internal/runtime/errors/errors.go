package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired         = sterrors.New("idflow: service is required")
	ErrPublisherRequired       = sterrors.New("idflow: publisher is required")
	ErrSubscriberRequired      = sterrors.New("idflow: subscriber is required")
	ErrScopeRequired           = sterrors.New("idflow: scoped subscriber factory is required")
	ErrDirectoryRequired       = sterrors.New("idflow: directory is required")
	ErrWaiterRequired          = sterrors.New("idflow: waiter is required")
	ErrTopicRequired           = sterrors.New("idflow: topic is required")
	ErrCorrelationIDRequired   = sterrors.New("idflow: correlation id is required")
	ErrTimeoutRequired         = sterrors.New("idflow: timeout must be positive")
	ErrConfigRequired          = sterrors.New("idflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("idflow: logger is required")
	ErrPayloadRequired         = sterrors.New("idflow: payload is required")
	ErrUnknownKind             = sterrors.New("idflow: unknown identity kind")
	ErrPublisherClosed         = sterrors.New("idflow: publisher is closed")
	ErrSubscriptionClosed      = sterrors.New("idflow: subscription closed by transport")
	ErrResponderAlreadyRunning = sterrors.New("idflow: responder already running")

	// ErrDecode is matched by every *DecodeError via errors.Is.
	ErrDecode = sterrors.New("idflow: malformed message")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "idflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// TransportError reports a publish or subscribe call that failed at the bus level.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("idflow: %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError wraps a message body that could not be turned into an envelope.
type DecodeError struct {
	Topic       string
	MessageUUID string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("idflow: malformed message %s: %v", e.MessageUUID, e.Err)
	}
	return fmt.Sprintf("idflow: malformed message %s on %q: %v", e.MessageUUID, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
