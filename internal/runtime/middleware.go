package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	loggingpkg "github.com/drblury/idflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/idflow/internal/runtime/metadata"
)

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	// MaxRetries is the number of retries after the first call; 0 disables retrying.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
	Logger          watermill.LoggerAdapter
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the handler chain applied to every request, outermost first.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger, retry RetryMiddlewareConfig) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		RetryMiddleware(retry),
		RecovererMiddleware(),
	}
}

// RetryMiddleware retries handler execution using the provided configuration (defaults applied to zero values).
func RetryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Logger:          normalized.Logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if normalized.RetryIf != nil {
				return normalized.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

// RecovererMiddleware converts panics into handler errors so they can be retried.
func RecovererMiddleware() message.HandlerMiddleware {
	return middleware.Recoverer
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("idflow/responder")
			ctx, span := tracer.Start(msg.Context(), "HandleCheckRequest")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("idflow.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)
			outputs, err := h(msg)
			if err != nil {
				span.RecordError(err)
			}
			return outputs, err
		}
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// chain wraps h so that the first middleware runs outermost.
func chain(h message.HandlerFunc, middlewares ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}
