package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	"github.com/drblury/msgbus/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/msgbus"

// MiddlewareBuilder constructs a middleware using the provided broker instance.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Broker) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be installed on a Broker.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RateLimitMiddlewareConfig customises the rate limit middleware behaviour.
type RateLimitMiddlewareConfig struct {
	// Limiter is used as is when set. Otherwise one is built from Limit and Burst.
	Limiter *rate.Limiter
	Limit   rate.Limit
	Burst   int
	// Drop discards messages over the limit instead of waiting for a token.
	Drop   bool
	Logger loggingpkg.ServiceLogger
}

func (cfg RateLimitMiddlewareConfig) limiter() *rate.Limiter {
	if cfg.Limiter != nil {
		return cfg.Limiter
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(cfg.Limit, burst)
}

// DefaultMiddlewares returns the standard chain installed by New.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		TracerMiddleware(nil),
		ConfiguredRateLimitMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each published message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of published messages.
// A nil logger falls back to the broker logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Broker) (Middleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// LogSubscribersMiddleware logs the live subscriber list before every delivery.
func LogSubscribersMiddleware(label string) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_subscribers",
		Builder: func(b *Broker) (Middleware, error) {
			return func(ctx context.Context, msg *Message, next Next) {
				b.LogLiveSubscribers(label)
				next(ctx, msg)
			}, nil
		},
	}
}

// TracerMiddleware wraps each publish in an OpenTelemetry span. A nil tracer
// uses the global tracer provider.
func TracerMiddleware(tracer trace.Tracer) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(b *Broker) (Middleware, error) {
			t := tracer
			if t == nil {
				t = otel.Tracer(tracerName)
			}
			return tracerMiddleware(t), nil
		},
	}
}

// RateLimitMiddleware throttles publishes with a token bucket.
func RateLimitMiddleware(cfg RateLimitMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "rate_limit",
		Builder: func(b *Broker) (Middleware, error) {
			if cfg.Limiter == nil && cfg.Limit <= 0 {
				return nil, errors.New("rate limit middleware requires a limiter or a positive limit")
			}
			l := cfg.Logger
			if l == nil {
				l = b.Logger
			}
			return rateLimitMiddleware(cfg.limiter(), cfg.Drop, l), nil
		},
	}
}

// ConfiguredRateLimitMiddleware installs RateLimitMiddleware when the broker
// config sets a positive rate limit. Otherwise it is skipped.
func ConfiguredRateLimitMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "configured_rate_limit",
		Builder: func(b *Broker) (Middleware, error) {
			if b.conf.RateLimit <= 0 {
				return nil, nil
			}
			return rateLimitMiddleware(
				rate.NewLimiter(rate.Limit(b.conf.RateLimit), max(b.conf.RateBurst, 1)),
				false,
				b.Logger,
			), nil
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the chain.
func (b *Broker) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return fmt.Errorf("middleware %s: %w", cfg.Name, err)
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	return b.Use(mw)
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(ctx context.Context, msg *Message, next Next) {
	if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
		msg = msg.Clone()
		msg.SetMeta(metadata.KeyCorrelationID, idspkg.CreateULID())
	}
	next(ctx, msg)
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(ctx context.Context, msg *Message, next Next) {
		logger.Debug("Publishing message", loggingpkg.LogFields{
			"message_id":   msg.ID,
			"message_type": msg.Type,
			"topic":        msg.Topic,
			"payload":      fmt.Sprintf("%v", msg.Payload),
			"metadata":     msg.Metadata,
		})
		next(ctx, msg)
	}
}

func tracerMiddleware(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, msg *Message, next Next) {
		ctx, span := tracer.Start(ctx, "Publish "+msg.Type, trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()

		span.SetAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
			attribute.String("message.topic", msg.Topic),
			attribute.Bool("message.remote", msg.Remote),
		)
		next(ctx, msg)
	}
}

func rateLimitMiddleware(limiter *rate.Limiter, drop bool, logger loggingpkg.ServiceLogger) Middleware {
	return func(ctx context.Context, msg *Message, next Next) {
		if drop {
			if !limiter.Allow() {
				logger.Error("Rate limit exceeded, dropping message", errspkg.ErrRateLimited, loggingpkg.LogFields{
					"message_type": msg.Type,
					"message_id":   msg.ID,
				})
				return
			}
			next(ctx, msg)
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetStatus(codes.Error, err.Error())
			}
			logger.Error("Rate limit wait aborted, dropping message", err, loggingpkg.LogFields{
				"message_type": msg.Type,
				"message_id":   msg.ID,
			})
			return
		}
		next(ctx, msg)
	}
}
