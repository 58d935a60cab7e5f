package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
)

// DeliveryContext provides information about a single handler invocation to hooks.
type DeliveryContext struct {
	// SubscriberID identifies the subscriber receiving the message.
	SubscriberID string
	// MessageType is the type of the delivered message.
	MessageType string
	// Topic is the optional grouping key of the message.
	Topic string
	// MessageID is the message correlation identifier.
	MessageID string
	// Remote is true for messages that arrived through the transport.
	Remote bool
	// Metadata contains the message headers.
	Metadata metadatapkg.Metadata
	// Context is the delivery context, bounded by the delivery timeout.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnDeliveryDone and OnDeliveryError).
	Duration time.Duration
}

// DeliveryHooks defines callbacks for the handler lifecycle.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnDeliveryStart is called before the handler is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called when a handler returns without error.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called when a handler fails, panics or times out.
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DeliveryHooks) start(ctx DeliveryContext) {
	if h.OnDeliveryStart != nil {
		h.OnDeliveryStart(ctx)
	}
}

func (h DeliveryHooks) finish(ctx DeliveryContext, err error) {
	if err != nil {
		if h.OnDeliveryError != nil {
			h.OnDeliveryError(ctx, err)
		}
		return
	}
	if h.OnDeliveryDone != nil {
		h.OnDeliveryDone(ctx)
	}
}

// LoggingHooks returns pre-built hooks that log the delivery lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"subscriber_id": ctx.SubscriberID,
				"message_type":  ctx.MessageType,
				"message_id":    ctx.MessageID,
				"remote":        ctx.Remote,
			})
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Debug("Delivery completed", loggingpkg.LogFields{
				"subscriber_id": ctx.SubscriberID,
				"message_type":  ctx.MessageType,
				"message_id":    ctx.MessageID,
				"duration_ms":   ctx.Duration.Milliseconds(),
			})
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"subscriber_id": ctx.SubscriberID,
				"message_type":  ctx.MessageType,
				"message_id":    ctx.MessageID,
				"duration_ms":   ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that report deliveries by message type.
func MetricsHooks(onStart, onDone, onError func(messageType, topic string)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			if onStart != nil {
				onStart(ctx.MessageType, ctx.Topic)
			}
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			if onDone != nil {
				onDone(ctx.MessageType, ctx.Topic)
			}
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			if onError != nil {
				onError(ctx.MessageType, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on delivery errors.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryError: alertFunc,
	}
}
