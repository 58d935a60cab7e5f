package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrInvalidArgument   = sterrors.New("msgbus: invalid argument")
	ErrCapabilityMissing = sterrors.New("msgbus: transport does not support request/reply")
	ErrFilterFailure     = sterrors.New("msgbus: filter failed")
	ErrHandlerFailure    = sterrors.New("msgbus: handler failed")
	ErrTransportSend     = sterrors.New("msgbus: transport send failed")
	ErrRequestTimeout    = sterrors.New("msgbus: request timed out")
	ErrDeliveryTimeout   = sterrors.New("msgbus: delivery timed out")
	ErrSocketClosed      = sterrors.New("msgbus: socket closed")
	ErrSocketError       = sterrors.New("msgbus: socket error")
	ErrEndpointRequired  = sterrors.New("msgbus: endpoint is required")
	ErrHandlerRequired   = sterrors.New("msgbus: handler is required")
	ErrMessageRequired   = sterrors.New("msgbus: message is required")
	ErrTypeRequired      = sterrors.New("msgbus: message type is required")
	ErrIDRequired        = sterrors.New("msgbus: message id is required for request/reply")
	ErrConfigRequired    = sterrors.New("msgbus: configuration is required")
	ErrLoggerRequired    = sterrors.New("msgbus: logger is required")
	ErrRateLimited       = sterrors.New("msgbus: rate limit exceeded")

	ErrPayloadTypeRequired  = sterrors.New("msgbus: payload type is required")
	ErrPayloadPointerNeeded = sterrors.New("msgbus: payload type must be a pointer")
)

// DeliveryKind classifies where a per-subscriber failure happened.
type DeliveryKind string

const (
	KindFilter    DeliveryKind = "filter"
	KindHandler   DeliveryKind = "handler"
	KindTransport DeliveryKind = "transport"
	KindErrorHook DeliveryKind = "error_handler"
)

// DeliveryError describes a failure isolated to a single subscriber or to the
// remote forward of a published message.
type DeliveryError struct {
	Kind         DeliveryKind
	SubscriberID string
	MessageType  string
	Err          error
}

func (e *DeliveryError) Error() string {
	if e.SubscriberID == "" {
		return fmt.Sprintf("msgbus: %s failed for message %q: %v", e.Kind, e.MessageType, e.Err)
	}
	return fmt.Sprintf("msgbus: %s failed for subscriber %s on message %q: %v", e.Kind, e.SubscriberID, e.MessageType, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel that corresponds to the failure kind.
func (e *DeliveryError) Is(target error) bool {
	switch e.Kind {
	case KindFilter:
		return target == ErrFilterFailure
	case KindHandler:
		return target == ErrHandlerFailure
	case KindTransport:
		return target == ErrTransportSend
	}
	return false
}

// ConfigValidationError wraps configuration problems reported by Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "msgbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Invalid wraps ErrInvalidArgument with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
