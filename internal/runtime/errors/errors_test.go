package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "msgbus: invalid argument"},
		{"ErrCapabilityMissing", ErrCapabilityMissing, "msgbus: transport does not support request/reply"},
		{"ErrRequestTimeout", ErrRequestTimeout, "msgbus: request timed out"},
		{"ErrSocketClosed", ErrSocketClosed, "msgbus: socket closed"},
		{"ErrConfigRequired", ErrConfigRequired, "msgbus: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "msgbus: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestDeliveryErrorMatchesKindSentinel(t *testing.T) {
	inner := errors.New("boom")

	t.Run("handler", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &DeliveryError{Kind: KindHandler, SubscriberID: "s1", MessageType: "FieldChanged", Err: inner})
		if !errors.Is(err, ErrHandlerFailure) {
			t.Fatal("expected handler failure to match")
		}
		if errors.Is(err, ErrFilterFailure) {
			t.Fatal("handler failure must not match filter sentinel")
		}
		if !errors.Is(err, inner) {
			t.Fatal("expected inner error to be reachable")
		}
	})

	t.Run("filter timeout", func(t *testing.T) {
		err := &DeliveryError{Kind: KindFilter, Err: ErrDeliveryTimeout}
		if !errors.Is(err, ErrFilterFailure) || !errors.Is(err, ErrDeliveryTimeout) {
			t.Fatalf("expected filter failure and timeout, got %v", err)
		}
	})

	t.Run("transport message", func(t *testing.T) {
		err := &DeliveryError{Kind: KindTransport, MessageType: "FormSubmit", Err: inner}
		want := `msgbus: transport failed for message "FormSubmit": boom`
		if err.Error() != want {
			t.Fatalf("Error() = %q, want %q", err.Error(), want)
		}
		if !errors.Is(err, ErrTransportSend) {
			t.Fatal("expected transport send sentinel")
		}
	})
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "msgbus: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		if err := NewConfigValidationError(inner); !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestInvalid(t *testing.T) {
	err := Invalid("name %q is blank", " ")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
