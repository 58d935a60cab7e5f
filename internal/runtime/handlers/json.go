// Package handlers adapts typed functions to broker handlers. Payloads are
// decoded from whatever the transport produced (raw JSON, decoded maps or
// values already of the target type).
package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/msgbus/internal/runtime"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/msgbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
)

// JSONMessageContext exposes the decoded payload and metadata for JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed JSON handler into a broker handler. T must
// be a pointer so every delivery decodes into a fresh value.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (runtime.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *runtime.Message) error {
		typed := prototypeFactory()
		if err := decodeJSONPayload(msg.Payload, typed); err != nil {
			return fmt.Errorf("failed to decode %T payload: %w", typed, err)
		}

		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: newContextBase(msg, logger),
			Payload:            typed,
		})
	}, nil
}

// JSON decodes each payload into a T and calls fn with it.
func JSON[T any](fn func(ctx context.Context, msg *runtime.Message, payload T) error) runtime.HandlerFunc {
	return func(ctx context.Context, msg *runtime.Message) error {
		if v, ok := msg.Payload.(T); ok {
			return fn(ctx, msg, v)
		}
		var payload T
		if err := decodeJSONPayload(msg.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %T payload: %w", payload, err)
		}
		return fn(ctx, msg, payload)
	}
}

func decodeJSONPayload(payload, dst any) error {
	switch p := payload.(type) {
	case nil:
		return nil
	case []byte:
		return jsoncodec.Unmarshal(p, dst)
	default:
		return jsoncodec.Convert(p, dst)
	}
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Pointer {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
