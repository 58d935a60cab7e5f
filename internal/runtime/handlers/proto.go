package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/msgbus/internal/runtime"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/msgbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
)

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes a typed protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// BuildProtoHandler converts the typed handler into a broker handler. validate,
// when set, runs on every decoded payload before the handler.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error, logger loggingpkg.ServiceLogger) (runtime.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, msg *runtime.Message) error {
		typed, err := decodeProtoPayload(prototype, msg.Payload)
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return err
			}
		}

		return handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: newContextBase(msg, logger),
			Payload:            typed,
		})
	}, nil
}

// Proto decodes each payload into a fresh T through protojson and calls fn.
// It panics when T is not a pointer to a generated message.
func Proto[T proto.Message](fn func(ctx context.Context, msg *runtime.Message, payload T) error) runtime.HandlerFunc {
	var zero T
	prototype, err := EnsureProtoPrototype(zero)
	if err != nil {
		panic(fmt.Sprintf("msgbus: %v", err))
	}
	return func(ctx context.Context, msg *runtime.Message) error {
		typed, err := decodeProtoPayload(prototype, msg.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, msg, typed)
	}
}

// EncodeProto converts m into a JSON-compatible payload and records its full
// name under MetadataKeyPayloadSchema in the returned metadata.
func EncodeProto(m proto.Message, md metadatapkg.Metadata) (any, metadatapkg.Metadata, error) {
	if m == nil {
		return nil, md, errors.New("proto message is required")
	}
	data, err := protojson.Marshal(m)
	if err != nil {
		return nil, md, fmt.Errorf("failed to marshal %T: %w", m, err)
	}
	var payload map[string]any
	if err := jsoncodec.Unmarshal(data, &payload); err != nil {
		return nil, md, err
	}
	return payload, md.With(MetadataKeyPayloadSchema, string(m.ProtoReflect().Descriptor().FullName())), nil
}

func decodeProtoPayload[T proto.Message](prototype T, payload any) (T, error) {
	typed, err := clonePrototype(prototype)
	if err != nil {
		return typed, err
	}

	var data []byte
	switch p := payload.(type) {
	case nil:
		return typed, nil
	case T:
		proto.Merge(typed, p)
		return typed, nil
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		data, err = jsoncodec.Marshal(p)
		if err != nil {
			return typed, fmt.Errorf("failed to encode %T payload: %w", payload, err)
		}
	}

	if err := protoUnmarshal.Unmarshal(data, typed); err != nil {
		return typed, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
	}
	return typed, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Pointer {
		return zero, errspkg.ErrPayloadPointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
