package msgbus

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/msgbus/internal/runtime"
	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/msgbus/internal/runtime/handlers"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/msgbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	messagepkg "github.com/drblury/msgbus/internal/runtime/message"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
	transportpkg "github.com/drblury/msgbus/transport"
	_ "github.com/drblury/msgbus/transport/transports"
)

type (
	Config         = configpkg.Config
	Broker         = runtimepkg.Broker
	Dependencies   = runtimepkg.Dependencies
	DeliveryReport = runtimepkg.DeliveryReport
	ErrorHandler   = runtimepkg.ErrorHandler

	Message        = messagepkg.Message
	Handler        = runtimepkg.Handler
	HandlerFunc    = runtimepkg.HandlerFunc
	Filter         = runtimepkg.Filter
	FilterFunc     = runtimepkg.FilterFunc
	Subscriber     = runtimepkg.Subscriber
	SubscriberInfo = runtimepkg.SubscriberInfo

	Component        = runtimepkg.Component
	ComponentOptions = runtimepkg.ComponentOptions
	FilterRegistry   = runtimepkg.FilterRegistry

	Middleware                = runtimepkg.Middleware
	Next                      = runtimepkg.Next
	MiddlewareBuilder         = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration    = runtimepkg.MiddlewareRegistration
	RateLimitMiddlewareConfig = runtimepkg.RateLimitMiddlewareConfig

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	Metrics       = runtimepkg.Metrics
	BrokerMetrics = runtimepkg.BrokerMetrics

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	DeliveryError         = errspkg.DeliveryError
	DeliveryKind          = errspkg.DeliveryKind
	ConfigValidationError = errspkg.ConfigValidationError

	// Transport contract and optional capabilities
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	ProviderRegistry      = transportpkg.ProviderRegistry
	Broadcaster           = transportpkg.Broadcaster
	Requester             = transportpkg.Requester
	Replier               = transportpkg.Replier
	Receiver              = transportpkg.Receiver
	Connector             = transportpkg.Connector
	Responder             = transportpkg.Responder
	ReadyState            = transportpkg.ReadyState
)

var (
	New            = runtimepkg.New
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse

	NewMessage = messagepkg.New
	NewReply   = messagepkg.NewReply

	Predicate = runtimepkg.Predicate
	ByType    = runtimepkg.ByType
	ByTopic   = runtimepkg.ByTopic

	Reply            = runtimepkg.Reply
	IsRequestContext = runtimepkg.IsRequestContext

	NewComponent      = runtimepkg.NewComponent
	NewFilterRegistry = runtimepkg.NewFilterRegistry
	ResolveFilter     = runtimepkg.ResolveFilter

	DefaultMiddlewares            = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware       = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware         = runtimepkg.LogMessagesMiddleware
	LogSubscribersMiddleware      = runtimepkg.LogSubscribersMiddleware
	TracerMiddleware              = runtimepkg.TracerMiddleware
	RateLimitMiddleware           = runtimepkg.RateLimitMiddleware
	ConfiguredRateLimitMiddleware = runtimepkg.ConfiguredRateLimitMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewBrokerMetrics = runtimepkg.NewBrokerMetrics

	// Transport registry. Every built-in transport is registered by
	// importing this package.
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.RegisterWithCapabilities
	BuildTransport           = transportpkg.Build
	DescribeTransport        = transportpkg.Describe
	NewProviderRegistry      = transportpkg.NewProviderRegistry

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrInvalidArgument   = errspkg.ErrInvalidArgument
	ErrCapabilityMissing = errspkg.ErrCapabilityMissing
	ErrFilterFailure     = errspkg.ErrFilterFailure
	ErrHandlerFailure    = errspkg.ErrHandlerFailure
	ErrTransportSend     = errspkg.ErrTransportSend
	ErrRequestTimeout    = errspkg.ErrRequestTimeout
	ErrDeliveryTimeout   = errspkg.ErrDeliveryTimeout
	ErrSocketClosed      = errspkg.ErrSocketClosed
	ErrSocketError       = errspkg.ErrSocketError
	ErrEndpointRequired  = errspkg.ErrEndpointRequired
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrTypeRequired      = errspkg.ErrTypeRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrMessageRequired   = errspkg.ErrMessageRequired
	ErrIDRequired        = errspkg.ErrIDRequired
	ErrRateLimited       = errspkg.ErrRateLimited

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewConsoleLogger        = loggingpkg.NewConsoleLogger
	NewDiscardLogger        = loggingpkg.NewDiscardLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	EncodeProto = handlerpkg.EncodeProto
)

// Metadata keys set by the built-in middleware and typed handlers.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyPayloadSchema = handlerpkg.MetadataKeyPayloadSchema
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
)

// Reserved message types.
const (
	TypeConnectionID = messagepkg.TypeConnectionID
	TypeError        = messagepkg.TypeError
	TypePing         = messagepkg.TypePing
)

// NewFromConfig builds the transport named by conf.Transport from the
// default registry and returns a broker using it. An empty name yields a
// broker that dispatches locally only. deps.Transport, when set, wins over
// the config.
func NewFromConfig(ctx context.Context, conf *Config, logger ServiceLogger, deps Dependencies) (*Broker, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	if logger == nil {
		return nil, ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if deps.Transport == nil && strings.TrimSpace(conf.Transport) != "" {
		t, err := transportpkg.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("build transport %s: %w", conf.Transport, err)
		}
		deps.Transport = t
	}
	return runtimepkg.New(conf, logger, deps)
}

// JSON adapts fn into a handler that decodes the payload into T.
func JSON[T any](fn func(ctx context.Context, msg *Message, payload T) error) HandlerFunc {
	return handlerpkg.JSON(fn)
}

// Proto adapts fn into a handler that decodes the payload into T through
// protojson.
func Proto[T proto.Message](fn func(ctx context.Context, msg *Message, payload T) error) HandlerFunc {
	return handlerpkg.Proto(fn)
}

func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger ServiceLogger) (HandlerFunc, error) {
	return handlerpkg.BuildJSONHandler(handler, logger)
}

func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error, logger ServiceLogger) (HandlerFunc, error) {
	return handlerpkg.BuildProtoHandler(prototype, handler, validate, logger)
}
