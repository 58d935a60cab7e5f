package handlers

import (
	"context"

	"github.com/drblury/msgbus/internal/runtime"
	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all message context types.
// It holds the envelope, metadata and logger shared by JSON and Proto handlers.
type MessageContextBase struct {
	Message  *runtime.Message
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

func newContextBase(msg *runtime.Message, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Message:  msg,
		Metadata: msg.Metadata,
		Logger:   logger,
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata.Get(key)
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata.Get(MetadataKeyCorrelationID)
}

// Reply answers the request being delivered in ctx. See runtime.Reply.
func (b MessageContextBase) Reply(ctx context.Context, payload any) bool {
	return runtime.Reply(ctx, payload)
}
