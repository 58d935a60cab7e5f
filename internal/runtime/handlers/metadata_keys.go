package handlers

import metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"

// Metadata key constants used by the typed handlers.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID tracks related messages across processes.
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID

	// MetadataKeyPayloadSchema identifies the Go or proto type of an encoded payload.
	MetadataKeyPayloadSchema = "payload_schema"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = metadatapkg.KeyTraceID
)
