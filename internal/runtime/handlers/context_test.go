package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	messagepkg "github.com/drblury/msgbus/internal/runtime/message"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
)

func TestMessageContextBase_Get(t *testing.T) {
	msg := messagepkg.New("t", "", nil)
	msg.Metadata = metadatapkg.Metadata{
		"key1": "value1",
		"key2": "value2",
	}

	ctx := newContextBase(msg, loggingpkg.NewDiscardLogger())

	assert.Same(t, msg, ctx.Message)
	assert.Equal(t, "value1", ctx.Get("key1"))
	assert.Equal(t, "value2", ctx.Get("key2"))
	assert.Equal(t, "", ctx.Get("nonexistent"))
}

func TestMessageContextBase_CorrelationID(t *testing.T) {
	tests := []struct {
		name     string
		metadata metadatapkg.Metadata
		want     string
	}{
		{
			name: "correlation ID present",
			metadata: metadatapkg.Metadata{
				MetadataKeyCorrelationID: "correlation-123",
			},
			want: "correlation-123",
		},
		{
			name:     "correlation ID absent",
			metadata: metadatapkg.Metadata{},
			want:     "",
		},
		{
			name:     "nil metadata",
			metadata: nil,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := MessageContextBase{Metadata: tt.metadata}
			assert.Equal(t, tt.want, ctx.CorrelationID())
		})
	}
}
