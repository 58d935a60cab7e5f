package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
)

type mockConfig struct {
	transport string
}

func (m *mockConfig) GetTransport() string                  { return m.transport }
func (m *mockConfig) GetClientID() string                   { return "" }
func (m *mockConfig) GetHTTPEndpoint() string               { return "" }
func (m *mockConfig) GetHTTPTimeout() time.Duration         { return 0 }
func (m *mockConfig) GetHTTPBreakerFailures() uint32        { return 0 }
func (m *mockConfig) GetHTTPBreakerCooldown() time.Duration { return 0 }
func (m *mockConfig) GetSocketURL() string                  { return "" }
func (m *mockConfig) GetAutoReconnect() bool                { return false }
func (m *mockConfig) GetReconnectDelay() time.Duration      { return 0 }
func (m *mockConfig) GetMaxReconnectDelay() time.Duration   { return 0 }
func (m *mockConfig) GetBridgeTopics() []string             { return nil }
func (m *mockConfig) GetKafkaBrokers() []string             { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string         { return "" }
func (m *mockConfig) GetRabbitMQURL() string                { return "" }
func (m *mockConfig) GetNATSURL() string                    { return "" }
func (m *mockConfig) GetJetStreamStream() string            { return "" }

func plainBuilder(name string) Builder {
	return func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return &sendOnly{name: name}, nil
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	reg.RegisterWithCapabilities("test-transport", plainBuilder("test-transport"), Capabilities{
		Name:             "test-transport",
		SupportsOrdering: true,
	})

	assert.True(t, reg.Has("test-transport"))
	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name)
	assert.True(t, caps.SupportsOrdering)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsOrdering)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", plainBuilder("test-transport"))

	tr, err := reg.Build(context.Background(), &mockConfig{transport: "Test-Transport"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-transport", tr.Name())
}

func TestRegistry_Build_Errors(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(ctx, nil, nil)
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := reg.Build(ctx, &mockConfig{transport: "unknown-transport"}, nil)
		assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
		assert.Contains(t, err.Error(), "unknown transport")
	})

	t.Run("builder error", func(t *testing.T) {
		expectedErr := errors.New("builder error")
		reg.Register("failing-transport", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
			return nil, expectedErr
		})
		_, err := reg.Build(ctx, &mockConfig{transport: "failing-transport"}, nil)
		assert.Equal(t, expectedErr, err)
	})
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("socket", plainBuilder("socket"))
	reg.Register("http", plainBuilder("http"))
	reg.Register("loopback", plainBuilder("loopback"))

	assert.Equal(t, []string{"http", "loopback", "socket"}, reg.Names())
	assert.False(t, reg.Has("other-transport"))
}

func TestDefaultRegistryFunctions(t *testing.T) {
	RegisterWithCapabilities("default-test", plainBuilder("default-test"), Capabilities{Name: "default-test"})
	Register("default-test-2", plainBuilder("default-test-2"))

	tr, err := Build(context.Background(), &mockConfig{transport: "default-test"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "default-test", tr.Name())
	assert.True(t, DefaultRegistry.Has("default-test-2"))
}

func TestProviderRegistry(t *testing.T) {
	providers := NewProviderRegistry()

	require.NoError(t, providers.Register("primary", &sendOnly{name: "primary"}))
	assert.ErrorIs(t, providers.Register("", &sendOnly{}), errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, providers.Register("missing", nil), errspkg.ErrInvalidArgument)

	got, ok := providers.Get("primary")
	require.True(t, ok)
	assert.Equal(t, "primary", got.Name())
	assert.Equal(t, []string{"primary"}, providers.List())

	providers.Clear()
	assert.False(t, providers.Has("primary"))
}
