package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	msgpkg "github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/bridge"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.DefaultRegistry.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("default factory round trips through the gochannel", func(t *testing.T) {
		cfg := &configpkg.Config{Transport: TransportName, ClientID: "local", BridgeTopics: []string{"events"}}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		bt := tr.(*bridge.Transport)
		assert.Equal(t, "channel", bt.Name())
		assert.Equal(t, "events", bt.Endpoint())

		got := make(chan *msgpkg.Message, 1)
		bt.OnMessage(func(_ context.Context, msg *msgpkg.Message) { got <- msg })
		require.NoError(t, bt.Connect(context.Background()))
		defer bt.Disconnect(context.Background())

		require.NoError(t, bt.Send(context.Background(), msgpkg.New("ping", "", nil)))
		select {
		case msg := <-got:
			assert.Equal(t, "ping", msg.Type)
			assert.Equal(t, "local", msg.From)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		shared := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		var gotCfg gochannel.Config
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			gotCfg = cfg
			return shared, shared
		}

		tr, err := Build(context.Background(), &configpkg.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, int64(OutputBuffer), gotCfg.OutputChannelBuffer)
		assert.Equal(t, configpkg.DefaultBridgeTopic, tr.Endpoint())
	})
}

func TestBuildThroughRegistry(t *testing.T) {
	registry := transport.NewRegistry()
	registry.RegisterWithCapabilities(TransportName, Build, Capabilities())

	tr, err := registry.Build(context.Background(), &configpkg.Config{Transport: "CHANNEL"}, nil)
	require.NoError(t, err)
	assert.Equal(t, TransportName, tr.Name())
}
