// Package channel provides an in-memory transport over a Watermill
// gochannel. It is useful for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer of the gochannel.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing, or sharing one
// gochannel between several brokers.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a channel transport subscribed to the configured bridge
// topics.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return bridge.New(bridge.Options{
		Name:       TransportName,
		Publisher:  pub,
		Subscriber: sub,
		Topics:     cfg.GetBridgeTopics(),
		ClientID:   cfg.GetClientID(),
		Logger:     logger,
	}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
