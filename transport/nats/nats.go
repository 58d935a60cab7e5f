// Package nats bridges the broker to NATS Core through watermill-nats.
package nats

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the NATS builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS Core bridge. JetStream is disabled and no queue group
// is used, so every broker receives every message on its subjects.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("%w: nats url", errspkg.ErrEndpointRequired)
	}
	clientID := cfg.GetClientID()
	if clientID == "" {
		clientID = idspkg.NewClientID()
	}

	marshaler := &nats.NATSMarshaler{}
	options := connectionOptions(clientID)
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:         url,
		NatsOptions: options,
		Unmarshaler: marshaler,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return bridge.New(bridge.Options{
		Name:       TransportName,
		Publisher:  publisher,
		Subscriber: subscriber,
		Topics:     cfg.GetBridgeTopics(),
		ClientID:   clientID,
		Logger:     logger,
	}), nil
}

func connectionOptions(clientID string) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("msgbus-" + clientID),
		natsgo.MaxReconnects(-1),
		natsgo.RetryOnFailedConnect(true),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
