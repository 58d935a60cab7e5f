// Package kafka bridges the broker to Apache Kafka through watermill-kafka.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ConsumerGroupPrefix prefixes the per-client consumer group used when the
// config does not name one.
const ConsumerGroupPrefix = "msgbus-"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the Kafka builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka bridge. Every broker joins its own consumer group
// unless one is configured, so each of them sees every message.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers", errspkg.ErrEndpointRequired)
	}
	clientID := cfg.GetClientID()
	if clientID == "" {
		clientID = idspkg.NewClientID()
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = ConsumerGroupPrefix + clientID
	}

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: kafka.DefaultSaramaSyncPublisherConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}

	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	// A broker only cares about messages published while it is running.
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         group,
		OverwriteSaramaConfig: saramaCfg,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("create kafka subscriber: %w", err)
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

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
