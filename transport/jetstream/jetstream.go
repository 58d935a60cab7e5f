// Package jetstream bridges the broker to a NATS JetStream stream. Every
// broker gets its own ephemeral consumer, so all of them see every message
// published after they subscribed.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/transport"
	"github.com/drblury/msgbus/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 24 * time.Hour
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: pubsub is closed")

// Connect opens the NATS connection. Tests replace it.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register adds the JetStream builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Build connects to NATS, ensures the stream exists and returns a bridge
// over it.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("%w: nats url", errspkg.ErrEndpointRequired)
	}
	clientID := cfg.GetClientID()
	if clientID == "" {
		clientID = idspkg.NewClientID()
	}

	pubSub, err := New(Config{
		URL:        url,
		StreamName: cfg.GetJetStreamStream(),
		ClientID:   clientID,
	}, logger)
	if err != nil {
		return nil, err
	}

	return bridge.New(bridge.Options{
		Name:       TransportName,
		Publisher:  pubSub,
		Subscriber: pubSub,
		Topics:     cfg.GetBridgeTopics(),
		ClientID:   clientID,
		Logger:     logger,
	}), nil
}

// Config holds the JetStream settings.
type Config struct {
	URL string

	// StreamName is the JetStream stream; its subjects are StreamName.>.
	StreamName string

	// ClientID names the NATS connection.
	ClientID string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = configpkg.DefaultJetStreamStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      c.StreamName,
		Subjects:  []string{c.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    c.MaxAge,
		Replicas:  c.Replicas,
	}
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

// PubSub is a Watermill Publisher and Subscriber over JetStream.
type PubSub struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New connects to NATS and creates the stream when it does not exist.
func New(cfg Config, logger watermill.LoggerAdapter) (*PubSub, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL,
		nats.Name("msgbus-"+cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &PubSub{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *PubSub) ensureStream() error {
	_, err := p.js.StreamInfo(p.config.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("look up stream %s: %w", p.config.StreamName, err)
	}
	if _, err := p.js.AddStream(p.config.streamConfig()); err != nil {
		return fmt.Errorf("create stream %s: %w", p.config.StreamName, err)
	}
	p.logger.Info("JetStream stream created", watermill.LogFields{"stream": p.config.StreamName})
	return nil
}

func (p *PubSub) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Publish stores each message in the stream. The Watermill uuid doubles as
// the JetStream message id so retried publishes are deduplicated.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	subject := p.config.subject(topic)
	for _, msg := range messages {
		if _, err := p.js.PublishMsg(toNATS(subject, msg), nats.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe creates an ephemeral consumer that starts with the next message
// stored on topic. The returned channel is closed when ctx ends or on Close.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	subject := p.config.subject(topic)
	in := make(chan *nats.Msg, 64)
	sub, err := p.js.ChanSubscribe(subject, in,
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.MaxDeliver(p.config.MaxDeliver),
		nats.AckWait(p.config.AckWait),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	p.subs = append(p.subs, sub)

	out := make(chan *message.Message)
	p.wg.Add(1)
	go p.forward(ctx, sub, in, out)
	return out, nil
}

func (p *PubSub) forward(ctx context.Context, sub *nats.Subscription, in <-chan *nats.Msg, out chan<- *message.Message) {
	defer p.wg.Done()
	defer close(out)
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case natsMsg := <-in:
			if !p.handOver(ctx, natsMsg, out) {
				return
			}
		}
	}
}

// handOver sends one message downstream and settles it with the stream
// once the consumer acks or nacks. It reports false when the subscription
// is going away.
func (p *PubSub) handOver(ctx context.Context, natsMsg *nats.Msg, out chan<- *message.Message) bool {
	msg := toWatermill(natsMsg)
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			p.logger.Error("Failed to ack JetStream message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			p.logger.Error("Failed to nak JetStream message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
	return true
}

// Close stops every subscription and closes the connection.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.nc.Close()
	return nil
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(nats.MsgIdHdr)
	if uuid == "" {
		uuid = idspkg.CreateULID()
	}
	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
