// Package bridge carries broker messages over a Watermill Publisher and
// Subscriber pair. The channel, kafka, rabbitmq and nats transports are thin
// builders around it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmessage "github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/msgbus/internal/runtime/config"
	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	idspkg "github.com/drblury/msgbus/internal/runtime/ids"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	metadatapkg "github.com/drblury/msgbus/internal/runtime/metadata"
	"github.com/drblury/msgbus/transport"
)

// Options configures New.
type Options struct {
	// Name is reported by Transport.Name and selects the registered
	// capabilities.
	Name       string
	Publisher  wmessage.Publisher
	Subscriber wmessage.Subscriber

	// Topics are subscribed on Connect. Defaults to the bridge default
	// topic.
	Topics []string

	// DefaultTopic receives every sent message. Defaults to the first entry
	// of Topics. The message topic travels in the envelope and does not
	// select the backend topic.
	DefaultTopic string

	// ClientID stamps outgoing messages that have no sender.
	ClientID string
	Logger   watermill.LoggerAdapter
}

// Transport publishes every message to the broker backend and feeds the
// messages of its subscribed topics to the inbound callback.
type Transport struct {
	name         string
	publisher    wmessage.Publisher
	subscriber   wmessage.Subscriber
	topics       []string
	defaultTopic string
	clientID     string
	logger       watermill.LoggerAdapter

	mu        sync.Mutex
	inbound   transport.InboundFunc
	connected bool
	cancel    context.CancelFunc
	consumers sync.WaitGroup
}

// New creates a bridge transport. It does not subscribe until Connect.
func New(opts Options) *Transport {
	t := &Transport{
		name:         opts.Name,
		publisher:    opts.Publisher,
		subscriber:   opts.Subscriber,
		topics:       opts.Topics,
		defaultTopic: opts.DefaultTopic,
		clientID:     opts.ClientID,
		logger:       opts.Logger,
	}
	if t.name == "" {
		t.name = "bridge"
	}
	if len(t.topics) == 0 {
		t.topics = []string{configpkg.DefaultBridgeTopic}
	}
	if t.defaultTopic == "" {
		t.defaultTopic = t.topics[0]
	}
	if t.clientID == "" {
		t.clientID = idspkg.NewClientID()
	}
	if t.logger == nil {
		t.logger = watermill.NopLogger{}
	}
	return t
}

func (t *Transport) Name() string { return t.name }

// Endpoint lists the subscribed topics.
func (t *Transport) Endpoint() string { return strings.Join(t.topics, ",") }

// Topics returns the topics subscribed on Connect.
func (t *Transport) Topics() []string { return append([]string(nil), t.topics...) }

// ReadyState is open between Connect and Disconnect.
func (t *Transport) ReadyState() transport.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return transport.StateOpen
	}
	return transport.StateClosed
}

// Send publishes msg to the default topic. Peers filter on the topic carried
// in the envelope.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	if err := msg.Validate(); err != nil {
		return errspkg.Invalid("bridge send: %v", err)
	}
	out := msg.Clone()
	out.Stamp(t.clientID, idspkg.CreateULID)

	wm, err := Encode(out)
	if err != nil {
		return err
	}
	wm.SetContext(ctx)

	topic := t.defaultTopic
	if err := t.publisher.Publish(topic, wm); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %w", errspkg.ErrTransportSend, out.Type, topic, err)
	}
	t.logger.Trace("Bridge published message", watermill.LogFields{
		"message_type": out.Type,
		"message_id":   out.ID,
		"topic":        topic,
		"uuid":         wm.UUID,
	})
	return nil
}

// SendBroadcast is Send: every subscriber of the default topic receives it.
func (t *Transport) SendBroadcast(ctx context.Context, msg *message.Message) error {
	return t.Send(ctx, msg)
}

// OnMessage sets the callback for messages received from the backend.
func (t *Transport) OnMessage(fn transport.InboundFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = fn
}

// Connect subscribes to every configured topic. The subscriptions live
// until Disconnect, independent of ctx.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if t.subscriber == nil {
		t.connected = true
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, topic := range t.topics {
		ch, err := t.subscriber.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			return fmt.Errorf("%w: subscribe %s: %w", errspkg.ErrTransportSend, topic, err)
		}
		t.consumers.Add(1)
		go t.consume(subCtx, topic, ch)
	}
	t.cancel = cancel
	t.connected = true
	t.logger.Info("Bridge subscribed", watermill.LogFields{
		"transport": t.name,
		"topics":    t.Endpoint(),
	})
	return nil
}

func (t *Transport) consume(ctx context.Context, topic string, ch <-chan *wmessage.Message) {
	defer t.consumers.Done()
	for wm := range ch {
		msg, err := Decode(wm)
		if err != nil {
			// Redelivering a frame that cannot be decoded never succeeds.
			t.logger.Error("Dropping undecodable bridge message", err, watermill.LogFields{
				"topic": topic,
				"uuid":  wm.UUID,
			})
			wm.Ack()
			continue
		}
		t.deliver(ctx, msg)
		wm.Ack()
	}
}

func (t *Transport) deliver(ctx context.Context, msg *message.Message) {
	t.mu.Lock()
	fn := t.inbound
	t.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Bridge inbound callback panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{
				"message_id":   msg.ID,
				"message_type": msg.Type,
			})
		}
	}()
	fn(ctx, msg)
}

// Disconnect cancels the subscriptions, waits for the consumers and closes
// the publisher and subscriber.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if t.subscriber != nil {
		if err := t.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	t.consumers.Wait()
	if t.publisher != nil && !samePubSub(t.publisher, t.subscriber) {
		if err := t.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	t.logger.Info("Bridge closed", watermill.LogFields{"transport": t.name})
	return errors.Join(errs...)
}

// samePubSub reports whether pub and sub are one object, as with gochannel.
func samePubSub(pub wmessage.Publisher, sub wmessage.Subscriber) bool {
	if sub == nil {
		return false
	}
	other, ok := sub.(wmessage.Publisher)
	return ok && other == pub
}

// Encode wraps msg in a Watermill message. The payload is the JSON envelope,
// the uuid a fresh ULID and the headers carry the metadata plus the message
// type and topic.
func Encode(msg *message.Message) (*wmessage.Message, error) {
	data, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.Type, err)
	}
	wm := wmessage.NewMessage(idspkg.CreateULID(), data)
	wm.Metadata = metadatapkg.ToWatermill(msg.Metadata)
	wm.Metadata.Set(metadatapkg.KeyMessageType, msg.Type)
	if msg.Topic != "" {
		wm.Metadata.Set(metadatapkg.KeyTopic, msg.Topic)
	}
	return wm, nil
}

// Decode is the inverse of Encode. Headers added on the way by the backend
// are merged into the message metadata.
func Decode(wm *wmessage.Message) (*message.Message, error) {
	msg := &message.Message{}
	if err := jsoncodec.Unmarshal(wm.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode bridge payload: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	headers := metadatapkg.FromWatermill(wm.Metadata)
	delete(headers, metadatapkg.KeyMessageType)
	delete(headers, metadatapkg.KeyTopic)
	if len(headers) > 0 {
		msg.Metadata = headers.WithAll(msg.Metadata)
	}
	return msg, nil
}
