package runtime

import (
	"context"
	"fmt"

	loggingpkg "github.com/drblury/msgbus/internal/runtime/logging"
	messagepkg "github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
)

// Subscribers returns the live subscribers in insertion order.
func (b *Broker) Subscribers() []*Subscriber {
	return b.snapshot()
}

// SubscribersByType returns the subscribers whose filter accepts a probe
// message of msgType. Subscribers without a filter accept everything; a
// failing filter counts as a non-match.
func (b *Broker) SubscribersByType(ctx context.Context, msgType string) []*Subscriber {
	return b.probe(ctx, messagepkg.Probe(msgType, ""))
}

// SubscribersByTopic returns the subscribers whose filter accepts a probe
// message on topic.
func (b *Broker) SubscribersByTopic(ctx context.Context, topic string) []*Subscriber {
	return b.probe(ctx, messagepkg.Probe("", topic))
}

func (b *Broker) probe(ctx context.Context, probe *Message) []*Subscriber {
	var matched []*Subscriber
	for _, sub := range b.snapshot() {
		ok, err := b.evaluate(ctx, sub, probe, b.conf.DeliveryTimeout)
		if err == nil && ok {
			matched = append(matched, sub)
		}
	}
	return matched
}

// ReplayLast invokes handler synchronously with the last message published
// with type key. It reports whether such a message existed.
func (b *Broker) ReplayLast(ctx context.Context, key string, handler Handler) (bool, error) {
	msg, ok := b.lastMessages.Get(key)
	if !ok {
		b.Logger.Debug("No message to replay", loggingpkg.LogFields{"message_type": key})
		return false, nil
	}
	if handler == nil {
		return true, nil
	}
	return true, handler.Handle(ctx, msg)
}

// LastMessage returns the last message published with type key.
func (b *Broker) LastMessage(key string) (*Message, bool) {
	return b.lastMessages.Get(key)
}

// Metrics returns a snapshot of the delivery counters.
func (b *Broker) Metrics() Metrics {
	snapshot := b.metrics.Snapshot()
	b.subsMu.RLock()
	snapshot.Subscribers = b.subs.Len()
	b.subsMu.RUnlock()
	return snapshot
}

// BrokerMetrics exposes the underlying collectors.
func (b *Broker) BrokerMetrics() *BrokerMetrics {
	return b.metrics
}

// ConnectionID returns the identity assigned by the transport, if any.
func (b *Broker) ConnectionID() string {
	if id, ok := b.Provider().(transport.Identifier); ok {
		return id.ConnectionID()
	}
	return ""
}

// TransportName returns the attached transport's name, or "".
func (b *Broker) TransportName() string {
	if t := b.Provider(); t != nil {
		return t.Name()
	}
	return ""
}

// Endpoint returns the attached transport's endpoint, or "".
func (b *Broker) Endpoint() string {
	if t := b.Provider(); t != nil {
		return t.Endpoint()
	}
	return ""
}

// Capabilities describes the attached transport.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.Describe(b.Provider())
}

// LogLiveSubscribers writes the live subscriber list at debug level.
func (b *Broker) LogLiveSubscribers(label string) {
	subs := b.snapshot()
	b.Logger.Debug("Live subscribers", loggingpkg.LogFields{
		"label": label,
		"count": len(subs),
	})
	for i, sub := range subs {
		b.Logger.Trace(fmt.Sprintf("%d. %s", i+1, sub), nil)
	}
}
