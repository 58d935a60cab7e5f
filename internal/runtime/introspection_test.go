package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/msgbus/transport"
)

func TestSubscribersByTypeAndTopic(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	noop := func() Handler { return HandlerFunc(func(context.Context, *Message) error { return nil }) }

	orders, err := b.Subscribe(noop(), ByType("orders.created", "orders.deleted"), nil)
	require.NoError(t, err)
	topic, err := b.Subscribe(noop(), ByTopic("billing"), nil)
	require.NoError(t, err)
	all, err := b.Subscribe(noop(), nil, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(noop(), FilterFunc(func(context.Context, *Message) (bool, error) {
		return true, errors.New("broken filter")
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, []*Subscriber{orders, all}, b.SubscribersByType(context.Background(), "orders.created"))
	assert.Equal(t, []*Subscriber{topic, all}, b.SubscribersByTopic(context.Background(), "billing"))
	assert.Equal(t, []*Subscriber{all}, b.SubscribersByType(context.Background(), "unknown"))
	assert.Len(t, b.Subscribers(), 4)
	assert.Equal(t, uint64(0), b.Metrics().Errors, "probing does not count as delivery")
}

func TestReplayLast(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)

	found, err := b.ReplayLast(context.Background(), "state", HandlerFunc(func(context.Context, *Message) error {
		t.Fatal("nothing to replay")
		return nil
	}))
	require.NoError(t, err)
	assert.False(t, found)

	first := newTestMessage("state")
	first.Payload = 1
	second := newTestMessage("state")
	second.Payload = 2
	b.Publish(context.Background(), first)
	b.Publish(context.Background(), second)

	var replayed *Message
	found, err = b.ReplayLast(context.Background(), "state", HandlerFunc(func(_ context.Context, m *Message) error {
		replayed = m
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, replayed.Payload)

	last, ok := b.LastMessage("state")
	assert.True(t, ok)
	assert.Same(t, second, last)

	boom := errors.New("boom")
	_, err = b.ReplayLast(context.Background(), "state", HandlerFunc(func(context.Context, *Message) error { return boom }))
	assert.ErrorIs(t, err, boom)

	found, err = b.ReplayLast(context.Background(), "state", nil)
	assert.True(t, found)
	assert.NoError(t, err)
}

func TestCapabilitiesOfAttachedTransport(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t, withTransport(newFakeTransport()))
	caps := b.Capabilities()
	assert.True(t, caps.CanBroadcast)
	assert.True(t, caps.CanRequest)
	assert.True(t, caps.CanReceive)
	assert.True(t, caps.CanConnect)
	assert.True(t, caps.HasReadyState)
	assert.True(t, caps.HasConnection)

	b.SetProvider(&sendOnlyTransport{})
	caps = b.Capabilities()
	assert.False(t, caps.CanRequest)
	assert.False(t, caps.CanBroadcast)

	b.SetProvider(nil)
	assert.Equal(t, transport.Capabilities{}, b.Capabilities())
}

func TestLogLiveSubscribers(t *testing.T) {
	t.Parallel()

	b, log := newTestBroker(t)
	_, err := b.Subscribe(HandlerFunc(func(context.Context, *Message) error { return nil }), nil, "owner")
	require.NoError(t, err)

	b.LogLiveSubscribers("startup")
	assert.True(t, log.has("debug", "Live subscribers"))
	traces := 0
	for _, e := range log.entries() {
		if e.level == "trace" && len(e.msg) > 3 && e.msg[:3] == "1. " {
			traces++
		}
	}
	assert.Equal(t, 1, traces)
}
