package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
)

func TestBrokerMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBrokerMetrics(reg)
	require.NoError(t, m.Register())

	m.recordPublished("orders.created")
	m.recordPublished("orders.created")
	m.recordDelivered("orders.created")
	m.recordError(errspkg.KindHandler, errors.New("boom"))
	m.observeDuration("orders.created", 5*time.Millisecond)
	m.setSubscribers(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("orders.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveredTotal.WithLabelValues("orders.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("handler")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1, testutil.CollectAndCount(m.deliveryDuration))

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(2), snapshot.Published)
	assert.Equal(t, uint64(1), snapshot.Delivered)
	assert.Equal(t, uint64(1), snapshot.Errors)
	assert.Equal(t, "boom", snapshot.LastError)
	assert.EqualError(t, m.LastError(), "boom")
	assert.False(t, snapshot.LastPublishAt.IsZero())
}

func TestBrokerMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewBrokerMetrics(reg)
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())

	second := NewBrokerMetrics(reg)
	assert.NoError(t, second.Register(), "already registered collectors are tolerated")
}

func TestBrokerMetrics_RegisterConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	conflicting := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "msgbus",
		Subsystem: "broker",
		Name:      "published_total",
		Help:      "different type, same name",
	})
	require.NoError(t, reg.Register(conflicting))

	m := NewBrokerMetrics(reg)
	assert.Error(t, m.Register())
}

func TestBrokerMetricsThroughBroker(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Subscribe(HandlerFunc(func(context.Context, *Message) error { return nil }), nil, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(HandlerFunc(func(context.Context, *Message) error { return errors.New("x") }), nil, nil)
	require.NoError(t, err)

	b.Publish(context.Background(), newTestMessage("m"))

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(2), m.Delivered)
	assert.Equal(t, uint64(1), m.Errors)
	assert.Equal(t, 2, m.Subscribers)

	collectors := b.BrokerMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(collectors.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.errorsTotal.WithLabelValues(string(errspkg.KindHandler))))
}
