package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
)

// Metrics is a point-in-time view of the broker counters. The counters only
// grow; they are reset by constructing a new broker.
type Metrics struct {
	Published     uint64    `json:"published"`
	Delivered     uint64    `json:"delivered"`
	Errors        uint64    `json:"errors"`
	Subscribers   int       `json:"subscribers"`
	LastError     string    `json:"last_error,omitempty"`
	LastPublishAt time.Time `json:"last_publish_at,omitempty"`
}

// BrokerMetrics tracks delivery statistics in memory and mirrors them to
// Prometheus collectors.
type BrokerMetrics struct {
	published atomic.Uint64
	delivered atomic.Uint64
	errors    atomic.Uint64

	mu            sync.RWMutex
	lastError     error
	lastPublishAt time.Time

	publishedTotal   *prometheus.CounterVec
	deliveredTotal   *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	subscribers      prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newBrokerCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgbus",
			Subsystem: "broker",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewBrokerMetrics creates the collectors. registerer may be nil, in which
// case Register uses the Prometheus default registerer.
func NewBrokerMetrics(registerer prometheus.Registerer) *BrokerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BrokerMetrics{
		registerer:     registerer,
		publishedTotal: newBrokerCounterVec("published_total", "Total number of messages published", []string{"type"}),
		deliveredTotal: newBrokerCounterVec("delivered_total", "Total number of handler invocations started", []string{"type"}),
		errorsTotal:    newBrokerCounterVec("errors_total", "Total number of isolated delivery failures", []string{"kind"}),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "msgbus",
				Subsystem: "broker",
				Name:      "delivery_duration_seconds",
				Help:      "Time spent in a single handler invocation",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 4, 8},
			},
			[]string{"type"},
		),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgbus",
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Number of live subscribers",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BrokerMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.errorsTotal,
		m.deliveryDuration,
		m.subscribers,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *BrokerMetrics) recordPublished(msgType string) {
	m.published.Add(1)
	m.mu.Lock()
	m.lastPublishAt = time.Now()
	m.mu.Unlock()
	m.publishedTotal.WithLabelValues(msgType).Inc()
}

func (m *BrokerMetrics) recordDelivered(msgType string) {
	m.delivered.Add(1)
	m.deliveredTotal.WithLabelValues(msgType).Inc()
}

func (m *BrokerMetrics) observeDuration(msgType string, d time.Duration) {
	m.deliveryDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

func (m *BrokerMetrics) recordError(kind errspkg.DeliveryKind, err error) {
	m.errors.Add(1)
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
	m.errorsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *BrokerMetrics) setSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// LastError returns the most recent isolated failure.
func (m *BrokerMetrics) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Snapshot returns the current counters.
func (m *BrokerMetrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Metrics{
		Published:     m.published.Load(),
		Delivered:     m.delivered.Load(),
		Errors:        m.errors.Load(),
		LastPublishAt: m.lastPublishAt,
	}
	if m.lastError != nil {
		snapshot.LastError = m.lastError.Error()
	}
	return snapshot
}
