package channel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the channel collectors. A nil *Metrics records nothing.
type Metrics struct {
	events       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	overflow     prometheus.Counter
	open         prometheus.Gauge
}

// NewMetrics registers the channel collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_channel_events_total",
			Help: "Realtime events applied, by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_channel_events_dropped_total",
			Help: "Realtime events dropped, by reason.",
		}, []string{"reason"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_channel_fetches_total",
			Help: "History fetches, by anchor kind and result.",
		}, []string{"anchor", "result"}),
		fetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatsync_channel_fetch_duration_seconds",
			Help:    "History fetch latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"anchor"}),
		overflow: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_channel_subscriber_overflow_total",
			Help: "Updates dropped because a subscriber queue was full.",
		}),
		open: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_channels_open",
			Help: "Channels currently open.",
		}),
	}
}

func (m *Metrics) event(k EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) fetch(a AnchorKind, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(a.String(), result).Inc()
	m.fetchLatency.WithLabelValues(a.String()).Observe(took.Seconds())
}

func (m *Metrics) subscriberOverflow() {
	if m == nil {
		return
	}
	m.overflow.Inc()
}

func (m *Metrics) opened(delta float64) {
	if m == nil {
		return
	}
	m.open.Add(delta)
}
