package plumber

import (
	"time"

	"github.com/arzzra/plumber/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	roleReceiver = "receiver"
	roleSender   = "sender"
)

// Metrics метрики endpoint. Nil значение допустимо и ничего не делает.
type Metrics struct {
	streamsCreated *prometheus.CounterVec
	streamFailures *prometheus.CounterVec
	bindWait       prometheus.Histogram
	linksActive    prometheus.Gauge
}

// NewMetrics создает метрики и регистрирует их в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		streamsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plumber",
				Name:      "streams_created_total",
				Help:      "Total number of created transport elements",
			},
			[]string{"media", "role"},
		),
		streamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "plumber",
				Name:      "stream_failures_total",
				Help:      "Total number of failed stream creations",
			},
			[]string{"media", "role", "code"},
		),
		bindWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "plumber",
				Name:      "bind_wait_seconds",
				Help:      "Time spent waiting for a receiving element to report its bound port",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		linksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "plumber",
				Name:      "control_links_active",
				Help:      "Number of active control links",
			},
		),
	}
}

func (m *Metrics) streamCreated(mt pipeline.MediaType, role string) {
	if m == nil {
		return
	}
	m.streamsCreated.WithLabelValues(mt.String(), role).Inc()
}

func (m *Metrics) streamFailed(mt pipeline.MediaType, role string, code ErrorCode) {
	if m == nil {
		return
	}
	m.streamFailures.WithLabelValues(mt.String(), role, code.String()).Inc()
}

func (m *Metrics) observeBindWait(d time.Duration) {
	if m == nil {
		return
	}
	m.bindWait.Observe(d.Seconds())
}

func (m *Metrics) linkUp() {
	if m == nil {
		return
	}
	m.linksActive.Inc()
}

func (m *Metrics) linkDown() {
	if m == nil {
		return
	}
	m.linksActive.Dec()
}
