package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements Collector using Prometheus.
type PrometheusCollector struct {
	appends     *prometheus.CounterVec
	appendTime  *prometheus.HistogramVec
	deliveries  *prometheus.CounterVec
	readiness   *prometheus.CounterVec
	ticks       *prometheus.CounterVec
	connections prometheus.Gauge
	timings     *prometheus.HistogramVec
}

// NewPrometheusCollector registers the redwood metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redwood_events_appended_total",
			Help: "Events appended to the log by channel and status.",
		}, []string{"channel", "status"}),
		appendTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redwood_event_append_seconds",
			Help:    "Time spent appending an event to the store.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redwood_fanout_deliveries_total",
			Help: "Frames handed to subscribers, by result.",
		}, []string{"result"}),
		readiness: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redwood_readiness_checks_total",
			Help: "Readiness gate evaluations by outcome.",
		}, []string{"outcome"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redwood_emitter_ticks_total",
			Help: "Timer ticks dispatched by kind.",
		}, []string{"kind"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "redwood_connections",
			Help: "Open websocket connections.",
		}),
		timings: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redwood_timing_seconds",
			Help:    "Duration of tracked operations by context.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context"}),
	}
}

func (m *PrometheusCollector) RecordAppend(channel string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.appends.WithLabelValues(channel, status).Inc()
	m.appendTime.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *PrometheusCollector) RecordFanout(recipients, dropped int) {
	m.deliveries.WithLabelValues("delivered").Add(float64(recipients - dropped))
	if dropped > 0 {
		m.deliveries.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func (m *PrometheusCollector) RecordReadiness(fired bool) {
	outcome := "waiting"
	if fired {
		outcome = "fired"
	}
	m.readiness.WithLabelValues(outcome).Inc()
}

func (m *PrometheusCollector) RecordTick(kind string) {
	m.ticks.WithLabelValues(kind).Inc()
}

func (m *PrometheusCollector) RecordConnections(delta int) {
	m.connections.Add(float64(delta))
}

func (m *PrometheusCollector) RecordTiming(context string, duration time.Duration) {
	m.timings.WithLabelValues(context).Observe(duration.Seconds())
}
