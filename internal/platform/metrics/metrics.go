package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the ingest server.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	connectionsTotal     prometheus.Counter
	activeConnections    prometheus.Gauge
	activeStreams        prometheus.Gauge
	publishRejectedTotal *prometheus.CounterVec
	slowConsumersTotal   prometheus.Counter
	segmentsWrittenTotal prometheus.Counter
	segmentsEvictedTotal prometheus.Counter
	sweepErrorsTotal     prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rtmp_connections_total",
			Help: "Total number of accepted RTMP connections",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_rtmp_active_connections",
			Help: "Number of open RTMP connections",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_streams",
			Help: "Number of stream keys with an active publisher",
		}),
		publishRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_publish_rejected_total",
			Help: "Publish attempts rejected, by reason",
		}, []string{"reason"}),
		slowConsumersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_slow_consumer_disconnects_total",
			Help: "Subscribers disconnected for exceeding the buffer watermark",
		}),
		segmentsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_hls_segments_written_total",
			Help: "Total number of HLS segments written",
		}),
		segmentsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_hls_segments_evicted_total",
			Help: "Total number of HLS segments evicted from manifests",
		}),
		sweepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sweep_errors_total",
			Help: "Per-stream errors encountered by the retention sweeper",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.connectionsTotal,
		m.activeConnections,
		m.activeStreams,
		m.publishRejectedTotal,
		m.slowConsumersTotal,
		m.segmentsWrittenTotal,
		m.segmentsEvictedTotal,
		m.sweepErrorsTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ConnectionOpened records an accepted RTMP connection.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

// ConnectionClosed records a closed RTMP connection.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// IncPublishRejected counts a rejected publish ("conflict", "unauthorized").
func (m *Metrics) IncPublishRejected(reason string) {
	m.publishRejectedTotal.WithLabelValues(reason).Inc()
}

// IncSlowConsumers counts a subscriber dropped for backpressure.
func (m *Metrics) IncSlowConsumers() {
	m.slowConsumersTotal.Inc()
}

// IncSegmentsWritten counts a published HLS segment.
func (m *Metrics) IncSegmentsWritten() {
	m.segmentsWrittenTotal.Inc()
}

// AddSegmentsEvicted counts evicted HLS segments.
func (m *Metrics) AddSegmentsEvicted(n int) {
	m.segmentsEvictedTotal.Add(float64(n))
}

// IncSweepErrors counts a per-stream sweeper failure.
func (m *Metrics) IncSweepErrors() {
	m.sweepErrorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
