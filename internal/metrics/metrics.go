package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	connections      prometheus.Gauge
	boundConnections prometheus.Gauge
	annotations      prometheus.Gauge
	events           *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections",
		}),
		boundConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_connections",
			Help:      "Connections currently joined to a document room",
		}),
		annotations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "annotations",
			Help:      "Live annotations across all documents",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound protocol events by name and outcome",
		}, []string{"event", "outcome"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound frames by result",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "REST requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewWithRegistry creates Metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewWithRegistry() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg), reg
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetBoundConnections(n int) {
	if m == nil {
		return
	}
	m.boundConnections.Set(float64(n))
}

func (m *Metrics) SetAnnotations(n int) {
	if m == nil {
		return
	}
	m.annotations.Set(float64(n))
}

// Event counts one inbound event. outcome is "ok" or an error code.
func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues("dropped").Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
