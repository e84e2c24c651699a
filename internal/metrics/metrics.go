package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records engine outcomes on its own registry.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ingestions      *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "book_rag_requests_total",
				Help: "Engine operations by outcome.",
			},
			[]string{"op", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "book_rag_request_duration_seconds",
				Help:    "Engine operation latency.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op"},
		),
		ingestions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "book_rag_ingestions_total",
				Help: "Index bootstrap runs by outcome.",
			},
			[]string{"outcome"},
		),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "book_rag_ingestion_duration_seconds",
			Help:    "Index bootstrap duration.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

func (c *Collector) ObserveRequest(op, outcome string, elapsed time.Duration) {
	c.requests.WithLabelValues(op, outcome).Inc()
	c.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveIngestion(outcome string, elapsed time.Duration) {
	c.ingestions.WithLabelValues(outcome).Inc()
	c.ingestDuration.Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }
