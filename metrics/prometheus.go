package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the x402pay collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402pay",
			Name:      "events_total",
			Help:      "Payment confirmation events by type, network and outcome",
		},
		[]string{"type", "network", "outcome"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402pay",
			Name:      "latency_seconds",
			Help:      "Payment confirmation step latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation", "network"},
	)

	reg.MustRegister(counters, histogram)

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"network": labels["network"],
		"outcome": labels["outcome"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"network":   labels["network"],
	}).Observe(d.Seconds())
}

// Handler serves the metrics gathered by reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
