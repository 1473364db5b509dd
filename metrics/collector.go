// Package metrics counts requests, retries and results of a batch run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/xerrors"
)

const DefaultNamespace = "llmshell"

// Collector holds the per-run metrics on a private registry.
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
	resultsTotal    *prometheus.CounterVec
	inflight        prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of inference requests by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Inference request duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
		),
		retriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried inference requests",
			},
		),
		resultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_total",
				Help:      "Total number of prompt results by status",
			},
			[]string{"status"},
		),
		inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_requests",
				Help:      "Number of inference requests currently in flight",
			},
		),
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveRequest records one network attempt.
func (c *Collector) ObserveRequest(d time.Duration, err error) {
	if c == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// TrackInflight increments the in-flight gauge and returns the matching decrement.
func (c *Collector) TrackInflight() func() {
	if c == nil {
		return func() {}
	}

	c.inflight.Inc()
	return c.inflight.Dec
}

func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

// Result records the terminal status of one prompt.
func (c *Collector) Result(status string) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(status).Inc()
}

// WriteFile dumps all metrics in the Prometheus text format,
// suitable for the node_exporter textfile collector.
func (c *Collector) WriteFile(path string) error {
	if c == nil {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return xerrors.Errorf("write metrics to %q: %w", path, err)
	}
	return nil
}
