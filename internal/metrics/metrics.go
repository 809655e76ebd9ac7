// Package metrics exposes fetch and health telemetry in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slipstream/indexproxy/internal/indexer"
)

// Namespace prefixes every metric name.
const Namespace = "indexproxy"

// Recorder holds all Prometheus metrics of the proxy.
type Recorder struct {
	registry *prometheus.Registry

	FetchTotal      *prometheus.CounterVec
	ReleasesTotal   *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	IndexerDisabled *prometheus.GaugeVec
}

// New creates a recorder with its own registry, including the Go runtime and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		FetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "fetch_total",
				Help:      "Total number of fetches by indexer and outcome",
			},
			[]string{"indexer", "outcome"},
		),
		ReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "releases_total",
				Help:      "Total number of releases returned by indexer",
			},
			[]string{"indexer"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of fetches in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"indexer"},
		),
		IndexerDisabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "indexer_disabled",
				Help:      "1 while an indexer is quarantined after failures",
			},
			[]string{"indexer"},
		),
	}
}

// FetchCompleted implements indexer.Recorder.
func (r *Recorder) FetchCompleted(name string, outcome indexer.Outcome, releases int, elapsed time.Duration) {
	r.FetchTotal.WithLabelValues(name, string(outcome)).Inc()
	r.ReleasesTotal.WithLabelValues(name).Add(float64(releases))
	r.FetchDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// IndexerStatusChanged is a status observer; indexers are labelled by id.
func (r *Recorder) IndexerStatusChanged(indexerID int64, disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	r.IndexerDisabled.WithLabelValues(strconv.FormatInt(indexerID, 10)).Set(v)
}

// Registry returns the registry the metrics are registered with.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
