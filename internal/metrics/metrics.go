package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meterwatch/internal/window"
)

const namespace = "meterwatch"

// Metrics owns a private registry exposing sampler, store and worker telemetry.
type Metrics struct {
	registry *prometheus.Registry

	polls        prometheus.Counter
	pollErrors   prometheus.Counter
	pollDuration prometheus.Histogram
	running      prometheus.Gauge
	alertsSent   *prometheus.CounterVec
}

// New registers the process, runtime and store collectors.
func New(store *window.Store) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Meter polls attempted.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Meter polls that failed.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent in a single meter poll.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampler_running",
			Help:      "1 while the sampling loop is active.",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Threshold alerts delivered, by field.",
		}, []string{"field"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.pollErrors, m.pollDuration, m.running, m.alertsSent,
	)

	if store != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_samples",
				Help:      "Samples currently retained.",
			}, func() float64 { return float64(store.Size()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_retention_seconds",
				Help:      "Configured retention window.",
			}, func() float64 { return store.Retention().Seconds() }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_appended_total",
				Help:      "Samples accepted by the store.",
			}, func() float64 { return float64(store.AppendedTotal()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_evicted_total",
				Help:      "Samples evicted by retention or the size cap.",
			}, func() float64 { return float64(store.EvictedTotal()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_rejected_total",
				Help:      "Samples rejected for arriving out of order.",
			}, func() float64 { return float64(store.RejectedTotal()) }),
		)
	}
	return m
}

// ObservePoll records one poll attempt.
func (m *Metrics) ObservePoll(d time.Duration, err error) {
	m.polls.Inc()
	m.pollDuration.Observe(d.Seconds())
	if err != nil {
		m.pollErrors.Inc()
	}
}

// SetRunning mirrors the sampler state.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}

// AlertSent counts a delivered alert for field.
func (m *Metrics) AlertSent(field string) {
	m.alertsSent.WithLabelValues(field).Inc()
}

// RegisterQueue exposes the depth and drop count of a background worker queue.
func (m *Metrics) RegisterQueue(name string, depth func() int, dropped func() uint64) {
	labels := prometheus.Labels{"queue": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_length",
			Help:        "Items buffered in a worker queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(depth()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queue_dropped_total",
			Help:        "Items dropped because a worker queue was full.",
			ConstLabels: labels,
		}, func() float64 { return float64(dropped()) }),
	)
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
