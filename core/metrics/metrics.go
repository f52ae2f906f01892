// Package metrics exposes bot counters on a private Prometheus registry.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nippo"

// Metrics groups the collectors recorded by the conversation, finisher and gateways.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	answers         prometheus.Counter
	images          *prometheus.CounterVec
	reports         *prometheus.CounterVec
	reportDuration  prometheus.Histogram
	queueDepth      prometheus.Gauge
	webhooks        *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

// New registers all collectors plus Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Report sessions started by the trigger phrase.",
		}),
		answers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_recorded_total",
			Help:      "Text answers stored into a session.",
		}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_received_total",
			Help:      "Photos received during the collection step, by outcome.",
		}, []string{"outcome"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Finished report jobs, by outcome.",
		}, []string{"outcome"}),
		reportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Time from hand-off to delivered result.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finisher_queue_depth",
			Help:      "Report jobs waiting for a worker.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook calls, by platform and status.",
		}, []string{"platform", "status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound events dropped by the per-user rate limiter.",
		}, []string{"platform"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted, m.answers, m.images, m.reports,
		m.reportDuration, m.queueDepth, m.webhooks, m.rateLimited,
	)
	return m
}

// Registry returns the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *Metrics) AnswerRecorded() {
	if m != nil {
		m.answers.Inc()
	}
}

// ImageReceived records a photo outcome: "saved" or "dropped".
func (m *Metrics) ImageReceived(outcome string) {
	if m != nil {
		m.images.WithLabelValues(outcome).Inc()
	}
}

// ReportFinished records a finished job; outcome is "ok" or "fail".
func (m *Metrics) ReportFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
	m.reportDuration.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) Webhook(platform, status string) {
	if m != nil {
		m.webhooks.WithLabelValues(platform, status).Inc()
	}
}

func (m *Metrics) RateLimited(platform string) {
	if m != nil {
		m.rateLimited.WithLabelValues(platform).Inc()
	}
}
