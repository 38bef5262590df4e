package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "panelbot"

// Metrics groups the provisioning collectors on a private registry so tests
// and multiple instances don't collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	admissionRejections prometheus.Counter
	quotaRemaining      prometheus.Gauge
	sessionsOpen        prometheus.Gauge
	stepFailures        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "provisioning",
				Name:      "runs_total",
				Help:      "Total number of provisioning runs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "provisioning",
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4min
			},
			[]string{"kind"},
		),
		admissionRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected because the requester already had a run in flight",
		}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "panel",
			Name:      "quota_remaining",
			Help:      "Last credit balance read from the panel",
		}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "browser",
			Name:      "sessions_open",
			Help:      "Browser sessions currently open",
		}),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "provisioning",
				Name:      "failures_total",
				Help:      "Failed runs by step and error code",
			},
			[]string{"step", "code"},
		),
	}
	m.Registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.admissionRejections,
		m.quotaRemaining,
		m.sessionsOpen,
		m.stepFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records one finished run. A nil receiver is a no-op so
// components can run without metrics.
func (m *Metrics) ObserveRun(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveFailure(step, code string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step, code).Inc()
}

func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionRejections.Inc()
}

func (m *Metrics) SetQuota(remaining int) {
	if m == nil {
		return
	}
	m.quotaRemaining.Set(float64(remaining))
}

// SessionOpened and SessionClosed track live browser sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsOpen.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsOpen.Dec()
	}
}
