package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты допуска запуска для conveyor_job_submissions_total.
const (
	SubmitAdmitted       = "admitted"
	SubmitBusy           = "busy"
	SubmitPluginNotFound = "plugin_not_found"
	SubmitInvalid        = "invalid"
	SubmitError          = "error"
)

// Metrics — Prometheus метрики движка.
//
// Нулевой *Metrics допустим: все методы ничего не делают.
type Metrics struct {
	submissions   *prometheus.CounterVec
	finished      *prometheus.CounterVec
	active        prometheus.Gauge
	stageDuration *prometheus.HistogramVec
}

// NewMetrics регистрирует метрики в reg.
// Если reg == nil, используется prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_job_submissions_total",
			Help: "Run submissions by admission result",
		}, []string{"result"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"state"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_jobs_active",
			Help: "Jobs currently in a non-terminal state",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Stage duration by stage kind and outcome",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 9),
		}, []string{"stage", "outcome"}),
	}
}

// Submitted учитывает попытку запуска.
func (m *Metrics) Submitted(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// JobStarted увеличивает число активных jobs.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// JobFinished учитывает финальное состояние job.
func (m *Metrics) JobFinished(state string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.finished.WithLabelValues(state).Inc()
}

// StageObserved записывает длительность стадии.
func (m *Metrics) StageObserved(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}
