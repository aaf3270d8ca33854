// Package metrics defines the Prometheus collectors for the job broker.
package metrics

import (
	"github.com/osercinoglu/grinn-web/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grinn"

const (
	labelStatus  = "status"
	labelOutcome = "outcome"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	JobsByStatus    *prometheus.GaugeVec
	QueuedBacklog   prometheus.Gauge
	WorkersOnline   prometheus.Gauge
	CapacityTotal   prometheus.Gauge
	CapacityUsed    prometheus.Gauge
	Dispatches      prometheus.Counter
	Reclaims        *prometheus.CounterVec
	Expirations     prometheus.Counter
	AgentOutcomes   *prometheus.CounterVec
	CountDriftFixes prometheus.Counter
}

// New creates the collectors and registers them with r.
func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Number of jobs per lifecycle status.",
		}, []string{labelStatus}),
		QueuedBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_backlog",
			Help:      "Jobs waiting for a worker.",
		}),
		WorkersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_online",
			Help:      "Workers whose heartbeat is within the timeout.",
		}),
		CapacityTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_capacity_total",
			Help:      "Sum of max_concurrent_jobs over online workers.",
		}),
		CapacityUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_capacity_used",
			Help:      "Sum of current_job_count over online workers.",
		}),
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Jobs claimed by a worker.",
		}),
		Reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Running jobs taken from unreachable workers, by resulting status.",
		}, []string{labelOutcome}),
		Expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Jobs moved to expired by the retention sweeper.",
		}),
		AgentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Job executions finished by this worker, by outcome.",
		}, []string{labelOutcome}),
		CountDriftFixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_count_corrections_total",
			Help:      "Worker job counts corrected by reconciliation.",
		}),
	}
	if r != nil {
		r.MustRegister(
			m.JobsByStatus, m.QueuedBacklog, m.WorkersOnline, m.CapacityTotal, m.CapacityUsed,
			m.Dispatches, m.Reclaims, m.Expirations, m.AgentOutcomes, m.CountDriftFixes,
		)
	}
	return m
}

// ObserveQueue updates the gauges from a stats snapshot.
func (m *Metrics) ObserveQueue(stats models.QueueStats) {
	if m == nil {
		return
	}
	for status, n := range stats.ByStatus {
		m.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	m.QueuedBacklog.Set(float64(stats.Backlog))
	m.WorkersOnline.Set(float64(stats.Workers.Online))
	m.CapacityTotal.Set(float64(stats.Workers.CapacityTotal))
	m.CapacityUsed.Set(float64(stats.Workers.CapacityUsed))
}

func (m *Metrics) Dispatched() {
	if m == nil {
		return
	}
	m.Dispatches.Inc()
}

func (m *Metrics) Reclaimed(result models.JobStatus) {
	if m == nil {
		return
	}
	m.Reclaims.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) Expired(n int) {
	if m == nil {
		return
	}
	m.Expirations.Add(float64(n))
}

func (m *Metrics) AgentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AgentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountsCorrected(n int) {
	if m == nil {
		return
	}
	m.CountDriftFixes.Add(float64(n))
}
