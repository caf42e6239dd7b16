package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the update-level prometheus instruments.
type Metrics struct {
	updatesTotal   *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the instruments. A nil registerer
// keeps the metrics unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gmcli_updates_total",
			Help: "Update executions by result (success, failed, rolled-back).",
		}, []string{"result"}),
		rollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gmcli_rollbacks_total",
			Help: "Rollback attempts by result (success, failed).",
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gmcli_update_phase_duration_seconds",
			Help:    "Wall time per update phase.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.updatesTotal, m.rollbacksTotal, m.phaseDuration)
	}
	return m
}

func (m *Metrics) observePhase(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) countUpdate(result string) {
	m.updatesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) countRollback(result string) {
	m.rollbacksTotal.WithLabelValues(result).Inc()
}
