package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics counts reconciler outcomes on the Prometheus registry so
// operators can alert on unresolved or stale deliveries.
type ReconcileMetrics struct {
	outcomes *prometheus.CounterVec
}

func NewReconcileMetrics() (*ReconcileMetrics, error) {
	return NewReconcileMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewReconcileMetricsWithRegisterer(reg prometheus.Registerer) (*ReconcileMetrics, error) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "licensing_reconcile_outcomes_total",
		Help: "Reconciled billing events and admin overrides by event type and outcome.",
	}, []string{"event_type", "outcome"})

	outcomes, err := registerCounterVec(reg, outcomes)
	if err != nil {
		return nil, err
	}
	return &ReconcileMetrics{outcomes: outcomes}, nil
}

func (m *ReconcileMetrics) Observe(eventType, outcome string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	m.outcomes.WithLabelValues(eventType, strings.TrimSpace(outcome)).Inc()
}
