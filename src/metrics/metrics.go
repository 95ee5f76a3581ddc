package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the services report to.
type Metrics struct {
	Operations         *prometheus.CounterVec
	TransactionsSynced *prometheus.CounterVec
	RemovalDowngraded  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		TransactionsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "sync_transactions_total",
			Help:      "Provider transactions processed by sync, by result.",
		}, []string{"result"}),
		RemovalDowngraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerlink",
			Name:      "provider_removal_failures_total",
			Help:      "Provider item removals that failed and were ignored during disconnect.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.TransactionsSynced, m.RemovalDowngraded)
	}
	return m
}

// Observe records one operation. A nil receiver is a no-op.
func (m *Metrics) Observe(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Synced(added, skipped int) {
	if m == nil {
		return
	}
	m.TransactionsSynced.WithLabelValues("added").Add(float64(added))
	m.TransactionsSynced.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) RemovalFailed(outcome string) {
	if m == nil {
		return
	}
	m.RemovalDowngraded.WithLabelValues(outcome).Inc()
}
