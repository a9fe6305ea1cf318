package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	authorizationsTotal   *prometheus.CounterVec
	authorizationDuration *prometheus.HistogramVec
	creditChangesTotal    *prometheus.CounterVec
	creditChangeAmount    *prometheus.HistogramVec
	storeOpsDuration      *prometheus.HistogramVec
	storeOpsErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		authorizationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_authorizations_total",
			Help:      "Total number of usage authorization checks.",
		}, []string{"plan", "kind", "result"}),

		authorizationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_authorization_duration_seconds",
			Help:      "Latency of usage authorization checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		creditChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_changes_total",
			Help:      "Total number of credit ledger mutations.",
		}, []string{"kind", "op"}),

		creditChangeAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_change_amount",
			Help:      "Distribution of credit ledger mutation amounts.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}, []string{"kind", "op"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of account store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of account store operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordAuthorization(plan, kind, result string) {
	m.authorizationsTotal.WithLabelValues(plan, kind, result).Inc()
}

func (m *Metrics) RecordAuthorizationDuration(kind string, duration time.Duration) {
	m.authorizationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordCreditChange(kind, op string, amount int) {
	m.creditChangesTotal.WithLabelValues(kind, op).Inc()
	m.creditChangeAmount.WithLabelValues(kind, op).Observe(float64(amount))
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
