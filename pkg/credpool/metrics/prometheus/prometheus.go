package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// Metrics implements credpool.Metrics using Prometheus.
type Metrics struct {
	quotaChecksTotal     *prometheus.CounterVec
	quotaRollbacksTotal  *prometheus.CounterVec
	selectionsTotal      *prometheus.CounterVec
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	rateLimitHitsTotal   *prometheus.CounterVec
	registrationsTotal   *prometheus.CounterVec
}

// NewMetrics creates a Prometheus metrics implementation registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		quotaChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of consumer quota checks.",
		}, []string{"kind", "allowed"}),

		quotaRollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rollbacks_total",
			Help:      "Total number of compensating quota decrements.",
		}, []string{"kind"}),

		selectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_selections_total",
			Help:      "Total number of shared credential selection attempts.",
		}, []string{"model", "exhausted"}),

		providerCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of downstream provider calls.",
		}, []string{"source", "success"}),

		providerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of downstream provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		rateLimitHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rate_limit_hits_total",
			Help:      "Total number of sync requests rejected per window.",
		}, []string{"window"}),

		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_registrations_total",
			Help:      "Total number of credential registration attempts.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RecordQuotaCheck(kind credpool.CounterKind, allowed bool) {
	m.quotaChecksTotal.WithLabelValues(string(kind), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordQuotaRollback(kind credpool.CounterKind) {
	m.quotaRollbacksTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordSelection(model string, exhausted bool) {
	m.selectionsTotal.WithLabelValues(model, strconv.FormatBool(exhausted)).Inc()
}

func (m *Metrics) RecordProviderCall(source credpool.Source, success bool, duration time.Duration) {
	m.providerCallsTotal.WithLabelValues(string(source), strconv.FormatBool(success)).Inc()
	m.providerCallDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimitHit(window string) {
	m.rateLimitHitsTotal.WithLabelValues(window).Inc()
}

func (m *Metrics) RecordRegistration(outcome string) {
	m.registrationsTotal.WithLabelValues(outcome).Inc()
}
