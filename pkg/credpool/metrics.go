package credpool

import "time"

// Metrics defines the interface for tracking pool and quota operations.
type Metrics interface {
	// RecordQuotaCheck records a consumer quota check and its outcome.
	RecordQuotaCheck(kind CounterKind, allowed bool)

	// RecordQuotaRollback records a compensating decrement.
	RecordQuotaRollback(kind CounterKind)

	// RecordSelection records a credential selection attempt.
	RecordSelection(model string, exhausted bool)

	// RecordProviderCall records a downstream call with its source, outcome,
	// and latency.
	RecordProviderCall(source Source, success bool, duration time.Duration)

	// RecordRateLimitHit records a rejected sync request per window.
	RecordRateLimitHit(window string)

	// RecordRegistration records a credential registration attempt.
	RecordRegistration(outcome string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaCheck(kind CounterKind, allowed bool)                     {}
func (n *NoopMetrics) RecordQuotaRollback(kind CounterKind)                                {}
func (n *NoopMetrics) RecordSelection(model string, exhausted bool)                        {}
func (n *NoopMetrics) RecordProviderCall(source Source, success bool, d time.Duration)     {}
func (n *NoopMetrics) RecordRateLimitHit(window string)                                    {}
func (n *NoopMetrics) RecordRegistration(outcome string)                                   {}
