package credpool

import (
	"context"
	"time"
)

// Security event kinds reported to the event sink.
const (
	EventURLBlocked         = "url_blocked"
	EventRateLimited        = "rate_limited"
	EventOwnershipViolation = "ownership_violation"
)

// SecurityEvent records a policy violation for the security collaborator.
type SecurityEvent struct {
	ID     string
	UserID string
	Kind   string
	Detail string
	At     time.Time
}

// SecurityEventSink receives policy violations. Failures to record are the
// sink's concern; callers treat Record as best effort.
type SecurityEventSink interface {
	Record(ctx context.Context, event SecurityEvent)
}

// NoopSecuritySink discards all events.
type NoopSecuritySink struct{}

func (NoopSecuritySink) Record(ctx context.Context, event SecurityEvent) {}

// LogSecuritySink reports events through a Logger.
type LogSecuritySink struct {
	Logger Logger
}

func (s LogSecuritySink) Record(ctx context.Context, event SecurityEvent) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn("security event",
		Field{Key: "event_id", Value: event.ID},
		Field{Key: "user_id", Value: event.UserID},
		Field{Key: "kind", Value: event.Kind},
		Field{Key: "detail", Value: event.Detail},
	)
}
