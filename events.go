package tierrouter

import "time"

// EventType names a routing event.
type EventType string

const (
	EventTierSelected      EventType = "tier_selected"
	EventQuotaAllowed      EventType = "quota_allowed"
	EventQuotaRejected     EventType = "quota_rejected"
	EventAttemptStarted    EventType = "attempt_started"
	EventAttemptSucceeded  EventType = "attempt_succeeded"
	EventAttemptFailed     EventType = "attempt_failed"
	EventCandidateSkipped  EventType = "candidate_skipped"
	EventBackoff           EventType = "backoff"
	EventChainExhausted    EventType = "chain_exhausted"
	EventBreakerTransition EventType = "breaker_transition"
	EventUsageCommitted    EventType = "usage_committed"
	EventLedgerError       EventType = "ledger_error"
)

// Event is a structured observability record.
type Event struct {
	Timestamp     time.Time
	Type          EventType
	AccountID     string
	DeploymentID  string
	Region        string
	Tier          Tier
	CorrelationID string
	Details       map[string]any
}

// Sink receives routing events. Implementations must be safe for concurrent
// use and should not block.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// noopSink is a sink that does nothing.
type noopSink struct{}

func (noopSink) Emit(Event) {}
