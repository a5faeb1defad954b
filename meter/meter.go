// Package meter provides event sinks for tierrouter: structured logs (slog
// and zap), Prometheus metrics, fan-out and no-op.
package meter

import "github.com/ineyio/tierrouter"

// warning reports whether e describes a failure or a rejection.
func warning(e tierrouter.Event) bool {
	switch e.Type {
	case tierrouter.EventQuotaRejected,
		tierrouter.EventAttemptFailed,
		tierrouter.EventCandidateSkipped,
		tierrouter.EventChainExhausted,
		tierrouter.EventLedgerError:
		return true
	case tierrouter.EventBreakerTransition:
		return e.Details["to"] == tierrouter.StateOpen.String()
	}
	return false
}
