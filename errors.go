package tierrouter

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by invokers. Classification and errors.Is work
// through every wrapper the router adds.
var (
	ErrRateLimited           = errors.New("tierrouter: rate limited by deployment")
	ErrDeploymentUnavailable = errors.New("tierrouter: deployment unavailable")
	ErrTimeout               = errors.New("tierrouter: deployment timed out")
	ErrInvalidRequest        = errors.New("tierrouter: invalid request")
	ErrContentPolicy         = errors.New("tierrouter: content policy violation")
	ErrAuthFailed            = errors.New("tierrouter: authentication failed")
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrInvalidPlan    = errors.New("tierrouter: invalid plan")
	ErrQuotaExceeded  = errors.New("tierrouter: quota exceeded")
	ErrCircuitOpen    = errors.New("tierrouter: circuit open")
	ErrChainExhausted = errors.New("tierrouter: all candidates failed")
)

// ErrNotAttempted is recorded for candidates the chain never reached, because
// the attempt limit was hit or the caller went away.
var ErrNotAttempted = errors.New("tierrouter: candidate not attempted")

// InvalidPlanError means no tier at all is entitled for the plan. It points at
// a configuration bug and is never retried.
type InvalidPlanError struct {
	Plan   Plan
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("tierrouter: invalid plan %q: %s", e.Plan, e.Reason)
}

func (e *InvalidPlanError) Is(target error) bool { return target == ErrInvalidPlan }

// QuotaExceededError is returned before any network call when the account's
// projected usage would exceed its quota.
type QuotaExceededError struct {
	AccountID string
	Requested int64
	Remaining int64
	Cause     error // set when the ledger itself failed
}

func (e *QuotaExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tierrouter: quota check failed for account %s: %v", e.AccountID, e.Cause)
	}
	return fmt.Sprintf("tierrouter: quota exceeded for account %s: requested=%d remaining=%d",
		e.AccountID, e.Requested, e.Remaining)
}

func (e *QuotaExceededError) Unwrap() error { return e.Cause }

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// CircuitOpenError is the breaker's rejection. The fallback chain consumes it;
// callers only see it inside a ChainExhaustedError.
type CircuitOpenError struct {
	Deployment DeploymentKey
	RetryAt    time.Time // zero while half-open probe slots are busy
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("tierrouter: circuit open for %s: probe in flight", e.Deployment)
	}
	return fmt.Sprintf("tierrouter: circuit open for %s until %s", e.Deployment, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RetryableCallError is a timeout, rate limit or 5xx-equivalent failure.
// It drives fallback to the next candidate.
type RetryableCallError struct {
	Deployment DeploymentKey
	Err        error
}

func (e *RetryableCallError) Error() string {
	return fmt.Sprintf("tierrouter: deployment %s: retryable: %v", e.Deployment, e.Err)
}

func (e *RetryableCallError) Unwrap() error { return e.Err }

// NonRetryableCallError is a failure every candidate would repeat (bad
// request, content policy). It aborts the chain.
type NonRetryableCallError struct {
	Deployment DeploymentKey
	Attempts   int
	Err        error
}

func (e *NonRetryableCallError) Error() string {
	return fmt.Sprintf("tierrouter: deployment %s: attempts=%d: %v", e.Deployment, e.Attempts, e.Err)
}

func (e *NonRetryableCallError) Unwrap() error { return e.Err }

// AttemptError is the terminal error of one candidate in a chain.
type AttemptError struct {
	Deployment DeploymentKey
	Err        error
}

// ChainExhaustedError aggregates the terminal error of every candidate.
type ChainExhaustedError struct {
	Tier     Tier
	Attempts int // network attempts made
	Errors   []AttemptError
}

func (e *ChainExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tierrouter: tier %s: all candidates failed (attempts=%d)", e.Tier, e.Attempts)
	for _, ae := range e.Errors {
		fmt.Fprintf(&b, "; %s: %v", ae.Deployment, ae.Err)
	}
	return b.String()
}

func (e *ChainExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, ae := range e.Errors {
		errs = append(errs, ae.Err)
	}
	return errs
}

func (e *ChainExhaustedError) Is(target error) bool { return target == ErrChainExhausted }

// IsFatal returns true if the error should not be retried with another candidate.
func IsFatal(err error) bool {
	var nr *NonRetryableCallError
	return errors.As(err, &nr) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrContentPolicy)
}

// IsRetryable returns true if the error can be retried with another candidate.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}
