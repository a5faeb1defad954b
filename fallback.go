package tierrouter

import (
	"context"
	"errors"
	"fmt"
)

// CallFunc performs one attempt against candidate c.
type CallFunc func(ctx context.Context, c DeploymentCandidate) (Result, error)

// FallbackChain executes a call across a tier's candidates in configured
// order, consulting each deployment's breaker and backing off between
// retryable failures.
type FallbackChain struct {
	breakers *BreakerSet
	backoff  BackoffPolicy
	classify Classifier
	clock    Clock
	sink     Sink
}

// NewFallbackChain creates a chain. classify, clock and sink may be nil.
func NewFallbackChain(breakers *BreakerSet, backoff BackoffPolicy, classify Classifier, clock Clock, sink Sink) *FallbackChain {
	if classify == nil {
		classify = DefaultClassifier
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &FallbackChain{
		breakers: breakers,
		backoff:  backoff.withDefaults(),
		classify: classify,
		clock:    clock,
		sink:     sink,
	}
}

// Execute runs call against tier's candidates until one succeeds.
//
// Open breakers are skipped without delay. After a backoff wait the breaker
// is consulted again, so a deployment that opened meanwhile is not called. A retryable failure charges the
// breaker and moves on; a non-retryable one aborts with NonRetryableCallError
// and leaves the breaker untouched. When ctx is done the in-flight attempt is
// aborted and no further candidate is tried. If nothing succeeds the result is
// a ChainExhaustedError listing every candidate's terminal error.
func (f *FallbackChain) Execute(ctx context.Context, tier TierSpec, rc RequestContext, call CallFunc) (Result, error) {
	var (
		attempts int
		failures int
		waited   int
		errs     = make([]AttemptError, 0, len(tier.Deployments))
	)

	for i, raw := range tier.Deployments {
		c := raw.withDefaults(tier.Params)
		key := c.Key()

		if err := ctx.Err(); err != nil {
			errs = f.notAttempted(errs, tier, i, err)
			break
		}
		if attempts >= f.backoff.MaxAttempts {
			errs = f.notAttempted(errs, tier, i, errors.New("attempt limit reached"))
			break
		}

		breaker := f.breakers.Get(key)
		ticket, err := breaker.Allow()
		if err != nil {
			errs = f.skip(errs, rc, tier.Name, key, err)
			continue
		}

		if failures > waited {
			// No slot is held across the wait; the breaker is asked again after it.
			ticket.Cancel()
			delay := f.backoff.NextDelay(failures)
			f.emit(EventBackoff, rc, tier.Name, key, map[string]any{"delay_ms": delay.Milliseconds(), "failures": failures})
			if err := f.clock.Sleep(ctx, delay); err != nil {
				errs = append(errs, AttemptError{Deployment: key, Err: &RetryableCallError{Deployment: key, Err: err}})
				errs = f.notAttempted(errs, tier, i+1, err)
				break
			}
			waited = failures
			if ticket, err = breaker.Allow(); err != nil {
				errs = f.skip(errs, rc, tier.Name, key, err)
				continue
			}
		}

		attempts++
		f.emit(EventAttemptStarted, rc, tier.Name, key, map[string]any{"attempt": attempts, "probe": ticket.Probe()})

		res, err := f.attempt(ctx, c, call)
		if err == nil {
			ticket.Success()
			res.Routing = RoutingInfo{
				Tier:         tier.Name,
				DeploymentID: c.ID,
				Region:       c.Region,
				Model:        c.Model,
				Attempts:     attempts,
			}
			f.emit(EventAttemptSucceeded, rc, tier.Name, key, map[string]any{
				"attempt":      attempts,
				"input_units":  res.Usage.InputUnits,
				"output_units": res.Usage.OutputUnits,
				"duration_ms":  res.durationMS,
			})
			return res.Result, nil
		}

		// The caller went away: the outcome says nothing about the deployment.
		if ctxErr := ctx.Err(); ctxErr != nil {
			ticket.Cancel()
			f.emit(EventAttemptFailed, rc, tier.Name, key, map[string]any{
				"attempt": attempts, "error": err.Error(), "class": "cancelled", "duration_ms": res.durationMS,
			})
			errs = append(errs, AttemptError{Deployment: key, Err: &RetryableCallError{Deployment: key, Err: fmt.Errorf("%w: %w", ErrTimeout, ctxErr)}})
			errs = f.notAttempted(errs, tier, i+1, ctxErr)
			break
		}

		class := f.classify(err)
		f.emit(EventAttemptFailed, rc, tier.Name, key, map[string]any{
			"attempt": attempts, "error": err.Error(), "class": class.String(), "duration_ms": res.durationMS,
		})
		if class == ClassNonRetryable {
			ticket.Cancel()
			return Result{}, &NonRetryableCallError{Deployment: key, Attempts: attempts, Err: err}
		}

		ticket.Failure()
		failures++
		errs = append(errs, AttemptError{Deployment: key, Err: &RetryableCallError{Deployment: key, Err: err}})
	}

	f.emit(EventChainExhausted, rc, tier.Name, DeploymentKey{}, map[string]any{"attempts": attempts, "candidates": len(tier.Deployments)})
	return Result{}, &ChainExhaustedError{Tier: tier.Name, Attempts: attempts, Errors: errs}
}

type attemptResult struct {
	Result
	durationMS int64
}

// attempt runs one call bounded by the candidate's timeout.
func (f *FallbackChain) attempt(ctx context.Context, c DeploymentCandidate, call CallFunc) (attemptResult, error) {
	cctx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := f.clock.Now()
	res, err := call(cctx, c)
	out := attemptResult{Result: res, durationMS: f.clock.Now().Sub(start).Milliseconds()}

	// Candidate timeout, not the caller's deadline.
	if err != nil && ctx.Err() == nil && cctx.Err() != nil && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: after %s: %v", ErrTimeout, c.Timeout, err)
	}
	return out, err
}

func (f *FallbackChain) skip(errs []AttemptError, rc RequestContext, tier Tier, key DeploymentKey, err error) []AttemptError {
	f.emit(EventCandidateSkipped, rc, tier, key, map[string]any{"error": err.Error()})
	return append(errs, AttemptError{Deployment: key, Err: err})
}

func (f *FallbackChain) notAttempted(errs []AttemptError, tier TierSpec, from int, cause error) []AttemptError {
	for _, c := range tier.Deployments[from:] {
		errs = append(errs, AttemptError{Deployment: c.Key(), Err: fmt.Errorf("%w: %w", ErrNotAttempted, cause)})
	}
	return errs
}

func (f *FallbackChain) emit(t EventType, rc RequestContext, tier Tier, key DeploymentKey, details map[string]any) {
	f.sink.Emit(Event{
		Timestamp:     f.clock.Now(),
		Type:          t,
		AccountID:     rc.AccountID,
		DeploymentID:  key.ID,
		Region:        key.Region,
		Tier:          tier,
		CorrelationID: rc.CorrelationID,
		Details:       details,
	})
}
