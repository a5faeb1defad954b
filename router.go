package tierrouter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ineyio/tierrouter"

// Router selects a tier for each request, enforces the account's quota and
// executes the call across the tier's deployments with breakers and fallback.
// It is safe for concurrent use.
type Router struct {
	selector *TierSelector
	tiers    map[Tier]TierSpec
	invoke   Invoker

	ledger   Ledger
	sink     Sink
	clock    Clock
	classify Classifier
	estimate Estimator
	tracer   trace.Tracer

	breakerCfg BreakerConfig
	backoff    BackoffPolicy
	breakers   *BreakerSet
	chain      *FallbackChain
}

// Option configures a Router.
type Option func(*Router)

// WithLedger sets the usage ledger.
func WithLedger(l Ledger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithSink sets the event sink.
func WithSink(s Sink) Option {
	return func(r *Router) { r.sink = s }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithClassifier sets the invoker error classifier.
func WithClassifier(c Classifier) Option {
	return func(r *Router) { r.classify = c }
}

// WithEstimator sets the usage estimator used for quota pre-checks.
func WithEstimator(e Estimator) Option {
	return func(r *Router) { r.estimate = e }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithBreakerConfig overrides the breaker thresholds from Config.
func WithBreakerConfig(c BreakerConfig) Option {
	return func(r *Router) { r.breakerCfg = c }
}

// WithBackoff overrides the backoff policy from Config.
func WithBackoff(p BackoffPolicy) Option {
	return func(r *Router) { r.backoff = p }
}

// NewRouter creates a Router from a validated config and an invoker.
// Default components (unlimited ledger, no-op sink, wall clock,
// DefaultClassifier, DefaultEstimator, global tracer) are used unless
// overridden via options.
func NewRouter(cfg Config, invoke Invoker, opts ...Option) (*Router, error) {
	if invoke == nil {
		return nil, fmt.Errorf("tierrouter: invoker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	specs := cfg.TierSpecs()
	r := &Router{
		selector:   NewTierSelector(specs, cfg.PlanSpecs(), cfg.Rules()),
		tiers:      make(map[Tier]TierSpec, len(specs)),
		invoke:     invoke,
		breakerCfg: cfg.BreakerConfig(),
		backoff:    cfg.BackoffPolicy(),
	}
	for _, s := range specs {
		r.tiers[s.Name] = s
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.ledger == nil {
		r.ledger = noopLedger{}
	}
	if r.sink == nil {
		r.sink = noopSink{}
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.classify == nil {
		r.classify = DefaultClassifier
	}
	if r.estimate == nil {
		r.estimate = DefaultEstimator
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}

	r.breakers = NewBreakerSet(r.breakerCfg, r.clock, r.onBreakerChange)
	r.chain = NewFallbackChain(r.breakers, r.backoff, r.classify, r.clock, r.sink)
	return r, nil
}

// Route serves one request.
//
// The returned UsageRecord summarizes the request: units and cost summed over
// every attempt, the last deployment attempted and whether the request
// succeeded. Per-attempt records are committed to the ledger as they
// complete; the summary is not committed again.
//
// Errors leaving Route are InvalidPlanError, QuotaExceededError,
// NonRetryableCallError or ChainExhaustedError.
func (r *Router) Route(ctx context.Context, rc RequestContext, p Payload) (Result, UsageRecord, error) {
	if rc.CorrelationID == "" {
		rc.CorrelationID = uuid.NewString()
	}
	if !rc.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, rc.Deadline)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "tierrouter.Route", trace.WithAttributes(
		attribute.String("tierrouter.account_id", rc.AccountID),
		attribute.String("tierrouter.plan", string(rc.Plan)),
		attribute.String("tierrouter.correlation_id", rc.CorrelationID),
	))
	defer span.End()

	summary := UsageRecord{
		ID:            uuid.NewString(),
		AccountID:     rc.AccountID,
		CorrelationID: rc.CorrelationID,
	}

	sel, err := r.selector.Select(rc)
	if err != nil {
		return Result{}, r.finish(span, summary, err), err
	}
	summary.Tier = sel.Tier
	span.SetAttributes(attribute.String("tierrouter.tier", string(sel.Tier)))
	r.emit(EventTierSelected, rc, sel.Tier, DeploymentKey{}, map[string]any{
		"rule":       sel.Rule,
		"downgraded": sel.Downgraded,
	})

	spec := r.tiers[sel.Tier]
	plan, _ := r.selector.Plan(rc.Plan)
	est := r.estimate(spec, p)

	res, err := r.ledger.CheckAndReserve(ctx, rc.AccountID, plan.Quota, est)
	if err != nil {
		r.emit(EventLedgerError, rc, sel.Tier, DeploymentKey{}, map[string]any{"op": "reserve", "error": err.Error()})
		qerr := &QuotaExceededError{AccountID: rc.AccountID, Requested: est.Units, Cause: err}
		return Result{}, r.finish(span, summary, qerr), qerr
	}
	if !res.Allowed {
		r.emit(EventQuotaRejected, rc, sel.Tier, DeploymentKey{}, map[string]any{
			"requested": est.Units, "remaining": res.Remaining, "cost": est.Cost,
		})
		qerr := &QuotaExceededError{AccountID: rc.AccountID, Requested: est.Units, Remaining: res.Remaining}
		return Result{}, r.finish(span, summary, qerr), qerr
	}
	r.emit(EventQuotaAllowed, rc, sel.Tier, DeploymentKey{}, map[string]any{
		"requested": est.Units, "remaining": res.Remaining, "cost": est.Cost,
	})
	defer r.release(ctx, rc, sel.Tier, res)

	// Attempts run sequentially, so summary needs no lock.
	var used Usage
	call := func(cctx context.Context, c DeploymentCandidate) (Result, error) {
		out, err := r.invoke(cctx, c, p)
		rec := UsageRecord{
			ID:            uuid.NewString(),
			AccountID:     rc.AccountID,
			CorrelationID: rc.CorrelationID,
			Tier:          sel.Tier,
			DeploymentID:  c.ID,
			Region:        c.Region,
			InputUnits:    out.Usage.InputUnits,
			OutputUnits:   out.Usage.OutputUnits,
			Cost:          CostOf(c, out.Usage),
			Timestamp:     r.clock.Now(),
			Success:       err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		r.commit(ctx, rc, rec)

		summary.DeploymentID = c.ID
		summary.Region = c.Region
		used = used.Add(out.Usage)
		summary.InputUnits, summary.OutputUnits = used.InputUnits, used.OutputUnits
		summary.Cost += rec.Cost
		return out, err
	}

	out, err := r.chain.Execute(ctx, spec, rc, call)
	if err == nil {
		span.SetAttributes(
			attribute.String("tierrouter.deployment_id", out.Routing.DeploymentID),
			attribute.String("tierrouter.region", out.Routing.Region),
			attribute.Int("tierrouter.attempts", out.Routing.Attempts),
		)
	}
	return out, r.finish(span, summary, err), err
}

// Breakers returns a snapshot of every deployment breaker.
func (r *Router) Breakers() []BreakerSnapshot {
	return r.breakers.Snapshot()
}

// Usage returns an account's totals for the current period.
func (r *Router) Usage(ctx context.Context, accountID string) (Totals, error) {
	return r.ledger.Usage(ctx, accountID)
}

// Tiers returns the configured tiers, highest first.
func (r *Router) Tiers() []Tier {
	return r.selector.Tiers()
}

func (r *Router) finish(span trace.Span, summary UsageRecord, err error) UsageRecord {
	summary.Timestamp = r.clock.Now()
	summary.Success = err == nil
	if err != nil {
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int64("tierrouter.units", summary.Units()),
		attribute.Float64("tierrouter.cost", summary.Cost),
	)
	return summary
}

// commit writes rec even when the caller has gone away.
func (r *Router) commit(ctx context.Context, rc RequestContext, rec UsageRecord) {
	key := DeploymentKey{ID: rec.DeploymentID, Region: rec.Region}
	if err := r.ledger.Commit(context.WithoutCancel(ctx), rec); err != nil {
		r.emit(EventLedgerError, rc, rec.Tier, key, map[string]any{"op": "commit", "record_id": rec.ID, "error": err.Error()})
		return
	}
	r.emit(EventUsageCommitted, rc, rec.Tier, key, map[string]any{
		"record_id":    rec.ID,
		"input_units":  rec.InputUnits,
		"output_units": rec.OutputUnits,
		"cost":         rec.Cost,
		"success":      rec.Success,
	})
}

func (r *Router) release(ctx context.Context, rc RequestContext, tier Tier, res Reservation) {
	if err := r.ledger.Release(context.WithoutCancel(ctx), res); err != nil {
		r.emit(EventLedgerError, rc, tier, DeploymentKey{}, map[string]any{"op": "release", "reservation_id": res.ID, "error": err.Error()})
	}
}

func (r *Router) onBreakerChange(c StateChange) {
	r.sink.Emit(Event{
		Timestamp:    c.At,
		Type:         EventBreakerTransition,
		DeploymentID: c.Deployment.ID,
		Region:       c.Deployment.Region,
		Details: map[string]any{
			"from":   c.From.String(),
			"to":     c.To.String(),
			"reason": c.Reason,
		},
	})
}

func (r *Router) emit(t EventType, rc RequestContext, tier Tier, key DeploymentKey, details map[string]any) {
	r.sink.Emit(Event{
		Timestamp:     r.clock.Now(),
		Type:          t,
		AccountID:     rc.AccountID,
		DeploymentID:  key.ID,
		Region:        key.Region,
		Tier:          tier,
		CorrelationID: rc.CorrelationID,
		Details:       details,
	})
}
