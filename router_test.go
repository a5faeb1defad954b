package tierrouter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	tr "github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/clock"
	"github.com/ineyio/tierrouter/invoker/mock"
	"github.com/ineyio/tierrouter/ledger"
)

var hello = tr.Payload{Messages: []tr.Message{{Role: "user", Content: "hello"}}}

type routerFixture struct {
	router *tr.Router
	mock   *mock.Invoker
	ledger *ledger.Memory
	clk    *clock.Manual
	events *eventRecorder
}

func newRouter(t *testing.T, cfg tr.Config, opts ...tr.Option) *routerFixture {
	t.Helper()
	f := &routerFixture{
		mock:   mock.New(),
		clk:    clock.NewManual(epoch),
		events: &eventRecorder{},
	}
	f.ledger = ledger.NewMemory(ledger.WithClock(f.clk))

	base := []tr.Option{tr.WithLedger(f.ledger), tr.WithClock(f.clk), tr.WithSink(f.events)}
	r, err := tr.NewRouter(cfg, f.mock.Invoke, append(base, opts...)...)
	require.NoError(t, err)
	f.router = r
	return f
}

func TestNewRouter_Errors(t *testing.T) {
	_, err := tr.NewRouter(testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.Plans[0].DefaultTier = "gold"
	_, err = tr.NewRouter(cfg, mock.New().Invoke)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown default_tier")
}

func TestRoute_Success(t *testing.T) {
	f := newRouter(t, testConfig())
	ctx := context.Background()

	res, rec, err := f.router.Route(ctx, tr.RequestContext{AccountID: "a1", Plan: "vip"}, hello)
	require.NoError(t, err)

	assert.Equal(t, "Hello from p1@eastus", res.Content)
	assert.Equal(t, tr.Tier("premium"), res.Routing.Tier)
	assert.Equal(t, "p1", res.Routing.DeploymentID)
	assert.Equal(t, 1, res.Routing.Attempts)

	assert.True(t, rec.Success)
	assert.Equal(t, "a1", rec.AccountID)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.Equal(t, tr.Tier("premium"), rec.Tier)
	assert.Equal(t, "p1", rec.DeploymentID)
	assert.Equal(t, int64(10), rec.InputUnits)
	assert.Equal(t, int64(20), rec.OutputUnits)
	assert.InDelta(t, 0.5, rec.Cost, 1e-9)

	records := f.ledger.Records("a1")
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.Equal(t, rec.CorrelationID, records[0].CorrelationID)

	totals, err := f.router.Usage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), totals.UsedUnits)
	assert.Zero(t, totals.ReservedUnits)

	assert.Equal(t, []tr.EventType{
		tr.EventTierSelected,
		tr.EventQuotaAllowed,
		tr.EventAttemptStarted,
		tr.EventUsageCommitted,
		tr.EventAttemptSucceeded,
	}, f.events.types())
}

func TestRoute_KeepsCallerCorrelationID(t *testing.T) {
	f := newRouter(t, testConfig())

	_, rec, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "vip", CorrelationID: "req-42"}, hello)
	require.NoError(t, err)
	assert.Equal(t, "req-42", rec.CorrelationID)
	for _, e := range f.events.ofType(tr.EventTierSelected) {
		assert.Equal(t, "req-42", e.CorrelationID)
	}
}

func TestRoute_FallsBackWithinTier(t *testing.T) {
	f := newRouter(t, testConfig())
	f.mock.On("p1@eastus", mock.Step{Err: tr.ErrRateLimited, Usage: tr.Usage{InputUnits: 4}})

	res, rec, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "vip"}, hello)
	require.NoError(t, err)

	assert.Equal(t, "p2", res.Routing.DeploymentID)
	assert.Equal(t, "westus", res.Routing.Region)
	assert.Equal(t, 2, res.Routing.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, f.clk.Sleeps())

	// The summary covers both attempts.
	assert.Equal(t, "p2", rec.DeploymentID)
	assert.Equal(t, int64(14), rec.InputUnits)
	assert.Equal(t, int64(20), rec.OutputUnits)
	assert.InDelta(t, 4*0.01+10*0.01+20*0.03, rec.Cost, 1e-9)

	records := f.ledger.Records("a1")
	require.Len(t, records, 2)
	assert.False(t, records[0].Success)
	assert.Equal(t, "p1", records[0].DeploymentID)
	assert.NotEmpty(t, records[0].Error)
	assert.True(t, records[1].Success)
}

func TestRoute_OverrideBeyondPlanIsDowngraded(t *testing.T) {
	f := newRouter(t, testConfig())

	res, _, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "free", TierOverride: "premium"}, hello)
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("economy"), res.Routing.Tier)
	assert.Equal(t, 0, f.mock.Calls("p1@eastus"))
}

func TestRoute_QuotaRejectedLeavesLedgerUnchanged(t *testing.T) {
	f := newRouter(t, testConfig(), tr.WithEstimator(func(tr.TierSpec, tr.Payload) tr.Estimate {
		return tr.Estimate{Units: 100}
	}))
	ctx := context.Background()

	require.NoError(t, f.ledger.Commit(ctx, tr.UsageRecord{ID: "seed", AccountID: "a1", InputUnits: 950, Timestamp: f.clk.Now()}))

	_, rec, err := f.router.Route(ctx, tr.RequestContext{AccountID: "a1", Plan: "free"}, hello)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tr.ErrQuotaExceeded))
	assert.False(t, rec.Success)

	var qe *tr.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "a1", qe.AccountID)
	assert.Equal(t, int64(100), qe.Requested)
	assert.Equal(t, int64(50), qe.Remaining)
	assert.Nil(t, qe.Cause)

	assert.Equal(t, 0, f.mock.Total())
	assert.Len(t, f.ledger.Records("a1"), 1)

	totals, err := f.router.Usage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(950), totals.UsedUnits)
	assert.Zero(t, totals.ReservedUnits)

	assert.Len(t, f.events.ofType(tr.EventQuotaRejected), 1)
}

type brokenLedger struct{ err error }

func (l brokenLedger) CheckAndReserve(context.Context, string, tr.QuotaPolicy, tr.Estimate) (tr.Reservation, error) {
	return tr.Reservation{}, l.err
}
func (l brokenLedger) Commit(context.Context, tr.UsageRecord) error  { return l.err }
func (l brokenLedger) Release(context.Context, tr.Reservation) error { return l.err }
func (l brokenLedger) Usage(context.Context, string) (tr.Totals, error) {
	return tr.Totals{}, l.err
}

func TestRoute_LedgerFailureFailsClosed(t *testing.T) {
	down := errors.New("connection refused")
	m := mock.New()
	events := &eventRecorder{}
	r, err := tr.NewRouter(testConfig(), m.Invoke, tr.WithLedger(brokenLedger{err: down}), tr.WithSink(events))
	require.NoError(t, err)

	_, _, err = r.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "vip"}, hello)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tr.ErrQuotaExceeded))
	assert.True(t, errors.Is(err, down))
	assert.Equal(t, 0, m.Total())

	ledgerErrs := events.ofType(tr.EventLedgerError)
	require.Len(t, ledgerErrs, 1)
	assert.Equal(t, "reserve", ledgerErrs[0].Details["op"])
}

func TestRoute_InvalidPlan(t *testing.T) {
	f := newRouter(t, testConfig())

	_, _, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "platinum"}, hello)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tr.ErrInvalidPlan))
	assert.Equal(t, 0, f.mock.Total())
	assert.Empty(t, f.ledger.Records(""))
}

func TestRoute_NonRetryableStops(t *testing.T) {
	f := newRouter(t, testConfig())
	f.mock.On("p1@eastus", mock.Fail(tr.ErrContentPolicy))

	_, rec, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "vip"}, hello)
	require.Error(t, err)

	var nr *tr.NonRetryableCallError
	require.True(t, errors.As(err, &nr))
	assert.True(t, errors.Is(err, tr.ErrContentPolicy))
	assert.Equal(t, 0, f.mock.Calls("p2@westus"))
	assert.False(t, rec.Success)
	assert.Len(t, f.ledger.Records("a1"), 1)
}

func TestRoute_BreakerOpensAndShortCircuits(t *testing.T) {
	f := newRouter(t, testConfig())
	f.mock.Always("e1", mock.Fail(tr.ErrTimeout))
	rc := tr.RequestContext{AccountID: "a1", Plan: "free"}

	for i := 0; i < 5; i++ {
		_, _, err := f.router.Route(context.Background(), rc, hello)
		require.Error(t, err)
		assert.True(t, errors.Is(err, tr.ErrChainExhausted))
	}
	require.Equal(t, 5, f.mock.Calls("e1@eastus"))

	snaps := f.router.Breakers()
	require.Len(t, snaps, 1)
	assert.Equal(t, tr.StateOpen, snaps[0].State)

	_, _, err := f.router.Route(context.Background(), rc, hello)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tr.ErrChainExhausted))
	assert.True(t, errors.Is(err, tr.ErrCircuitOpen))
	assert.Equal(t, 5, f.mock.Calls("e1@eastus"))

	moves := f.events.ofType(tr.EventBreakerTransition)
	require.Len(t, moves, 1)
	assert.Equal(t, "open", moves[0].Details["to"])
	assert.Equal(t, "e1", moves[0].DeploymentID)

	// After the open timeout two successful probes close it again.
	f.mock.Always("e1", mock.Succeed(tr.Usage{InputUnits: 1, OutputUnits: 1}))
	f.clk.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		_, _, err := f.router.Route(context.Background(), rc, hello)
		require.NoError(t, err)
	}
	assert.Equal(t, tr.StateClosed, f.router.Breakers()[0].State)
}

func TestRoute_DeadlineCommitsPartialUsage(t *testing.T) {
	f := newRouter(t, testConfig())
	f.mock.On("e1", mock.Hang(tr.Usage{InputUnits: 5}))

	rc := tr.RequestContext{AccountID: "a1", Plan: "free", Deadline: time.Now().Add(30 * time.Millisecond)}
	_, rec, err := f.router.Route(context.Background(), rc, hello)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tr.ErrChainExhausted))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int64(5), rec.InputUnits)

	records := f.ledger.Records("a1")
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, int64(5), records[0].InputUnits)

	totals, err := f.router.Usage(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), totals.UsedUnits)
	assert.Zero(t, totals.ReservedUnits)

	// The caller's deadline is not the deployment's fault.
	assert.Zero(t, f.router.Breakers()[0].ConsecutiveFailures)
}

func TestRoute_ConcurrentQuota(t *testing.T) {
	cfg := testConfig()
	f := newRouter(t, cfg, tr.WithEstimator(func(tr.TierSpec, tr.Payload) tr.Estimate {
		return tr.Estimate{Units: 100}
	}))
	f.mock.Always("e1", mock.Succeed(tr.Usage{InputUnits: 50, OutputUnits: 50}))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "shared", Plan: "free"}, hello)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, tr.ErrQuotaExceeded):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 40, rejected)

	totals, err := f.router.Usage(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), totals.UsedUnits)
	assert.Zero(t, totals.ReservedUnits)
}

func TestRoute_Span(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newRouter(t, testConfig(), tr.WithTracer(tp.Tracer("test")))
	_, _, err := f.router.Route(context.Background(), tr.RequestContext{AccountID: "a1", Plan: "vip", CorrelationID: "c-1"}, hello)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tierrouter.Route", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "premium", attrs["tierrouter.tier"])
	assert.Equal(t, "p1", attrs["tierrouter.deployment_id"])
	assert.Equal(t, "c-1", attrs["tierrouter.correlation_id"])
}

func TestRouter_Tiers(t *testing.T) {
	f := newRouter(t, testConfig())
	assert.Equal(t, []tr.Tier{"premium", "standard", "economy"}, f.router.Tiers())
}
