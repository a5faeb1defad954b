//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/clock"
	ledgerpg "github.com/ineyio/tierrouter/ledger/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tierrouter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool, opts ...ledgerpg.Option) *ledgerpg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := ledgerpg.New(pool, append([]ledgerpg.Option{ledgerpg.WithTablePrefix(prefix)}, opts...)...)

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %saccounts, %sreservations, %susage_records", prefix, prefix, prefix))
	})
	return s
}

var policy = tierrouter.QuotaPolicy{MaxUnits: 1000, Period: tierrouter.PeriodDaily}

func TestReserveCommitRelease(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	res, err := store.CheckAndReserve(ctx, "acct1", policy, tierrouter.Estimate{Units: 100})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Allowed || res.Remaining != 900 {
		t.Fatalf("unexpected reservation: %+v", res)
	}

	err = store.Commit(ctx, tierrouter.UsageRecord{
		ID: "r1", AccountID: "acct1", CorrelationID: "c1", Tier: "premium",
		DeploymentID: "d1", Region: "eastus", InputUnits: 50, OutputUnits: 30, Cost: 0.5,
		Timestamp: time.Now(), Success: true,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Release(ctx, res); err != nil {
		t.Fatalf("release: %v", err)
	}

	totals, err := store.Usage(ctx, "acct1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if totals.UsedUnits != 80 || totals.ReservedUnits != 0 || totals.UsedCost != 0.5 {
		t.Fatalf("unexpected totals: %+v", totals)
	}

	recs, err := store.Records(ctx, "acct1", 10)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 || recs[0].Tier != "premium" || recs[0].Region != "eastus" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestReserveExceeded(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	small := tierrouter.QuotaPolicy{MaxUnits: 50}
	res, err := store.CheckAndReserve(ctx, "acct1", small, tierrouter.Estimate{Units: 100})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected rejection")
	}
	totals, _ := store.Usage(ctx, "acct1")
	if totals.ReservedUnits != 0 {
		t.Fatalf("rejected reservation changed state: %+v", totals)
	}
}

func TestPeriodRollover(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	store := newTestStore(t, newTestPool(t), ledgerpg.WithClock(clk))
	ctx := context.Background()

	res, _ := store.CheckAndReserve(ctx, "acct1", policy, tierrouter.Estimate{Units: 100})
	_ = store.Commit(ctx, tierrouter.UsageRecord{ID: "r1", AccountID: "acct1", InputUnits: 900, Timestamp: clk.Now()})

	clk.Advance(2 * time.Hour)

	res2, err := store.CheckAndReserve(ctx, "acct1", policy, tierrouter.Estimate{Units: 1000})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res2.Allowed {
		t.Fatalf("expected fresh period, got %+v", res2)
	}
	_ = store.Release(ctx, res)

	totals, _ := store.Usage(ctx, "acct1")
	if totals.ReservedUnits != 1000 || totals.UsedUnits != 0 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestPurgeReservations(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	_, _ = store.CheckAndReserve(ctx, "acct1", policy, tierrouter.Estimate{Units: 100})
	time.Sleep(10 * time.Millisecond)

	n, err := store.PurgeReservations(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	totals, _ := store.Usage(ctx, "acct1")
	if totals.ReservedUnits != 0 {
		t.Fatalf("purge did not release: %+v", totals)
	}
}

func TestConcurrentReserve(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.CheckAndReserve(ctx, "acct1", policy, tierrouter.Estimate{Units: 100})
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Fatalf("expected exactly 10 reservations to fit, got %d", allowed.Load())
	}
}
