package tierrouter

import (
	"context"
	"time"
)

// Ledger tracks per-account usage against a QuotaPolicy.
//
// Implementations serialize updates per account while letting different
// accounts proceed concurrently, and perform period rollover at the same
// serialization point so that no update is lost and no period resets twice.
type Ledger interface {
	// CheckAndReserve decides whether est fits in the account's remaining
	// quota. When it fits, est is held until Release. A rejected check leaves
	// the ledger unchanged and returns a Reservation with Allowed=false.
	CheckAndReserve(ctx context.Context, accountID string, policy QuotaPolicy, est Estimate) (Reservation, error)

	// Commit appends rec and adds its actual units and cost to the account's
	// running total for the period rec.Timestamp falls in.
	Commit(ctx context.Context, rec UsageRecord) error

	// Release drops the hold placed by CheckAndReserve.
	Release(ctx context.Context, res Reservation) error

	// Usage returns the account's totals for the current period.
	Usage(ctx context.Context, accountID string) (Totals, error)
}

// Period is a quota period. Boundaries are UTC.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period. The empty period is valid and
// means monthly.
func (p Period) Valid() bool {
	return p == "" || p == PeriodDaily || p == PeriodMonthly
}

// Bounds returns the period containing t as [start, end).
func (p Period) Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	if p == PeriodDaily {
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// QuotaPolicy is the per-plan usage ceiling. A zero limit is unlimited.
type QuotaPolicy struct {
	MaxUnits int64
	MaxCost  float64
	Period   Period
}

// Estimate is the conservative projection checked before dispatch.
type Estimate struct {
	Units int64
	Cost  float64
}

// UnlimitedRemaining is reported as Remaining when the policy has no unit limit.
const UnlimitedRemaining int64 = -1

// Reservation is the outcome of CheckAndReserve.
type Reservation struct {
	ID          string
	AccountID   string
	Units       int64
	Cost        float64
	Allowed     bool
	Remaining   int64 // units left after this reservation, or before it when rejected
	PeriodStart time.Time
}

// UsageRecord is the append-only fact of one completed attempt.
type UsageRecord struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	CorrelationID string    `json:"correlation_id"`
	Tier          Tier      `json:"tier"`
	DeploymentID  string    `json:"deployment_id"`
	Region        string    `json:"region"`
	InputUnits    int64     `json:"input_units"`
	OutputUnits   int64     `json:"output_units"`
	Cost          float64   `json:"cost"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// Units returns input plus output units.
func (r UsageRecord) Units() int64 { return r.InputUnits + r.OutputUnits }

// Totals is an account's running total for one period.
type Totals struct {
	AccountID     string    `json:"account_id"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	UsedUnits     int64     `json:"used_units"`
	UsedCost      float64   `json:"used_cost"`
	ReservedUnits int64     `json:"reserved_units"`
	ReservedCost  float64   `json:"reserved_cost"`
}

// Admit applies policy to the account totals t. It reports whether est fits
// and the units remaining (after est when it fits).
func Admit(policy QuotaPolicy, t Totals, est Estimate) (allowed bool, remaining int64) {
	allowed = true
	remaining = UnlimitedRemaining

	if policy.MaxUnits > 0 {
		left := policy.MaxUnits - t.UsedUnits - t.ReservedUnits
		if est.Units > left {
			allowed = false
		} else {
			left -= est.Units
		}
		if left < 0 {
			left = 0
		}
		remaining = left
	}
	if policy.MaxCost > 0 && t.UsedCost+t.ReservedCost+est.Cost > policy.MaxCost {
		allowed = false
	}
	return allowed, remaining
}

// noopLedger allows everything and keeps nothing.
type noopLedger struct{}

func (noopLedger) CheckAndReserve(_ context.Context, accountID string, _ QuotaPolicy, est Estimate) (Reservation, error) {
	return Reservation{AccountID: accountID, Units: est.Units, Cost: est.Cost, Allowed: true, Remaining: UnlimitedRemaining}, nil
}
func (noopLedger) Commit(context.Context, UsageRecord) error  { return nil }
func (noopLedger) Release(context.Context, Reservation) error { return nil }
func (noopLedger) Usage(_ context.Context, id string) (Totals, error) {
	return Totals{AccountID: id}, nil
}
