// Package ledger provides usage ledgers for tierrouter. Memory keeps state in
// process; the redis and postgres subpackages share it across instances.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/tierrouter"
)

// Memory is an in-memory Ledger. Each account has its own lock, so different
// accounts never contend; the store lock only guards the account map.
type Memory struct {
	clock      tierrouter.Clock
	maxRecords int

	mu       sync.RWMutex
	accounts map[string]*account

	recMu   sync.Mutex
	records []tierrouter.UsageRecord
}

type account struct {
	mu sync.Mutex

	period        tierrouter.Period
	start, end    time.Time
	usedUnits     int64
	usedCost      float64
	reservedUnits int64
	reservedCost  float64
	holds         map[string]tierrouter.Reservation

	// provisional is set until a policy names the period; Commit and Usage
	// can create an account before any reservation does.
	provisional bool
}

var _ tierrouter.Ledger = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithClock sets the time source used for period rollover.
func WithClock(c tierrouter.Clock) Option {
	return func(m *Memory) { m.clock = c }
}

// WithMaxRecords caps the number of usage records kept; the oldest are
// dropped first. Zero keeps everything.
func WithMaxRecords(n int) Option {
	return func(m *Memory) { m.maxRecords = n }
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		clock:    tierrouter.SystemClock{},
		accounts: make(map[string]*account),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) account(id string) *account {
	m.mu.RLock()
	a, ok := m.accounts[id]
	m.mu.RUnlock()
	if ok {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok = m.accounts[id]; ok {
		return a
	}
	a = &account{period: tierrouter.PeriodMonthly, provisional: true, holds: make(map[string]tierrouter.Reservation)}
	m.accounts[id] = a
	return a
}

// roll starts a new period when now has left the current one or the policy
// period changed. Must be called with a.mu held.
func (a *account) roll(now time.Time, p tierrouter.Period) {
	if p == "" {
		p = tierrouter.PeriodMonthly
	}
	if p == a.period && !a.start.IsZero() && !now.Before(a.start) && now.Before(a.end) {
		return
	}
	start, end := p.Bounds(now)
	if p == a.period && start.Equal(a.start) {
		return
	}
	a.period = p
	a.start, a.end = start, end
	a.usedUnits, a.usedCost = 0, 0
	a.reservedUnits, a.reservedCost = 0, 0
	a.holds = make(map[string]tierrouter.Reservation)
}

// adopt fixes a provisional account to period p, recounting usage from the
// account's records. Must be called with a.mu held.
func (m *Memory) adopt(id string, a *account, now time.Time, p tierrouter.Period) {
	a.provisional = false
	if p == "" {
		p = tierrouter.PeriodMonthly
	}
	if p == a.period {
		return
	}
	a.period = p
	a.start, a.end = p.Bounds(now)
	a.usedUnits, a.usedCost = 0, 0

	m.recMu.Lock()
	defer m.recMu.Unlock()
	for _, r := range m.records {
		if r.AccountID == id && !r.Timestamp.Before(a.start) && r.Timestamp.Before(a.end) {
			a.usedUnits += r.Units()
			a.usedCost += r.Cost
		}
	}
}

func (a *account) totals(id string) tierrouter.Totals {
	return tierrouter.Totals{
		AccountID:     id,
		PeriodStart:   a.start,
		PeriodEnd:     a.end,
		UsedUnits:     a.usedUnits,
		UsedCost:      a.usedCost,
		ReservedUnits: a.reservedUnits,
		ReservedCost:  a.reservedCost,
	}
}

// CheckAndReserve holds est against the account's remaining quota.
func (m *Memory) CheckAndReserve(ctx context.Context, accountID string, policy tierrouter.QuotaPolicy, est tierrouter.Estimate) (tierrouter.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return tierrouter.Reservation{}, err
	}

	a := m.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := m.clock.Now()
	if a.provisional {
		m.adopt(accountID, a, now, policy.Period)
	}
	a.roll(now, policy.Period)

	allowed, remaining := tierrouter.Admit(policy, a.totals(accountID), est)
	res := tierrouter.Reservation{
		AccountID:   accountID,
		Units:       est.Units,
		Cost:        est.Cost,
		Allowed:     allowed,
		Remaining:   remaining,
		PeriodStart: a.start,
	}
	if !allowed {
		return res, nil
	}

	res.ID = uuid.NewString()
	a.reservedUnits += est.Units
	a.reservedCost += est.Cost
	a.holds[res.ID] = res
	return res, nil
}

// Commit appends rec and adds its units and cost to the current period when
// rec belongs to it.
func (m *Memory) Commit(_ context.Context, rec tierrouter.UsageRecord) error {
	a := m.account(rec.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(m.clock.Now(), a.period)
	if !rec.Timestamp.Before(a.start) && rec.Timestamp.Before(a.end) {
		a.usedUnits += rec.Units()
		a.usedCost += rec.Cost
	}

	// Appended under the account lock so adopt never misses a counted record.
	m.recMu.Lock()
	m.records = append(m.records, rec)
	if m.maxRecords > 0 && len(m.records) > m.maxRecords {
		m.records = append([]tierrouter.UsageRecord(nil), m.records[len(m.records)-m.maxRecords:]...)
	}
	m.recMu.Unlock()
	return nil
}

// Release drops a hold. Holds from an earlier period are already gone.
func (m *Memory) Release(_ context.Context, res tierrouter.Reservation) error {
	if res.ID == "" {
		return nil
	}
	a := m.account(res.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.holds[res.ID]
	if !ok {
		return nil
	}
	delete(a.holds, res.ID)
	a.reservedUnits -= h.Units
	a.reservedCost -= h.Cost
	return nil
}

// Usage returns the account's totals for the current period.
func (m *Memory) Usage(_ context.Context, accountID string) (tierrouter.Totals, error) {
	a := m.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roll(m.clock.Now(), a.period)
	return a.totals(accountID), nil
}

// Records returns the usage records of an account, oldest first. An empty
// accountID returns every record.
func (m *Memory) Records(accountID string) []tierrouter.UsageRecord {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	var out []tierrouter.UsageRecord
	for _, r := range m.records {
		if accountID == "" || r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out
}
