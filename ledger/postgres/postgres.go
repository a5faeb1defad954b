// Package postgres provides a PostgreSQL-backed Ledger for tierrouter.
//
// Account totals, open reservations and usage records are stored in
// PostgreSQL tables. Every update locks the account row, so period rollover
// and increments of one account are serialized across instances, and state
// survives restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tierrouter"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	clock       tierrouter.Clock
}

var _ tierrouter.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tierrouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock sets the time source used for period rollover.
func WithClock(c tierrouter.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tierrouter_",
		clock:       tierrouter.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string     { return s.tablePrefix + "accounts" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }
func (s *Store) recordsTable() string      { return s.tablePrefix + "usage_records" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			period TEXT NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			used_units BIGINT NOT NULL DEFAULT 0,
			used_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			reserved_units BIGINT NOT NULL DEFAULT 0,
			reserved_cost DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			units BIGINT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			region TEXT NOT NULL,
			input_units BIGINT NOT NULL,
			output_units BIGINT NOT NULL,
			cost DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS %[3]s_account_ts ON %[3]s (account_id, ts);
	`, s.accountsTable(), s.reservationsTable(), s.recordsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

type accountRow struct {
	period        tierrouter.Period
	start, end    time.Time
	usedUnits     int64
	usedCost      float64
	reservedUnits int64
	reservedCost  float64
}

// lockAccount selects the account row FOR UPDATE. ok is false when the
// account has no row.
func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (row accountRow, ok bool, err error) {
	var period string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT period, period_start, period_end, used_units, used_cost, reserved_units, reserved_cost
			FROM %s WHERE account_id = $1 FOR UPDATE`, s.accountsTable()),
		accountID,
	).Scan(&period, &row.start, &row.end, &row.usedUnits, &row.usedCost, &row.reservedUnits, &row.reservedCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return row, false, nil
	}
	if err != nil {
		return row, false, err
	}
	row.period = tierrouter.Period(period)
	return row, true, nil
}

// rollover resets the account to the period [start, end) and drops holds of
// earlier periods. Must run inside the transaction holding the row lock.
func (s *Store) rollover(ctx context.Context, tx pgx.Tx, accountID string, p tierrouter.Period, start, end time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET period = $2, period_start = $3, period_end = $4,
			used_units = 0, used_cost = 0, reserved_units = 0, reserved_cost = 0
			WHERE account_id = $1`, s.accountsTable()),
		accountID, string(p), start, end,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE account_id = $1 AND period_start < $2`, s.reservationsTable()),
		accountID, start,
	)
	return err
}

// CheckAndReserve holds est against the account's remaining quota.
func (s *Store) CheckAndReserve(ctx context.Context, accountID string, policy tierrouter.QuotaPolicy, est tierrouter.Estimate) (tierrouter.Reservation, error) {
	period := policy.Period
	if period == "" {
		period = tierrouter.PeriodMonthly
	}
	start, end := period.Bounds(s.clock.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Make sure the account row exists.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, period, period_start, period_end)
			VALUES ($1, $2, $3, $4) ON CONFLICT (account_id) DO NOTHING`, s.accountsTable()),
		accountID, string(period), start, end,
	)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: init account: %w", err)
	}

	// 2. Lock it.
	row, _, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: lock account: %w", err)
	}

	// 3. Lazy period rollover.
	if row.period != period || start.After(row.start) {
		if err := s.rollover(ctx, tx, accountID, period, start, end); err != nil {
			return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: rollover: %w", err)
		}
		row = accountRow{period: period, start: start, end: end}
	}

	// 4. Check.
	allowed, remaining := tierrouter.Admit(policy, tierrouter.Totals{
		UsedUnits:     row.usedUnits,
		UsedCost:      row.usedCost,
		ReservedUnits: row.reservedUnits,
		ReservedCost:  row.reservedCost,
	}, est)
	res := tierrouter.Reservation{
		AccountID:   accountID,
		Units:       est.Units,
		Cost:        est.Cost,
		Allowed:     allowed,
		Remaining:   remaining,
		PeriodStart: row.start.UTC(),
	}
	if !allowed {
		// A rejected check changes nothing beyond rollover.
		if err := tx.Commit(ctx); err != nil {
			return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: commit: %w", err)
		}
		return res, nil
	}

	// 5. Reserve.
	res.ID = uuid.NewString()
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved_units = reserved_units + $2, reserved_cost = reserved_cost + $3
			WHERE account_id = $1`, s.accountsTable()),
		accountID, est.Units, est.Cost,
	)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: reserve: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, units, cost, period_start) VALUES ($1, $2, $3, $4, $5)`,
			s.reservationsTable()),
		res.ID, accountID, est.Units, est.Cost, row.start,
	)
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/postgres: commit: %w", err)
	}
	return res, nil
}

// Commit inserts rec and adds its units and cost to the period rec.Timestamp
// falls in. Records older than the current period are kept but not counted.
func (s *Store) Commit(ctx context.Context, rec tierrouter.UsageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, correlation_id, tier, deployment_id, region,
			input_units, output_units, cost, ts, success, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`, s.recordsTable()),
		rec.ID, rec.AccountID, rec.CorrelationID, string(rec.Tier), rec.DeploymentID, rec.Region,
		rec.InputUnits, rec.OutputUnits, rec.Cost, rec.Timestamp.UTC(), rec.Success, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: insert record: %w", err)
	}

	row, ok, err := s.lockAccount(ctx, tx, rec.AccountID)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: lock account: %w", err)
	}
	if ok {
		start, end := row.period.Bounds(rec.Timestamp)
		if start.After(row.start) {
			if err := s.rollover(ctx, tx, rec.AccountID, row.period, start, end); err != nil {
				return fmt.Errorf("tierrouter/postgres: rollover: %w", err)
			}
			row.start = start
		}
		if start.Equal(row.start) {
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET used_units = used_units + $2, used_cost = used_cost + $3
					WHERE account_id = $1`, s.accountsTable()),
				rec.AccountID, rec.Units(), rec.Cost,
			)
			if err != nil {
				return fmt.Errorf("tierrouter/postgres: add usage: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tierrouter/postgres: commit: %w", err)
	}
	return nil
}

// Release drops the hold placed by CheckAndReserve. Holds from an earlier
// period were dropped by rollover and are a no-op here.
func (s *Store) Release(ctx context.Context, res tierrouter.Reservation) error {
	if res.ID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`WITH d AS (
				DELETE FROM %[2]s WHERE id = $1 RETURNING account_id, units, cost, period_start
			)
			UPDATE %[1]s a SET reserved_units = a.reserved_units - d.units, reserved_cost = a.reserved_cost - d.cost
			FROM d WHERE a.account_id = d.account_id AND a.period_start = d.period_start`,
			s.accountsTable(), s.reservationsTable()),
		res.ID,
	)
	if err != nil {
		return fmt.Errorf("tierrouter/postgres: release: %w", err)
	}
	return nil
}

// Usage returns the account's totals for the current period.
func (s *Store) Usage(ctx context.Context, accountID string) (tierrouter.Totals, error) {
	var (
		period string
		row    accountRow
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT period, period_start, period_end, used_units, used_cost, reserved_units, reserved_cost
			FROM %s WHERE account_id = $1`, s.accountsTable()),
		accountID,
	).Scan(&period, &row.start, &row.end, &row.usedUnits, &row.usedCost, &row.reservedUnits, &row.reservedCost)

	start, end := tierrouter.Period(period).Bounds(s.clock.Now())
	t := tierrouter.Totals{AccountID: accountID, PeriodStart: start, PeriodEnd: end}
	if errors.Is(err, pgx.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return tierrouter.Totals{}, fmt.Errorf("tierrouter/postgres: usage: %w", err)
	}

	// Lazy rollover check (read-only).
	if !row.start.Equal(start) {
		return t, nil
	}
	t.UsedUnits, t.UsedCost = row.usedUnits, row.usedCost
	t.ReservedUnits, t.ReservedCost = row.reservedUnits, row.reservedCost
	return t, nil
}

// Records returns the most recent limit records of an account, oldest first.
func (s *Store) Records(ctx context.Context, accountID string, limit int) ([]tierrouter.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, correlation_id, tier, deployment_id, region,
				input_units, output_units, cost, ts, success, error
			FROM (SELECT * FROM %s WHERE account_id = $1 ORDER BY ts DESC LIMIT $2) r
			ORDER BY ts ASC`, s.recordsTable()),
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("tierrouter/postgres: records: %w", err)
	}
	defer rows.Close()

	var out []tierrouter.UsageRecord
	for rows.Next() {
		var (
			rec  tierrouter.UsageRecord
			tier string
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.CorrelationID, &tier, &rec.DeploymentID, &rec.Region,
			&rec.InputUnits, &rec.OutputUnits, &rec.Cost, &rec.Timestamp, &rec.Success, &rec.Error); err != nil {
			return nil, fmt.Errorf("tierrouter/postgres: scan record: %w", err)
		}
		rec.Tier = tierrouter.Tier(tier)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tierrouter/postgres: records: %w", err)
	}
	return out, nil
}

// PurgeReservations drops holds older than olderThan, left behind by
// processes that died between reserve and release.
func (s *Store) PurgeReservations(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`WITH d AS (
				DELETE FROM %[2]s WHERE created_at < $1 RETURNING account_id, units, cost, period_start
			), sums AS (
				SELECT account_id, period_start, sum(units) AS units, sum(cost) AS cost, count(*) AS n
				FROM d GROUP BY account_id, period_start
			), upd AS (
				UPDATE %[1]s a SET reserved_units = a.reserved_units - sums.units, reserved_cost = a.reserved_cost - sums.cost
				FROM sums WHERE a.account_id = sums.account_id AND a.period_start = sums.period_start
			)
			SELECT coalesce(sum(n), 0)::BIGINT FROM sums`,
			s.accountsTable(), s.reservationsTable()),
		cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tierrouter/postgres: purge reservations: %w", err)
	}
	return n, nil
}
