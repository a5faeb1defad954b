// Package redis provides a Redis-backed Ledger for tierrouter.
//
// Account totals live in Redis hashes and are updated by Lua scripts, so the
// check, the period rollover and the increment of one account are a single
// atomic step. This makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tierrouter"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client     goredis.Cmdable
	keyPrefix  string
	maxRecords int64
	clock      tierrouter.Clock
}

var _ tierrouter.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tierrouter:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRecords caps each account's record list (default 10000).
func WithMaxRecords(n int64) Option {
	return func(s *Store) { s.maxRecords = n }
}

// WithClock sets the time source used for period rollover.
func WithClock(c tierrouter.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "tierrouter:ledger:",
		maxRecords: 10000,
		clock:      tierrouter.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys of one account share a hash tag so cluster deployments keep them in
// one slot.
func (s *Store) accountKey(accountID string) string {
	return s.keyPrefix + "{" + accountID + "}"
}

func (s *Store) holdKey(accountID, id string) string {
	return s.keyPrefix + "{" + accountID + "}:hold:" + id
}

func (s *Store) recordsKey(accountID string) string {
	return s.keyPrefix + "{" + accountID + "}:records"
}

// reserveScript atomically rolls the period, checks and reserves.
// KEYS[1] = account hash key
// KEYS[2] = hold hash key
// ARGV[1] = period name
// ARGV[2] = period start (unix seconds)
// ARGV[3] = period end (unix seconds)
// ARGV[4] = max units (0 = unlimited)
// ARGV[5] = max cost (0 = unlimited)
// ARGV[6] = estimated units
// ARGV[7] = estimated cost
// ARGV[8] = hold ttl (seconds)
//
// Returns {allowed (1/0), remaining units (-1 = unlimited), period start}.
var reserveScript = goredis.NewScript(`
local acct = KEYS[1]
local hold = KEYS[2]
local period = ARGV[1]
local start = tonumber(ARGV[2])
local finish = tonumber(ARGV[3])
local max_units = tonumber(ARGV[4])
local max_cost = tonumber(ARGV[5])
local est_units = tonumber(ARGV[6])
local est_cost = tonumber(ARGV[7])

-- Lazy period rollover
local cur = tonumber(redis.call("HGET", acct, "period_start") or "-1")
local cur_period = redis.call("HGET", acct, "period")
if start > cur or cur_period ~= period then
    redis.call("HSET", acct, "period", period, "period_start", start, "period_end", finish,
        "used_units", "0", "used_cost", "0", "reserved_units", "0", "reserved_cost", "0")
    cur = start
end

local used_units = tonumber(redis.call("HGET", acct, "used_units") or "0")
local used_cost = tonumber(redis.call("HGET", acct, "used_cost") or "0")
local reserved_units = tonumber(redis.call("HGET", acct, "reserved_units") or "0")
local reserved_cost = tonumber(redis.call("HGET", acct, "reserved_cost") or "0")

local allowed = 1
local remaining = -1
if max_units > 0 then
    local left = max_units - used_units - reserved_units
    if est_units > left then
        allowed = 0
    else
        left = left - est_units
    end
    if left < 0 then
        left = 0
    end
    remaining = left
end
if max_cost > 0 and used_cost + reserved_cost + est_cost > max_cost then
    allowed = 0
end

if allowed == 1 then
    redis.call("HINCRBY", acct, "reserved_units", est_units)
    redis.call("HINCRBYFLOAT", acct, "reserved_cost", ARGV[7])
    redis.call("HSET", hold, "units", est_units, "cost", ARGV[7], "period_start", cur)
    redis.call("EXPIRE", hold, tonumber(ARGV[8]))
end
return {allowed, remaining, cur}
`)

// commitScript appends a record and counts it toward the period it falls in.
// KEYS[1] = account hash key
// KEYS[2] = records list key
// ARGV[1] = record JSON
// ARGV[2] = units
// ARGV[3] = cost
// ARGV[4] = record time (unix seconds)
// ARGV[5] = daily start, ARGV[6] = daily end (of the record time)
// ARGV[7] = monthly start, ARGV[8] = monthly end (of the record time)
// ARGV[9] = max records
var commitScript = goredis.NewScript(`
local acct = KEYS[1]
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("LTRIM", KEYS[2], -tonumber(ARGV[9]), -1)

if redis.call("EXISTS", acct) == 0 then
    return 0
end

local period = redis.call("HGET", acct, "period")
local start = tonumber(ARGV[7])
local finish = tonumber(ARGV[8])
if period == "daily" then
    start = tonumber(ARGV[5])
    finish = tonumber(ARGV[6])
end

local cur = tonumber(redis.call("HGET", acct, "period_start") or "-1")
if start > cur then
    redis.call("HSET", acct, "period_start", start, "period_end", finish,
        "used_units", "0", "used_cost", "0", "reserved_units", "0", "reserved_cost", "0")
    cur = start
end
if start < cur then
    return 0
end

redis.call("HINCRBY", acct, "used_units", tonumber(ARGV[2]))
redis.call("HINCRBYFLOAT", acct, "used_cost", ARGV[3])
return 1
`)

// releaseScript drops a hold. Holds from an earlier period are discarded
// without touching the current totals.
// KEYS[1] = account hash key
// KEYS[2] = hold hash key
var releaseScript = goredis.NewScript(`
local vals = redis.call("HMGET", KEYS[2], "units", "cost", "period_start")
if not vals[1] then
    return 0
end
redis.call("DEL", KEYS[2])
local cur = redis.call("HGET", KEYS[1], "period_start")
if cur ~= vals[3] then
    return 0
end
redis.call("HINCRBY", KEYS[1], "reserved_units", -tonumber(vals[1]))
redis.call("HINCRBYFLOAT", KEYS[1], "reserved_cost", -tonumber(vals[2]))
return 1
`)

// CheckAndReserve holds est against the account's remaining quota.
func (s *Store) CheckAndReserve(ctx context.Context, accountID string, policy tierrouter.QuotaPolicy, est tierrouter.Estimate) (tierrouter.Reservation, error) {
	period := policy.Period
	if period == "" {
		period = tierrouter.PeriodMonthly
	}
	now := s.clock.Now().UTC()
	start, end := period.Bounds(now)
	ttl := int64(end.Sub(now)/time.Second) + 3600

	id := uuid.NewString()
	vals, err := reserveScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.holdKey(accountID, id)},
		string(period), start.Unix(), end.Unix(),
		policy.MaxUnits, formatFloat(policy.MaxCost),
		est.Units, formatFloat(est.Cost), ttl,
	).Int64Slice()
	if err != nil {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/redis: reserve: %w", err)
	}
	if len(vals) != 3 {
		return tierrouter.Reservation{}, fmt.Errorf("tierrouter/redis: unexpected reserve result: %v", vals)
	}

	res := tierrouter.Reservation{
		AccountID:   accountID,
		Units:       est.Units,
		Cost:        est.Cost,
		Allowed:     vals[0] == 1,
		Remaining:   vals[1],
		PeriodStart: time.Unix(vals[2], 0).UTC(),
	}
	if res.Allowed {
		res.ID = id
	}
	return res, nil
}

// Commit appends rec to the account's record list and adds its units and
// cost to the period rec.Timestamp falls in.
func (s *Store) Commit(ctx context.Context, rec tierrouter.UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tierrouter/redis: encode record: %w", err)
	}
	ts := rec.Timestamp.UTC()
	ds, de := tierrouter.PeriodDaily.Bounds(ts)
	ms, me := tierrouter.PeriodMonthly.Bounds(ts)

	_, err = commitScript.Run(ctx, s.client,
		[]string{s.accountKey(rec.AccountID), s.recordsKey(rec.AccountID)},
		data, rec.Units(), formatFloat(rec.Cost), ts.Unix(),
		ds.Unix(), de.Unix(), ms.Unix(), me.Unix(), s.maxRecords,
	).Result()
	if err != nil {
		return fmt.Errorf("tierrouter/redis: commit: %w", err)
	}
	return nil
}

// Release drops the hold placed by CheckAndReserve.
func (s *Store) Release(ctx context.Context, res tierrouter.Reservation) error {
	if res.ID == "" {
		return nil
	}
	_, err := releaseScript.Run(ctx, s.client,
		[]string{s.accountKey(res.AccountID), s.holdKey(res.AccountID, res.ID)},
	).Result()
	if err != nil {
		return fmt.Errorf("tierrouter/redis: release: %w", err)
	}
	return nil
}

// Usage returns the account's totals for the current period.
func (s *Store) Usage(ctx context.Context, accountID string) (tierrouter.Totals, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(accountID),
		"period", "period_start", "period_end", "used_units", "used_cost", "reserved_units", "reserved_cost").Result()
	if err != nil {
		return tierrouter.Totals{}, fmt.Errorf("tierrouter/redis: usage: %w", err)
	}

	now := s.clock.Now().UTC()
	period := tierrouter.Period(str(vals[0]))
	start, end := period.Bounds(now)
	t := tierrouter.Totals{AccountID: accountID, PeriodStart: start, PeriodEnd: end}

	// Account not found.
	if vals[0] == nil {
		return t, nil
	}

	// Lazy rollover check (read-only, don't write).
	stored, _ := strconv.ParseInt(str(vals[1]), 10, 64)
	if stored != start.Unix() {
		return t, nil
	}

	t.UsedUnits, _ = strconv.ParseInt(str(vals[3]), 10, 64)
	t.UsedCost, _ = strconv.ParseFloat(str(vals[4]), 64)
	t.ReservedUnits, _ = strconv.ParseInt(str(vals[5]), 10, 64)
	t.ReservedCost, _ = strconv.ParseFloat(str(vals[6]), 64)
	return t, nil
}

// Records returns the most recent limit records of an account, oldest first.
func (s *Store) Records(ctx context.Context, accountID string, limit int64) ([]tierrouter.UsageRecord, error) {
	if limit <= 0 {
		limit = s.maxRecords
	}
	raw, err := s.client.LRange(ctx, s.recordsKey(accountID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tierrouter/redis: records: %w", err)
	}
	out := make([]tierrouter.UsageRecord, 0, len(raw))
	for _, r := range raw {
		var rec tierrouter.UsageRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("tierrouter/redis: decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
