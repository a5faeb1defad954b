package tierrouter

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// CircuitState is the state of a deployment's breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CircuitState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig holds breaker thresholds. Zero fields take defaults.
type BreakerConfig struct {
	// WindowSize is the number of most recent outcomes kept while closed.
	WindowSize int
	// MinSamples is the number of outcomes required before FailureRate applies.
	MinSamples int
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// FailureRate in (0,1] opens the breaker once the window holds MinSamples outcomes.
	FailureRate float64
	// OpenTimeout is how long the breaker stays open before allowing probes.
	OpenTimeout time.Duration
	// HalfOpenMaxProbes bounds concurrent probe calls while half-open.
	HalfOpenMaxProbes int
	// SuccessThreshold is the number of consecutive probe successes that closes it.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:        10,
		MinSamples:        10,
		FailureThreshold:  5,
		FailureRate:       0.5,
		OpenTimeout:       60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 || c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = d.FailureRate
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// StateChange describes one breaker transition.
type StateChange struct {
	Deployment DeploymentKey
	From       CircuitState
	To         CircuitState
	At         time.Time
	Reason     string
}

// BreakerSnapshot is a consistent view of a breaker's counters.
type BreakerSnapshot struct {
	Deployment          DeploymentKey `json:"deployment"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	WindowFailures      int           `json:"window_failures"`
	WindowSamples       int           `json:"window_samples"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// CircuitBreaker is the failure-isolation state machine of one deployment.
//
// While closed it keeps a fixed-size ring of the last WindowSize outcomes
// (count based, not time based) plus a consecutive-failure counter.
type CircuitBreaker struct {
	key      DeploymentKey
	cfg      BreakerConfig
	clock    Clock
	onChange func(StateChange)
	probes   *semaphore.Weighted

	mu             sync.Mutex
	state          CircuitState
	generation     uint64
	ring           []bool // true = failure
	next           int
	samples        int
	windowFailures int
	consecutive    int
	probeSuccesses int
	openedAt       time.Time
}

// NewCircuitBreaker creates a closed breaker. onChange may be nil.
func NewCircuitBreaker(key DeploymentKey, cfg BreakerConfig, clock Clock, onChange func(StateChange)) *CircuitBreaker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	return &CircuitBreaker{
		key:      key,
		cfg:      cfg,
		clock:    clock,
		onChange: onChange,
		probes:   semaphore.NewWeighted(int64(cfg.HalfOpenMaxProbes)),
		ring:     make([]bool, cfg.WindowSize),
	}
}

// Key returns the deployment the breaker guards.
func (b *CircuitBreaker) Key() DeploymentKey { return b.key }

// Allow asks permission for one call. It returns a CircuitOpenError when the
// breaker is open or all half-open probe slots are taken. The returned
// Ticket must be finished with Success, Failure or Cancel.
func (b *CircuitBreaker) Allow() (*Ticket, error) {
	b.mu.Lock()
	var changes []StateChange
	now := b.clock.Now()
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		changes = append(changes, b.transition(StateHalfOpen, now, "open timeout elapsed"))
	}

	var (
		ticket *Ticket
		err    error
	)
	switch b.state {
	case StateClosed:
		ticket = &Ticket{b: b, generation: b.generation}
	case StateOpen:
		err = &CircuitOpenError{Deployment: b.key, RetryAt: b.openedAt.Add(b.cfg.OpenTimeout)}
	case StateHalfOpen:
		if b.probes.TryAcquire(1) {
			ticket = &Ticket{b: b, probe: true, generation: b.generation}
		} else {
			err = &CircuitOpenError{Deployment: b.key}
		}
	}
	b.mu.Unlock()

	b.emit(changes)
	return ticket, err
}

// State returns the current state. An elapsed open timeout is only applied
// by the next Allow.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Deployment:          b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		WindowFailures:      b.windowFailures,
		WindowSamples:       b.samples,
		OpenedAt:            b.openedAt,
	}
}

func (b *CircuitBreaker) record(t *Ticket, failed bool) {
	b.mu.Lock()
	var changes []StateChange
	now := b.clock.Now()

	// Outcomes of tickets issued before the last transition are stale.
	if t.generation == b.generation {
		switch b.state {
		case StateClosed:
			b.push(failed)
			if failed {
				b.consecutive++
				switch {
				case b.consecutive >= b.cfg.FailureThreshold:
					changes = append(changes, b.transition(StateOpen, now, "consecutive failures"))
				case b.samples >= b.cfg.MinSamples &&
					float64(b.windowFailures)/float64(b.samples) >= b.cfg.FailureRate:
					changes = append(changes, b.transition(StateOpen, now, "failure rate"))
				}
			} else {
				b.consecutive = 0
			}
		case StateHalfOpen:
			if !t.probe {
				break
			}
			if failed {
				changes = append(changes, b.transition(StateOpen, now, "probe failed"))
			} else {
				b.probeSuccesses++
				if b.probeSuccesses >= b.cfg.SuccessThreshold {
					changes = append(changes, b.transition(StateClosed, now, "probes succeeded"))
				}
			}
		}
	}
	b.mu.Unlock()

	if t.probe {
		b.probes.Release(1)
	}
	b.emit(changes)
}

// push adds an outcome to the ring, evicting the oldest when full.
// Must be called with b.mu held.
func (b *CircuitBreaker) push(failed bool) {
	if b.samples == len(b.ring) {
		if b.ring[b.next] {
			b.windowFailures--
		}
	} else {
		b.samples++
	}
	b.ring[b.next] = failed
	if failed {
		b.windowFailures++
	}
	b.next = (b.next + 1) % len(b.ring)
}

// transition must be called with b.mu held.
func (b *CircuitBreaker) transition(to CircuitState, now time.Time, reason string) StateChange {
	from := b.state
	b.state = to
	b.generation++
	b.probeSuccesses = 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		for i := range b.ring {
			b.ring[i] = false
		}
		b.next, b.samples, b.windowFailures, b.consecutive = 0, 0, 0, 0
		b.openedAt = time.Time{}
	}

	return StateChange{Deployment: b.key, From: from, To: to, At: now, Reason: reason}
}

func (b *CircuitBreaker) emit(changes []StateChange) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		b.onChange(c)
	}
}

// Ticket is the permission for one call granted by Allow.
// Only the first of Success, Failure or Cancel has an effect.
type Ticket struct {
	b          *CircuitBreaker
	probe      bool
	generation uint64
	done       atomic.Bool
}

// Probe reports whether the ticket is a half-open probe.
func (t *Ticket) Probe() bool { return t.probe }

// Success records a successful call.
func (t *Ticket) Success() {
	if t.done.CompareAndSwap(false, true) {
		t.b.record(t, false)
	}
}

// Failure records a failed call.
func (t *Ticket) Failure() {
	if t.done.CompareAndSwap(false, true) {
		t.b.record(t, true)
	}
}

// Cancel releases the ticket without recording an outcome, for calls that
// say nothing about the deployment's health.
func (t *Ticket) Cancel() {
	if t.done.CompareAndSwap(false, true) && t.probe {
		t.b.probes.Release(1)
	}
}
