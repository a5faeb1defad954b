// Package mock provides a scripted Invoker for tests and examples.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/tierrouter"
)

// Step is one scripted outcome.
type Step struct {
	Usage   tierrouter.Usage
	Err     error
	Latency time.Duration
	// Hang blocks until ctx is done and returns ctx.Err() with Usage.
	Hang bool
}

// Succeed returns a successful step reporting u.
func Succeed(u tierrouter.Usage) Step { return Step{Usage: u} }

// Fail returns a failing step.
func Fail(err error) Step { return Step{Err: err} }

// Hang returns a step that never answers; it consumed u before the caller
// gave up.
func Hang(u tierrouter.Usage) Step { return Step{Hang: true, Usage: u} }

// Invoker is a mock deployment backend. Each deployment has a queue of
// scripted steps; once the queue is empty it repeats its fallback step, which
// defaults to success.
type Invoker struct {
	mu        sync.Mutex
	queues    map[string][]Step
	fallbacks map[string]Step
	usage     tierrouter.Usage
	latency   time.Duration
	calls     map[string]int
	order     []string
}

// Option configures a mock Invoker.
type Option func(*Invoker)

// WithUsage sets the usage of the default success.
func WithUsage(u tierrouter.Usage) Option {
	return func(m *Invoker) { m.usage = u }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(m *Invoker) { m.latency = d }
}

// New creates a mock invoker with the given options.
func New(opts ...Option) *Invoker {
	m := &Invoker{
		queues:    make(map[string][]Step),
		fallbacks: make(map[string]Step),
		usage:     tierrouter.Usage{InputUnits: 10, OutputUnits: 20},
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On queues steps for a deployment, addressed by "id" or "id@region".
func (m *Invoker) On(deployment string, steps ...Step) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[deployment] = append(m.queues[deployment], steps...)
	return m
}

// Always makes step the outcome of every call to deployment once its queue is
// empty.
func (m *Invoker) Always(deployment string, step Step) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[deployment] = step
	return m
}

var _ tierrouter.Invoker = (*Invoker)(nil).Invoke

// Invoke implements tierrouter.Invoker.
func (m *Invoker) Invoke(ctx context.Context, c tierrouter.DeploymentCandidate, p tierrouter.Payload) (tierrouter.Result, error) {
	step := m.next(c)

	if d := step.Latency + m.latency; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return tierrouter.Result{Usage: step.Usage}, ctx.Err()
		}
	}
	if step.Hang {
		<-ctx.Done()
		return tierrouter.Result{Usage: step.Usage}, ctx.Err()
	}
	if step.Err != nil {
		return tierrouter.Result{Usage: step.Usage}, step.Err
	}

	u := step.Usage
	if u == (tierrouter.Usage{}) {
		u = m.usage
	}
	return tierrouter.Result{
		ID:           "mock-" + c.ID,
		Content:      "Hello from " + c.Key().String(),
		FinishReason: "stop",
		Usage:        u,
	}, nil
}

func (m *Invoker) next(c tierrouter.DeploymentCandidate) Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := c.Key().String()
	m.calls[full]++
	m.order = append(m.order, full)

	for _, k := range []string{full, c.ID} {
		if q := m.queues[k]; len(q) > 0 {
			m.queues[k] = q[1:]
			return q[0]
		}
	}
	for _, k := range []string{full, c.ID} {
		if s, ok := m.fallbacks[k]; ok {
			return s
		}
	}
	return Step{}
}

// Calls returns the number of calls made to a deployment ("id@region", or
// "id" when it has no region).
func (m *Invoker) Calls(deployment string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[deployment]
}

// Total returns the number of calls made to all deployments.
func (m *Invoker) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Order returns the deployments called, in call order.
func (m *Invoker) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
