package tierrouter

import (
	"sort"
	"sync"
)

// BreakerSet holds one CircuitBreaker per deployment, created lazily on first
// use. Each breaker has its own lock; the set's lock only guards the map.
type BreakerSet struct {
	cfg      BreakerConfig
	clock    Clock
	onChange func(StateChange)

	mu       sync.RWMutex
	breakers map[DeploymentKey]*CircuitBreaker
}

// NewBreakerSet creates an empty BreakerSet. onChange receives every
// transition of every breaker and may be nil.
func NewBreakerSet(cfg BreakerConfig, clock Clock, onChange func(StateChange)) *BreakerSet {
	if clock == nil {
		clock = SystemClock{}
	}
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		onChange: onChange,
		breakers: make(map[DeploymentKey]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (s *BreakerSet) Get(key DeploymentKey) *CircuitBreaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	b = NewCircuitBreaker(key, s.cfg, s.clock, s.onChange)
	s.breakers[key] = b
	return b
}

// State returns the state of key's breaker; deployments never used are closed.
func (s *BreakerSet) State(key DeploymentKey) CircuitState {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Snapshot returns every known breaker sorted by deployment.
func (s *BreakerSet) Snapshot() []BreakerSnapshot {
	s.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deployment.String() < out[j].Deployment.String()
	})
	return out
}
