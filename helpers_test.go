package tierrouter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tr "github.com/ineyio/tierrouter"
)

var epoch = time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)

// testConfig has three tiers (premium, standard, economy) and four plans.
func testConfig() tr.Config {
	return tr.Config{
		Tiers: []tr.TierConfig{
			{
				Name:            "premium",
				MaxOutputTokens: 200,
				Deployments: []tr.DeploymentConfig{
					{ID: "p1", Region: "eastus", CostPerInputUnit: 0.01, CostPerOutputUnit: 0.02},
					{ID: "p2", Region: "westus", CostPerInputUnit: 0.01, CostPerOutputUnit: 0.03},
				},
			},
			{
				Name:            "standard",
				MaxOutputTokens: 100,
				Deployments: []tr.DeploymentConfig{
					{ID: "s1", Region: "eastus"},
				},
			},
			{
				Name:            "economy",
				MaxOutputTokens: 50,
				Deployments: []tr.DeploymentConfig{
					{ID: "e1", Region: "eastus"},
				},
			},
		},
		Plans: []tr.PlanConfig{
			{Name: "free", DefaultTier: "economy", Entitled: []string{"economy"}, Quota: tr.QuotaConfig{MaxUnits: 1000}},
			{Name: "pro", DefaultTier: "standard", Entitled: []string{"standard", "economy"}},
			{Name: "vip", DefaultTier: "premium", Entitled: []string{"premium", "standard", "economy"}},
			{Name: "broken", DefaultTier: "premium", Entitled: []string{"economy"}},
		},
		ContentRules: []tr.ContentRuleConfig{
			{Hint: "reasoning", Tier: "premium"},
			{Hint: "chat", Tier: "economy"},
		},
	}
}

func key(id, region string) tr.DeploymentKey { return tr.DeploymentKey{ID: id, Region: region} }

// eventRecorder is a concurrency-safe Sink.
type eventRecorder struct {
	mu     sync.Mutex
	events []tr.Event
}

func (r *eventRecorder) Emit(e tr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []tr.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tr.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) ofType(t tr.EventType) []tr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tr.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func requireValid(t *testing.T, cfg tr.Config) tr.Config {
	t.Helper()
	require.NoError(t, cfg.Validate())
	return cfg
}
