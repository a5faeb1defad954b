package tierrouter_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tr "github.com/ineyio/tierrouter"
)

func newSelector(t *testing.T) *tr.TierSelector {
	t.Helper()
	cfg := requireValid(t, testConfig())
	return tr.NewTierSelector(cfg.TierSpecs(), cfg.PlanSpecs(), cfg.Rules())
}

func TestSelectTier_EntitledOverride(t *testing.T) {
	s := newSelector(t)

	sel, err := s.Select(tr.RequestContext{Plan: "vip", TierOverride: "economy"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("economy"), sel.Tier)
	assert.Equal(t, tr.RuleOverride, sel.Rule)
	assert.Equal(t, 50, sel.Params.MaxOutputTokens)
}

func TestSelectTier_OverrideAboveEntitlementFallsBackToDefault(t *testing.T) {
	s := newSelector(t)

	tier, err := s.SelectTier(tr.RequestContext{AccountID: "a1", Plan: "free", TierOverride: "premium"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("economy"), tier)
}

func TestSelectTier_ContentHint(t *testing.T) {
	s := newSelector(t)

	sel, err := s.Select(tr.RequestContext{Plan: "vip", ContentHint: "  Reasoning "})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("premium"), sel.Tier)
	assert.Equal(t, tr.RuleContentHint, sel.Rule)

	// Hint to a tier the plan is not entitled to is ignored.
	sel, err = s.Select(tr.RequestContext{Plan: "pro", ContentHint: "reasoning"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("standard"), sel.Tier)
	assert.Equal(t, tr.RulePlanDefault, sel.Rule)

	// Override wins over hint.
	sel, err = s.Select(tr.RequestContext{Plan: "vip", TierOverride: "standard", ContentHint: "chat"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("standard"), sel.Tier)
}

func TestSelectTier_DefaultNotEntitledDowngrades(t *testing.T) {
	s := newSelector(t)

	sel, err := s.Select(tr.RequestContext{Plan: "broken"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("economy"), sel.Tier)
	assert.True(t, sel.Downgraded)
}

func TestSelectTier_DowngradeWithNothingBelowPicksNearestAbove(t *testing.T) {
	specs := testConfig().TierSpecs()
	s := tr.NewTierSelector(specs, []tr.PlanSpec{
		{Name: "odd", DefaultTier: "economy", Entitled: []tr.Tier{"premium"}},
	}, nil)

	sel, err := s.Select(tr.RequestContext{Plan: "odd"})
	require.NoError(t, err)
	assert.Equal(t, tr.Tier("premium"), sel.Tier)
	assert.True(t, sel.Downgraded)
}

func TestSelectTier_InvalidPlan(t *testing.T) {
	specs := testConfig().TierSpecs()
	s := tr.NewTierSelector(specs, []tr.PlanSpec{
		{Name: "empty", DefaultTier: "premium"},
		{Name: "ghost", DefaultTier: "premium", Entitled: []tr.Tier{"platinum"}},
	}, nil)

	for _, plan := range []tr.Plan{"unknown", "empty", "ghost"} {
		_, err := s.SelectTier(tr.RequestContext{Plan: plan})
		require.Error(t, err, plan)
		assert.True(t, errors.Is(err, tr.ErrInvalidPlan), plan)

		var ipe *tr.InvalidPlanError
		require.True(t, errors.As(err, &ipe))
		assert.Equal(t, plan, ipe.Plan)
	}
}

func TestSelectTier_AlwaysEntitledAndDeterministic(t *testing.T) {
	s := newSelector(t)
	cfg := testConfig()

	entitled := make(map[tr.Plan]map[tr.Tier]bool)
	for _, p := range cfg.PlanSpecs() {
		entitled[p.Name] = make(map[tr.Tier]bool)
		for _, tier := range p.Entitled {
			entitled[p.Name][tier] = true
		}
	}

	overrides := []tr.Tier{"", "premium", "standard", "economy", "nonexistent"}
	hints := []string{"", "reasoning", "chat", "poetry"}
	for plan := range entitled {
		for _, o := range overrides {
			for _, h := range hints {
				rc := tr.RequestContext{AccountID: "a", Plan: plan, TierOverride: o, ContentHint: h}
				first, err := s.SelectTier(rc)
				require.NoError(t, err)
				assert.True(t, entitled[plan][first], "plan=%s override=%s hint=%s got=%s", plan, o, h, first)

				again, err := s.SelectTier(rc)
				require.NoError(t, err)
				assert.Equal(t, first, again)
			}
		}
	}
}

func TestTierSelector_TiersAndPlan(t *testing.T) {
	s := newSelector(t)
	assert.Equal(t, []tr.Tier{"premium", "standard", "economy"}, s.Tiers())

	p, ok := s.Plan("free")
	require.True(t, ok)
	assert.Equal(t, int64(1000), p.Quota.MaxUnits)

	_, ok = s.Plan("nope")
	assert.False(t, ok)
}
