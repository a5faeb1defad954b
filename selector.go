package tierrouter

import "strings"

// PlanSpec is the static routing policy of one plan.
type PlanSpec struct {
	Name        Plan
	DefaultTier Tier
	Entitled    []Tier
	Quota       QuotaPolicy
}

// ContentRule maps a content hint (e.g. "reasoning", "creative") to a tier.
type ContentRule struct {
	Hint string
	Tier Tier
}

// Selection rules.
const (
	RuleOverride    = "override"
	RuleContentHint = "content_hint"
	RulePlanDefault = "plan_default"
)

// Selection is the outcome of tier selection.
type Selection struct {
	Tier       Tier
	Params     GenerationParams
	Rule       string
	Downgraded bool
}

type planEntry struct {
	spec     PlanSpec
	entitled map[Tier]bool
}

// TierSelector maps a request's plan, override and content hint to a tier.
// It is a pure function of its static configuration and safe for concurrent use.
type TierSelector struct {
	order  []Tier // highest first
	rank   map[Tier]int
	params map[Tier]GenerationParams
	plans  map[Plan]planEntry
	rules  map[string]Tier
}

// NewTierSelector builds a selector. tiers must be ordered highest first.
func NewTierSelector(tiers []TierSpec, plans []PlanSpec, rules []ContentRule) *TierSelector {
	s := &TierSelector{
		rank:   make(map[Tier]int, len(tiers)),
		params: make(map[Tier]GenerationParams, len(tiers)),
		plans:  make(map[Plan]planEntry, len(plans)),
		rules:  make(map[string]Tier, len(rules)),
	}
	for i, t := range tiers {
		s.order = append(s.order, t.Name)
		s.rank[t.Name] = i
		s.params[t.Name] = t.Params
	}
	for _, p := range plans {
		e := planEntry{spec: p, entitled: make(map[Tier]bool, len(p.Entitled))}
		for _, t := range p.Entitled {
			if _, known := s.rank[t]; known {
				e.entitled[t] = true
			}
		}
		s.plans[p.Name] = e
	}
	for _, r := range rules {
		s.rules[normalizeHint(r.Hint)] = r.Tier
	}
	return s
}

// SelectTier returns the tier that serves rc.
func (s *TierSelector) SelectTier(rc RequestContext) (Tier, error) {
	sel, err := s.Select(rc)
	if err != nil {
		return "", err
	}
	return sel.Tier, nil
}

// Select resolves rc to a tier, in order: an entitled explicit override, an
// entitled content-hint rule, the plan's default tier. A default tier the plan
// is not entitled to is downgraded to the next lower entitled tier.
func (s *TierSelector) Select(rc RequestContext) (Selection, error) {
	p, ok := s.plans[rc.Plan]
	if !ok {
		return Selection{}, &InvalidPlanError{Plan: rc.Plan, Reason: "unknown plan"}
	}
	if len(p.entitled) == 0 {
		return Selection{}, &InvalidPlanError{Plan: rc.Plan, Reason: "no tier entitled"}
	}

	if rc.TierOverride != "" && p.entitled[rc.TierOverride] {
		return s.selection(rc.TierOverride, RuleOverride, false), nil
	}

	if rc.ContentHint != "" {
		if t, ok := s.rules[normalizeHint(rc.ContentHint)]; ok && p.entitled[t] {
			return s.selection(t, RuleContentHint, false), nil
		}
	}

	target := p.spec.DefaultTier
	if p.entitled[target] {
		return s.selection(target, RulePlanDefault, false), nil
	}
	return s.selection(s.downgrade(target, p.entitled), RulePlanDefault, true), nil
}

// Tiers returns the configured tiers, highest first.
func (s *TierSelector) Tiers() []Tier {
	out := make([]Tier, len(s.order))
	copy(out, s.order)
	return out
}

// Plan returns the static spec of a plan.
func (s *TierSelector) Plan(name Plan) (PlanSpec, bool) {
	p, ok := s.plans[name]
	return p.spec, ok
}

// downgrade returns the next entitled tier below target, or the nearest
// entitled tier above it when nothing below is entitled. entitled is non-empty.
func (s *TierSelector) downgrade(target Tier, entitled map[Tier]bool) Tier {
	idx, ok := s.rank[target]
	if !ok {
		idx = -1
	}
	for i := idx + 1; i < len(s.order); i++ {
		if entitled[s.order[i]] {
			return s.order[i]
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if entitled[s.order[i]] {
			return s.order[i]
		}
	}
	return "" // unreachable: entitled holds at least one known tier
}

func (s *TierSelector) selection(t Tier, rule string, downgraded bool) Selection {
	return Selection{Tier: t, Params: s.params[t], Rule: rule, Downgraded: downgraded}
}

func normalizeHint(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
