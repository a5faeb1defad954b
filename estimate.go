package tierrouter

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		// ~4 chars per token
		total += int64(len(m.Content)) / 4
		// role, formatting
		total += 4
	}
	total += 3
	return total
}

// Estimator projects the usage of a request before dispatch. It must not
// underestimate: a reservation smaller than the real call lets concurrent
// requests overshoot the quota.
type Estimator func(spec TierSpec, p Payload) Estimate

// DefaultEstimator charges the estimated input plus the largest output budget
// of any candidate in the tier, priced at the most expensive candidate.
func DefaultEstimator(spec TierSpec, p Payload) Estimate {
	in := EstimateTokens(p.Messages)

	var (
		out  int64
		cost float64
	)
	for _, c := range spec.Deployments {
		c = c.withDefaults(spec.Params)
		o := int64(c.MaxOutputTokens)
		if o > out {
			out = o
		}
	}
	for _, c := range spec.Deployments {
		if v := CostOf(c, Usage{InputUnits: in, OutputUnits: out}); v > cost {
			cost = v
		}
	}
	return Estimate{Units: in + out, Cost: cost}
}
