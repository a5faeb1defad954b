package tierrouter

// CostOf computes the cost of usage on candidate c from its per-unit prices.
func CostOf(c DeploymentCandidate, u Usage) float64 {
	return float64(u.InputUnits)*c.CostPerInputUnit + float64(u.OutputUnits)*c.CostPerOutputUnit
}
