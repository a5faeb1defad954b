package tierrouter

import (
	"fmt"
	"time"
)

// Tier is a named service level. The set of tiers is closed and defined by
// configuration, ordered from highest to lowest.
type Tier string

// GenerationParams are the call parameters a tier applies to its deployments.
type GenerationParams struct {
	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration
}

// DeploymentKey identifies a backend endpoint. Breakers are keyed by it.
type DeploymentKey struct {
	ID     string
	Region string
}

func (k DeploymentKey) String() string {
	if k.Region == "" {
		return k.ID
	}
	return fmt.Sprintf("%s@%s", k.ID, k.Region)
}

// Auth holds deployment credentials.
type Auth struct {
	APIKey string
}

// DeploymentCandidate is one backend endpoint able to serve a tier,
// together with its call parameters. Immutable once loaded.
type DeploymentCandidate struct {
	ID       string
	Region   string
	Provider string
	Model    string
	Endpoint string
	Auth     Auth

	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration

	CostPerInputUnit  float64
	CostPerOutputUnit float64
}

// Key returns the breaker identity of the candidate.
func (c DeploymentCandidate) Key() DeploymentKey {
	return DeploymentKey{ID: c.ID, Region: c.Region}
}

// withDefaults fills zero call parameters from the tier.
func (c DeploymentCandidate) withDefaults(p GenerationParams) DeploymentCandidate {
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = p.MaxOutputTokens
	}
	if c.Temperature == 0 {
		c.Temperature = p.Temperature
	}
	if c.Timeout == 0 {
		c.Timeout = p.Timeout
	}
	return c
}

// TierSpec is a tier with its ordered fallback list.
type TierSpec struct {
	Name        Tier
	Params      GenerationParams
	Deployments []DeploymentCandidate
}
