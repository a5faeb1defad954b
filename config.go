package tierrouter

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the static routing configuration.
type Config struct {
	// Tiers are ordered from highest to lowest.
	Tiers        []TierConfig        `yaml:"tiers" toml:"tiers"`
	Plans        []PlanConfig        `yaml:"plans" toml:"plans"`
	ContentRules []ContentRuleConfig `yaml:"content_rules" toml:"content_rules"`
	Breaker      BreakerSettings     `yaml:"breaker" toml:"breaker"`
	Backoff      BackoffSettings     `yaml:"backoff" toml:"backoff"`
}

// TierConfig defines a tier and its ordered deployments.
type TierConfig struct {
	Name            string             `yaml:"name" toml:"name"`
	MaxOutputTokens int                `yaml:"max_output_tokens" toml:"max_output_tokens"`
	Temperature     float64            `yaml:"temperature" toml:"temperature"`
	Timeout         Duration           `yaml:"timeout" toml:"timeout"`
	Deployments     []DeploymentConfig `yaml:"deployments" toml:"deployments"`
}

// DeploymentConfig configures one backend endpoint.
type DeploymentConfig struct {
	ID                string   `yaml:"id" toml:"id"`
	Region            string   `yaml:"region" toml:"region"`
	Provider          string   `yaml:"provider" toml:"provider"`
	Model             string   `yaml:"model" toml:"model"`
	Endpoint          string   `yaml:"endpoint" toml:"endpoint"`
	APIKey            string   `yaml:"api_key" toml:"api_key"`
	MaxOutputTokens   int      `yaml:"max_output_tokens" toml:"max_output_tokens"`
	Temperature       float64  `yaml:"temperature" toml:"temperature"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	CostPerInputUnit  float64  `yaml:"cost_per_input_unit" toml:"cost_per_input_unit"`
	CostPerOutputUnit float64  `yaml:"cost_per_output_unit" toml:"cost_per_output_unit"`
}

// PlanConfig configures a plan's entitlements and quota.
type PlanConfig struct {
	Name        string      `yaml:"name" toml:"name"`
	DefaultTier string      `yaml:"default_tier" toml:"default_tier"`
	Entitled    []string    `yaml:"entitled" toml:"entitled"`
	Quota       QuotaConfig `yaml:"quota" toml:"quota"`
}

// QuotaConfig is the per-period limit. Zero limits are unlimited.
type QuotaConfig struct {
	MaxUnits int64   `yaml:"max_units" toml:"max_units"`
	MaxCost  float64 `yaml:"max_cost" toml:"max_cost"`
	Period   string  `yaml:"period" toml:"period"`
}

// ContentRuleConfig maps a content hint to a tier.
type ContentRuleConfig struct {
	Hint string `yaml:"hint" toml:"hint"`
	Tier string `yaml:"tier" toml:"tier"`
}

// BreakerSettings configures every deployment's breaker. Zero fields take defaults.
type BreakerSettings struct {
	WindowSize        int      `yaml:"window_size" toml:"window_size"`
	MinSamples        int      `yaml:"min_samples" toml:"min_samples"`
	FailureThreshold  int      `yaml:"failure_threshold" toml:"failure_threshold"`
	FailureRate       float64  `yaml:"failure_rate" toml:"failure_rate"`
	OpenTimeout       Duration `yaml:"open_timeout" toml:"open_timeout"`
	HalfOpenMaxProbes int      `yaml:"half_open_max_probes" toml:"half_open_max_probes"`
	SuccessThreshold  int      `yaml:"success_threshold" toml:"success_threshold"`
}

// BackoffSettings configures the delay between fallback attempts.
type BackoffSettings struct {
	InitialDelay Duration `yaml:"initial_delay" toml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier" toml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts"`
	Jitter       bool     `yaml:"jitter" toml:"jitter"`
}

// Duration is a time.Duration written as "30s" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads and parses a YAML or TOML config file, chosen by extension.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tierrouter: read config: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return ParseConfig(data, format)
}

// ParseConfig parses and validates config data in the given format
// ("yaml" or "toml").
func ParseConfig(data []byte, format string) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("tierrouter: parse config: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("tierrouter: parse config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("tierrouter: parse config: unknown format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("tierrouter: config: at least one tier is required")
	}

	tiers := make(map[string]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tierrouter: config: tiers[%d]: name is required", i)
		}
		if tiers[t.Name] {
			return fmt.Errorf("tierrouter: config: duplicate tier %q", t.Name)
		}
		tiers[t.Name] = true

		if len(t.Deployments) == 0 {
			return fmt.Errorf("tierrouter: config: tier %q: at least one deployment is required", t.Name)
		}
		keys := make(map[DeploymentKey]bool, len(t.Deployments))
		for j, d := range t.Deployments {
			if d.ID == "" {
				return fmt.Errorf("tierrouter: config: tier %q: deployments[%d]: id is required", t.Name, j)
			}
			k := DeploymentKey{ID: d.ID, Region: d.Region}
			if keys[k] {
				return fmt.Errorf("tierrouter: config: tier %q: duplicate deployment %s", t.Name, k)
			}
			keys[k] = true
			if d.CostPerInputUnit < 0 || d.CostPerOutputUnit < 0 {
				return fmt.Errorf("tierrouter: config: tier %q: deployment %s: negative cost", t.Name, k)
			}
		}
	}

	if len(c.Plans) == 0 {
		return fmt.Errorf("tierrouter: config: at least one plan is required")
	}
	plans := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if p.Name == "" {
			return fmt.Errorf("tierrouter: config: plans[%d]: name is required", i)
		}
		if plans[p.Name] {
			return fmt.Errorf("tierrouter: config: duplicate plan %q", p.Name)
		}
		plans[p.Name] = true

		if !tiers[p.DefaultTier] {
			return fmt.Errorf("tierrouter: config: plan %q: unknown default_tier %q", p.Name, p.DefaultTier)
		}
		if len(p.Entitled) == 0 {
			return fmt.Errorf("tierrouter: config: plan %q: at least one entitled tier is required", p.Name)
		}
		for _, t := range p.Entitled {
			if !tiers[t] {
				return fmt.Errorf("tierrouter: config: plan %q: unknown entitled tier %q", p.Name, t)
			}
		}
		if !Period(p.Quota.Period).Valid() {
			return fmt.Errorf("tierrouter: config: plan %q: invalid period %q", p.Name, p.Quota.Period)
		}
		if p.Quota.MaxUnits < 0 || p.Quota.MaxCost < 0 {
			return fmt.Errorf("tierrouter: config: plan %q: negative quota", p.Name)
		}
	}

	for i, r := range c.ContentRules {
		if strings.TrimSpace(r.Hint) == "" {
			return fmt.Errorf("tierrouter: config: content_rules[%d]: hint is required", i)
		}
		if !tiers[r.Tier] {
			return fmt.Errorf("tierrouter: config: content_rules[%d]: unknown tier %q", i, r.Tier)
		}
	}

	if c.Breaker.FailureRate < 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("tierrouter: config: breaker: failure_rate must be in [0,1]")
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1 {
		return fmt.Errorf("tierrouter: config: backoff: multiplier must be >= 1")
	}

	return nil
}

// TierSpecs returns the tiers, highest first, with tier parameters applied
// to deployments that leave them unset.
func (c Config) TierSpecs() []TierSpec {
	out := make([]TierSpec, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		params := GenerationParams{
			MaxOutputTokens: t.MaxOutputTokens,
			Temperature:     t.Temperature,
			Timeout:         t.Timeout.Std(),
		}
		spec := TierSpec{Name: Tier(t.Name), Params: params}
		for _, d := range t.Deployments {
			dc := DeploymentCandidate{
				ID:                d.ID,
				Region:            d.Region,
				Provider:          d.Provider,
				Model:             d.Model,
				Endpoint:          d.Endpoint,
				Auth:              Auth{APIKey: d.APIKey},
				MaxOutputTokens:   d.MaxOutputTokens,
				Temperature:       d.Temperature,
				Timeout:           d.Timeout.Std(),
				CostPerInputUnit:  d.CostPerInputUnit,
				CostPerOutputUnit: d.CostPerOutputUnit,
			}
			spec.Deployments = append(spec.Deployments, dc.withDefaults(params))
		}
		out = append(out, spec)
	}
	return out
}

// PlanSpecs returns the plans.
func (c Config) PlanSpecs() []PlanSpec {
	out := make([]PlanSpec, 0, len(c.Plans))
	for _, p := range c.Plans {
		spec := PlanSpec{
			Name:        Plan(p.Name),
			DefaultTier: Tier(p.DefaultTier),
			Quota: QuotaPolicy{
				MaxUnits: p.Quota.MaxUnits,
				MaxCost:  p.Quota.MaxCost,
				Period:   Period(p.Quota.Period),
			},
		}
		for _, t := range p.Entitled {
			spec.Entitled = append(spec.Entitled, Tier(t))
		}
		out = append(out, spec)
	}
	return out
}

// Rules returns the content rules.
func (c Config) Rules() []ContentRule {
	out := make([]ContentRule, 0, len(c.ContentRules))
	for _, r := range c.ContentRules {
		out = append(out, ContentRule{Hint: r.Hint, Tier: Tier(r.Tier)})
	}
	return out
}

// BreakerConfig returns the breaker thresholds with defaults applied.
func (c Config) BreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:        c.Breaker.WindowSize,
		MinSamples:        c.Breaker.MinSamples,
		FailureThreshold:  c.Breaker.FailureThreshold,
		FailureRate:       c.Breaker.FailureRate,
		OpenTimeout:       c.Breaker.OpenTimeout.Std(),
		HalfOpenMaxProbes: c.Breaker.HalfOpenMaxProbes,
		SuccessThreshold:  c.Breaker.SuccessThreshold,
	}.withDefaults()
}

// BackoffPolicy returns the backoff policy with defaults applied. Jitter, when
// enabled, draws from a time-seeded source.
func (c Config) BackoffPolicy() BackoffPolicy {
	p := BackoffPolicy{
		InitialDelay: c.Backoff.InitialDelay.Std(),
		Multiplier:   c.Backoff.Multiplier,
		MaxDelay:     c.Backoff.MaxDelay.Std(),
		MaxAttempts:  c.Backoff.MaxAttempts,
	}.withDefaults()
	if c.Backoff.Jitter {
		seed := uint64(time.Now().UnixNano())
		p.Jitter = EqualJitter(rand.New(rand.NewPCG(seed, seed>>1)))
	}
	return p
}
