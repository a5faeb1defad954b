package tierrouter

import "time"

// Plan is the subscription plan of an account (e.g. "free", "pro", "vip").
type Plan string

// RequestContext carries the per-call routing inputs.
// It is created at router entry and passed by value; nothing mutates it.
type RequestContext struct {
	AccountID     string
	Plan          Plan
	TierOverride  Tier   // optional explicit tier request
	ContentHint   string // optional hint matched against content rules
	CorrelationID string
	Deadline      time.Time // zero means no deadline beyond the caller's context
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is forwarded verbatim to the Invoker. The router only reads
// Messages to estimate input units.
type Payload struct {
	Messages   []Message         `json:"messages"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Usage represents consumed units for one attempt.
type Usage struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
}

// Total returns input plus output units.
func (u Usage) Total() int64 { return u.InputUnits + u.OutputUnits }

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputUnits: u.InputUnits + o.InputUnits, OutputUnits: u.OutputUnits + o.OutputUnits}
}

// Result is what a deployment returned.
//
// An Invoker may return a Result together with a non-nil error; its Usage is
// then treated as the units consumed before the failure.
type Result struct {
	ID           string      `json:"id"`
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason"`
	Usage        Usage       `json:"usage"`
	Routing      RoutingInfo `json:"routing"`
}

// RoutingInfo describes which deployment served the request.
type RoutingInfo struct {
	Tier         Tier   `json:"tier"`
	DeploymentID string `json:"deployment_id"`
	Region       string `json:"region"`
	Model        string `json:"model"`
	Attempts     int    `json:"attempts"`
}

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
