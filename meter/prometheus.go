package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/tierrouter"
)

const namespace = "tierrouter"

// PrometheusSink turns routing events into Prometheus metrics.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	units        *prometheus.CounterVec
	cost         *prometheus.CounterVec
}

var _ tierrouter.Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of routing events by type",
			},
			[]string{"event", "tier"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "deployment",
				Name:      "attempts_total",
				Help:      "Total number of deployment attempts by outcome",
			},
			[]string{"deployment", "region", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "deployment",
				Name:      "attempt_duration_seconds",
				Help:      "Deployment attempt duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"deployment", "region"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"deployment", "region"},
		),
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "units_total",
				Help:      "Committed usage units",
			},
			[]string{"tier", "type"}, // type: input/output
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "cost_total",
				Help:      "Committed usage cost",
			},
			[]string{"tier"},
		),
	}

	for _, c := range []prometheus.Collector{s.events, s.attempts, s.duration, s.breakerState, s.units, s.cost} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) Emit(e tierrouter.Event) {
	s.events.WithLabelValues(string(e.Type), string(e.Tier)).Inc()

	switch e.Type {
	case tierrouter.EventAttemptSucceeded, tierrouter.EventAttemptFailed:
		status := "success"
		if e.Type == tierrouter.EventAttemptFailed {
			status = "failure"
		}
		s.attempts.WithLabelValues(e.DeploymentID, e.Region, status).Inc()
		if ms, ok := e.Details["duration_ms"].(int64); ok {
			s.duration.WithLabelValues(e.DeploymentID, e.Region).Observe(float64(ms) / 1000)
		}
	case tierrouter.EventBreakerTransition:
		s.breakerState.WithLabelValues(e.DeploymentID, e.Region).Set(stateValue(e.Details["to"]))
	case tierrouter.EventUsageCommitted:
		if n, ok := e.Details["input_units"].(int64); ok && n > 0 {
			s.units.WithLabelValues(string(e.Tier), "input").Add(float64(n))
		}
		if n, ok := e.Details["output_units"].(int64); ok && n > 0 {
			s.units.WithLabelValues(string(e.Tier), "output").Add(float64(n))
		}
		if c, ok := e.Details["cost"].(float64); ok && c > 0 {
			s.cost.WithLabelValues(string(e.Tier)).Add(c)
		}
	}
}

func stateValue(v any) float64 {
	switch v {
	case tierrouter.StateOpen.String():
		return 1
	case tierrouter.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}

// Attempts returns the deployment attempt counter.
func (s *PrometheusSink) Attempts() *prometheus.CounterVec { return s.attempts }

// Duration returns the attempt duration histogram.
func (s *PrometheusSink) Duration() *prometheus.HistogramVec { return s.duration }

// BreakerState returns the breaker state gauge.
func (s *PrometheusSink) BreakerState() *prometheus.GaugeVec { return s.breakerState }

// Units returns the committed units counter.
func (s *PrometheusSink) Units() *prometheus.CounterVec { return s.units }

// Cost returns the committed cost counter.
func (s *PrometheusSink) Cost() *prometheus.CounterVec { return s.cost }
