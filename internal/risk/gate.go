package risk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chidi150c/optionpilot/internal/state"
)

var (
	metricAdmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_admission_evaluations_total",
		Help: "Admission gate evaluations by trade kind and outcome",
	}, []string{"kind", "outcome"})
	metricDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_admission_denials_total",
		Help: "Admission denials by rule",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(metricAdmissions, metricDenials)
}

// Gate evaluates an ordered rule chain and stops at the first failure.
// The order is part of the contract: it decides which reason is reported.
type Gate struct {
	rules []Rule
}

// NewGate builds the standard chain:
// max open, cooldown, daily loss, session window, daily cap, EOD cutoff,
// buying-power reserve, loss breaker, calendar, volatility.
func NewGate(lim Limits, sess Session, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return newGate(
		maxOpenRule{lim: lim},
		cooldownRule{lim: lim, now: now},
		dailyLossRule{lim: lim},
		sessionRule{sess: sess, now: now},
		dailyCapRule{lim: lim},
		eodCutoffRule{sess: sess, now: now},
		reserveRule{lim: lim},
		lossBreakerRule{lim: lim},
		calendarRule{sess: sess, now: now},
		volatilityRule{lim: lim},
	)
}

func newGate(rules ...Rule) *Gate { return &Gate{rules: rules} }

// Evaluate must be called with a consistent view of s (Book.View or a clone).
func (g *Gate) Evaluate(s *state.EngineState, kind state.Kind) Decision {
	d := g.Recheck(s, kind)
	if !d.Allow {
		metricAdmissions.WithLabelValues(string(kind), "denied").Inc()
		metricDenials.WithLabelValues(d.Rule).Inc()
		return d
	}
	metricAdmissions.WithLabelValues(string(kind), "admitted").Inc()
	return d
}

// Recheck runs the same chain without counting it as an admission.
func (g *Gate) Recheck(s *state.EngineState, kind state.Kind) Decision {
	for _, r := range g.rules {
		if ok, reason := r.Check(s, kind); !ok {
			return Decision{Rule: r.Name(), Reason: reason}
		}
	}
	return allow()
}

// RuleNames lists the chain in evaluation order.
func (g *Gate) RuleNames() []string {
	out := make([]string, len(g.rules))
	for i, r := range g.rules {
		out[i] = r.Name()
	}
	return out
}
