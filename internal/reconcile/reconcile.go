package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/state"
)

var metricTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{Name: "autopilot_reconcile_transitions_total", Help: "Pending positions resolved by broker order status"},
	[]string{"to"},
)

func init() {
	prometheus.MustRegister(metricTransitions)
}

// Reconciler projects broker order status onto pending positions. It only
// ever moves pending -> open or pending -> rejected.
type Reconciler struct {
	broker broker.Broker
	book   *state.Book
	notify alerts.Notifier
	now    func() time.Time
	log    zerolog.Logger
}

func New(b broker.Broker, book *state.Book, notify alerts.Notifier) *Reconciler {
	if notify == nil {
		notify = alerts.Nop{}
	}
	return &Reconciler{
		broker: b,
		book:   book,
		notify: notify,
		now:    time.Now,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// WithClock replaces time.Now.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

type change struct {
	pos    *state.Position
	to     state.Status
	reason string
}

// Run fetches order statuses and applies them. Absent or still-working
// orders leave the position untouched. Returns the number of transitions.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	pending := 0
	r.book.View(func(s *state.EngineState) {
		for _, p := range s.Positions {
			if p.Status == state.StatusPending {
				pending++
			}
		}
	})
	if pending == 0 {
		return 0, nil
	}

	orders, err := r.broker.Orders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch orders: %w", err)
	}
	statuses := make(map[string]string, len(orders))
	for _, o := range orders {
		statuses[o.ID] = o.Status
	}

	now := r.now()
	var changes []change
	err = r.book.Update(func(s *state.EngineState) error {
		for _, p := range s.Positions {
			if p.Status != state.StatusPending {
				continue
			}
			to, reason, ok := project(statuses[p.OrderID])
			if !ok {
				continue
			}
			if err := p.Transition(to, reason, now); err != nil {
				r.log.Error().Err(err).Str("position", p.ID).Msg("transition refused")
				continue
			}
			if to == state.StatusOpen {
				s.Log("fill", fmt.Sprintf("FILLED %s", p.Label()), now)
			} else {
				s.Log("reject", fmt.Sprintf("%s %s", reason, p.Label()), now)
			}
			changes = append(changes, change{pos: p.Clone(), to: to, reason: reason})
		}
		if len(changes) == 0 {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Int("transitions", len(changes)).Msg("reconciled state not saved yet")
	}

	for _, c := range changes {
		metricTransitions.WithLabelValues(string(c.to)).Inc()
		ev := alerts.Event{Kind: alerts.KindFill, Symbol: c.pos.Symbol, At: now, Text: "FILLED " + c.pos.Label()}
		if c.to == state.StatusRejected {
			ev.Kind, ev.Text = alerts.KindReject, c.reason+" "+c.pos.Label()
		}
		r.log.Info().Str("position", c.pos.ID).Str("order_id", c.pos.OrderID).Str("to", string(c.to)).Msg("order resolved")
		r.notify.Notify(ev)
	}
	return len(changes), nil
}

func project(status string) (state.Status, string, bool) {
	switch status {
	case broker.OrderFilled:
		return state.StatusOpen, "", true
	case broker.OrderRejected, broker.OrderExpired:
		return state.StatusRejected, state.ReasonRejected, true
	case broker.OrderCanceled:
		return state.StatusRejected, state.ReasonCanceled, true
	}
	return "", "", false
}
