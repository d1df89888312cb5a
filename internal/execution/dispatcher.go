package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/scanner"
	"github.com/chidi150c/optionpilot/internal/state"
)

var (
	// ErrInvariant is returned when the last check before submission finds a
	// candidate the admission path should already have excluded.
	ErrInvariant = errors.New("invariant violation")
	// ErrGated means another entry landed between admission and submission
	// and the gate no longer passes.
	ErrGated = errors.New("entry no longer admitted")
)

var metricEntries = prometheus.NewCounterVec(
	prometheus.CounterOpts{Name: "autopilot_entries_total", Help: "Entry submissions by kind and result"},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(metricEntries)
}

// Dispatcher turns an admitted opportunity into a broker order and a pending
// position. Entries are serialized so two scanners cannot both spend the
// same buying power.
type Dispatcher struct {
	broker broker.Broker
	book   *state.Book
	gate   *risk.Gate
	limits risk.Limits
	notify alerts.Notifier
	now    func() time.Time
	newID  func() string

	mu  sync.Mutex
	log zerolog.Logger
}

func NewDispatcher(b broker.Broker, book *state.Book, limits risk.Limits, notify alerts.Notifier) *Dispatcher {
	if notify == nil {
		notify = alerts.Nop{}
	}
	return &Dispatcher{
		broker: b,
		book:   book,
		limits: limits,
		notify: notify,
		now:    time.Now,
		newID:  uuid.NewString,
		log:    log.With().Str("component", "dispatcher").Logger(),
	}
}

// WithClock replaces time.Now.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithGate re-runs the admission chain under the entry lock.
func (d *Dispatcher) WithGate(g *risk.Gate) *Dispatcher {
	d.gate = g
	return d
}

// Execute submits o and records it as pending. State is untouched unless the
// broker accepted the order. A failed save after acceptance is logged and
// left to the periodic save; the position is still returned.
func (d *Dispatcher) Execute(ctx context.Context, o scanner.Opportunity) (*state.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind := string(o.Kind)
	gated, dec := risk.Decision{Allow: true}, risk.Decision{}
	d.book.View(func(s *state.EngineState) {
		if d.gate != nil {
			gated = d.gate.Recheck(s, o.Kind)
		}
		dec = risk.CheckCandidate(s, d.limits, o.Symbol, o.Sector, o.MaxLoss())
	})
	if !gated.Allow {
		metricEntries.WithLabelValues(kind, "gated").Inc()
		d.log.Info().Str("symbol", o.Symbol).Str("rule", gated.Rule).Str("reason", gated.Reason).Msg("entry gated at submission")
		return nil, fmt.Errorf("%w: %s: %s", ErrGated, o.Symbol, gated.Reason)
	}
	if !dec.Allow {
		metricEntries.WithLabelValues(kind, "invariant").Inc()
		d.log.Error().Str("symbol", o.Symbol).Str("rule", dec.Rule).Str("reason", dec.Reason).Msg("candidate reached dispatcher past admission")
		return nil, fmt.Errorf("%w: %s: %s", ErrInvariant, o.Symbol, dec.Reason)
	}

	orderID, err := d.submit(ctx, o)
	if err != nil {
		metricEntries.WithLabelValues(kind, "failed").Inc()
		return nil, fmt.Errorf("submit %s %s: %w", kind, o.Symbol, err)
	}
	metricEntries.WithLabelValues(kind, "placed").Inc()

	now := d.now()
	pos, err := newPosition(d.newID(), orderID, o, now)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("ENTRY %s order %s", pos.Label(), orderID)
	if err := d.book.Update(func(s *state.EngineState) error {
		s.Positions = append(s.Positions, pos.Clone())
		s.NoteEntry(o.Kind, now)
		s.Log("trade", msg, now)
		return nil
	}); err != nil {
		d.log.Error().Err(err).Str("order_id", orderID).Msg("pending position not saved yet")
	}

	d.log.Info().Str("symbol", o.Symbol).Str("kind", kind).Str("order_id", orderID).
		Int("contracts", o.Contracts).Float64("score", o.Score).Msg("order placed")
	d.notify.Notify(alerts.Event{Kind: alerts.KindEntry, Symbol: o.Symbol, Text: msg, At: now})
	return pos, nil
}

func (d *Dispatcher) submit(ctx context.Context, o scanner.Opportunity) (string, error) {
	switch o.Kind {
	case state.KindCreditSpread:
		return d.broker.PlaceSpread(ctx, broker.SpreadOrder{
			Symbol:      o.Symbol,
			ShortSymbol: o.ShortSymbol,
			LongSymbol:  o.LongSymbol,
			Quantity:    o.Contracts,
			Limit:       o.Credit,
		})
	case state.KindDirectional:
		return d.broker.BuyOption(ctx, broker.OptionOrder{
			Symbol:       o.Symbol,
			OptionSymbol: o.OptionSymbol,
			Quantity:     o.Contracts,
			Limit:        o.Ask,
		})
	}
	return "", fmt.Errorf("unknown kind %q", o.Kind)
}

func newPosition(id, orderID string, o scanner.Opportunity, at time.Time) (*state.Position, error) {
	p := &state.Position{
		ID:        id,
		Kind:      o.Kind,
		Symbol:    o.Symbol,
		Sector:    o.Sector,
		Contracts: o.Contracts,
		OrderID:   orderID,
		Status:    state.StatusPending,
		OpenedAt:  at,
	}
	switch o.Kind {
	case state.KindCreditSpread:
		p.Spread = &state.CreditSpread{
			Side:        o.Side,
			Expiration:  o.Expiration,
			ShortStrike: o.ShortStrike,
			LongStrike:  o.LongStrike,
			ShortSymbol: o.ShortSymbol,
			LongSymbol:  o.LongSymbol,
			Width:       o.Width,
			Credit:      o.Credit,
			DTE:         o.DTE,
		}
	case state.KindDirectional:
		p.Directional = &state.Directional{
			OptionSymbol: o.OptionSymbol,
			OptionType:   o.OptionType,
			Setup:        o.Setup,
			Score:        o.Score,
			Strike:       o.Strike,
			Expiration:   o.Expiration,
			EntryPrice:   o.Ask,
			CurrentQty:   o.Contracts,
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", o.Kind)
	}
	return p, nil
}
