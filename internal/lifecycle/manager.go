package lifecycle

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
	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

var (
	metricExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autopilot_exits_total", Help: "Exit actions by kind and reason"},
		[]string{"kind", "reason"},
	)
	metricExitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autopilot_exit_failures_total", Help: "Exit orders the broker did not take"},
		[]string{"kind"},
	)
	metricOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "autopilot_open_positions", Help: "Open positions at the last lifecycle pass"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(metricExits, metricExitFailures, metricOpen)
}

// Journal receives closed trades and the running daily summary.
type Journal interface {
	AppendTrade(ctx context.Context, t state.TradeRecord) error
	UpsertDailySummary(ctx context.Context, d state.DailySummary) error
}

type Config struct {
	Spread      SpreadRules
	Directional DirectionalRules
	Loc         *time.Location
}

// Manager re-prices open positions and executes exits. Exits from the
// periodic pass, operator closes and the EOD sweep run one at a time.
type Manager struct {
	broker  broker.Broker
	book    *state.Book
	journal Journal
	notify  alerts.Notifier
	cfg     Config
	now     func() time.Time
	newID   func() string

	exitMu sync.Mutex
	log    zerolog.Logger
}

func NewManager(b broker.Broker, book *state.Book, journal Journal, notify alerts.Notifier, cfg Config) *Manager {
	if notify == nil {
		notify = alerts.Nop{}
	}
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return &Manager{
		broker:  b,
		book:    book,
		journal: journal,
		notify:  notify,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// WithClock replaces time.Now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CheckAll marks every open, non-overridden position and applies at most one
// exit action to each. A broker failure on one position does not stop the pass.
func (m *Manager) CheckAll(ctx context.Context) error {
	var positions []*state.Position
	m.book.View(func(s *state.EngineState) {
		for _, p := range s.Open("") {
			if !p.ManualOverride {
				positions = append(positions, p.Clone())
			}
		}
		metricOpen.WithLabelValues(string(state.KindCreditSpread)).Set(float64(len(s.Open(state.KindCreditSpread))))
		metricOpen.WithLabelValues(string(state.KindDirectional)).Set(float64(len(s.Open(state.KindDirectional))))
	})
	if len(positions) == 0 {
		return nil
	}

	marked, err := m.mark(ctx, positions)
	if err != nil {
		return err
	}
	m.book.Refresh(func(s *state.EngineState) {
		for _, p := range marked {
			if live := s.Find(p.ID); live != nil && live.Status == state.StatusOpen {
				copyMark(live, p)
			}
		}
	})

	var errs []error
	for _, p := range marked {
		var a Action
		switch p.Kind {
		case state.KindCreditSpread:
			a = EvaluateSpread(p.Spread, m.cfg.Spread)
		case state.KindDirectional:
			a = EvaluateDirectional(p.Directional, m.cfg.Directional)
		}
		if a.Kind == Hold {
			continue
		}
		if err := m.exit(ctx, p, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mark prices clones in place from a single quote request and returns the
// ones that could be priced. Unpriced positions are skipped this pass.
func (m *Manager) mark(ctx context.Context, positions []*state.Position) ([]*state.Position, error) {
	var symbols []string
	now := m.now()
	for _, p := range positions {
		switch {
		case p.Spread != nil:
			symbols = append(symbols, p.Spread.ShortSymbol, p.Spread.LongSymbol)
			dte, err := util.DaysUntil(m.cfg.Loc, now, p.Spread.Expiration)
			if err != nil {
				m.log.Warn().Err(err).Str("position", p.ID).Msg("unreadable expiration, dte rules skipped")
				dte = unknownDTE
			}
			p.Spread.DTE = dte
		case p.Directional != nil:
			symbols = append(symbols, p.Directional.OptionSymbol)
		}
	}
	quotes, err := m.broker.Quotes(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("mark positions: %w", err)
	}
	out := positions[:0]
	for _, p := range positions {
		ok := false
		switch {
		case p.Spread != nil:
			ok = markSpread(p, quotes)
		case p.Directional != nil:
			ok = markDirectional(p, quotes)
		}
		if !ok {
			m.log.Debug().Str("position", p.ID).Str("symbol", p.Symbol).Msg("no quote, skipped")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func copyMark(dst, src *state.Position) {
	dst.UnrealizedPnL = src.UnrealizedPnL
	if dst.Spread != nil && src.Spread != nil {
		dst.Spread.CurrentDebit = src.Spread.CurrentDebit
		dst.Spread.CurrentProfit = src.Spread.CurrentProfit
		dst.Spread.ProfitPct = src.Spread.ProfitPct
		dst.Spread.DTE = src.Spread.DTE
	}
	if dst.Directional != nil && src.Directional != nil {
		dst.Directional.CurrentBid = src.Directional.CurrentBid
		dst.Directional.MovePct = src.Directional.MovePct
	}
}

// exit sends the closing order and, once the broker took it, books the result.
// On broker failure the position stays open and is retried next pass.
//
// marked carries the caller's quotes only. Quantity and tier progress are
// re-read from the book under exitMu, so an exit queued behind another one
// sizes itself from what is actually left.
func (m *Manager) exit(ctx context.Context, marked *state.Position, a Action) error {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()

	var p *state.Position
	m.book.View(func(s *state.EngineState) {
		live := s.Find(marked.ID)
		if live != nil && live.Status == state.StatusOpen &&
			(!live.ManualOverride || a.Reason == state.ReasonManual) {
			p = live.Clone()
		}
	})
	if p == nil {
		return nil
	}
	copyMark(p, marked)
	a, ok := resize(p, a)
	if !ok {
		return nil
	}

	to, reason, detail := state.StatusClosed, a.Reason, a.Detail
	var err error
	switch p.Kind {
	case state.KindCreditSpread:
		to, reason, detail, err = m.closeSpread(ctx, p, a)
	case state.KindDirectional:
		err = m.sellOption(ctx, p, a.Qty)
	}
	if err != nil {
		metricExitFailures.WithLabelValues(string(p.Kind)).Inc()
		m.log.Warn().Err(err).Str("position", p.ID).Str("symbol", p.Symbol).Str("reason", a.Reason).Msg("exit order failed")
		return fmt.Errorf("exit %s %s: %w", p.Symbol, a.Reason, err)
	}
	return m.settle(ctx, p, a, to, reason, detail)
}

// resize fits a directional action to the live quantity. A tier already
// taken is dropped, a partial is capped at what remains and becomes a close
// when it would sell everything, and a full close sells the live quantity.
func resize(p *state.Position, a Action) (Action, bool) {
	d := p.Directional
	if d == nil {
		return a, true
	}
	if d.CurrentQty <= 0 {
		return a, false
	}
	if a.Kind != Partial {
		a.Qty = d.CurrentQty
		return a, true
	}
	if a.Tier <= d.TierHit {
		return a, false
	}
	if a.Qty >= d.CurrentQty {
		a.Kind, a.Qty = Close, d.CurrentQty
	}
	return a, true
}

// closeSpread closes at the current mark. A roll that cannot be placed falls
// back to a market close so the spread never rides past its risk window.
func (m *Manager) closeSpread(ctx context.Context, p *state.Position, a Action) (state.Status, string, string, error) {
	sp := p.Spread
	order := broker.SpreadOrder{
		Symbol:      p.Symbol,
		ShortSymbol: sp.ShortSymbol,
		LongSymbol:  sp.LongSymbol,
		Quantity:    p.Contracts,
		Limit:       sp.CurrentDebit,
	}
	_, err := m.broker.CloseSpread(ctx, order)
	if a.Kind != Roll {
		return state.StatusClosed, a.Reason, a.Detail, err
	}
	if err == nil {
		return state.StatusRolled, state.ReasonRoll, a.Detail, nil
	}

	m.log.Warn().Err(err).Str("position", p.ID).Msg("roll close failed, closing at market")
	order.Limit = decimal.Zero
	if _, merr := m.broker.CloseSpread(ctx, order); merr != nil {
		return "", "", "", errors.Join(err, merr)
	}
	return state.StatusClosed, state.ReasonRollFailed, fmt.Sprintf("%s: %v", a.Detail, err), nil
}

func (m *Manager) sellOption(ctx context.Context, p *state.Position, qty int) error {
	_, err := m.broker.SellOption(ctx, broker.OptionOrder{
		Symbol:       p.Symbol,
		OptionSymbol: p.Directional.OptionSymbol,
		Quantity:     qty,
	})
	return err
}

// settle records a completed exit order: realized P&L, status, streaks,
// activity, then the journal and alert outside the state lock.
func (m *Manager) settle(ctx context.Context, p *state.Position, a Action, to state.Status, reason, detail string) error {
	now := m.now()
	qty, entry, exit := exitFill(p, a)
	pnl := realized(p, qty, entry, exit)
	full := a.Kind != Partial

	var (
		summary state.DailySummary
		label   string
	)
	err := m.book.Update(func(s *state.EngineState) error {
		live := s.Find(p.ID)
		if live == nil {
			return fmt.Errorf("%w: %s", state.ErrNotFound, p.ID)
		}
		if full {
			if err := live.Transition(to, reason, now); err != nil {
				return err
			}
			live.CloseDetail = detail
		} else if live.Status != state.StatusOpen {
			return fmt.Errorf("%w: partial on %s position %s", state.ErrInvalidTransition, live.Status, live.ID)
		}
		live.RealizedPnL = live.RealizedPnL.Add(pnl)
		s.AddRealized(pnl)
		if d := live.Directional; d != nil {
			d.CurrentQty -= qty
			if a.Tier > d.TierHit {
				d.TierHit = a.Tier
			}
		}
		if full {
			s.RecordOutcome(live.RealizedPnL)
		}
		label = live.Label()
		s.Log("exit", fmt.Sprintf("%s %s | %s | $%s", reason, label, detail, pnl.StringFixed(2)), now)
		summary = s.Summary()
		return nil
	})
	if err != nil && label == "" {
		return err
	}
	if err != nil {
		m.log.Error().Err(err).Str("position", p.ID).Msg("exit booked in memory only")
	}
	metricExits.WithLabelValues(string(p.Kind), reason).Inc()
	m.log.Info().Str("position", p.ID).Str("symbol", p.Symbol).Str("reason", reason).
		Str("detail", detail).Int("qty", qty).Str("pnl", pnl.StringFixed(2)).Msg("exit")

	if m.journal != nil {
		rec := state.TradeRecord{
			ID: m.newID(), PositionID: p.ID, Kind: p.Kind, Symbol: p.Symbol, Sector: p.Sector,
			Quantity: qty, Entry: entry, Exit: exit, PnL: pnl, Reason: reason, Detail: detail,
			OpenedAt: p.OpenedAt, ClosedAt: now,
		}
		if jerr := m.journal.AppendTrade(ctx, rec); jerr != nil {
			m.log.Warn().Err(jerr).Str("position", p.ID).Msg("trade not journaled")
		}
		if jerr := m.journal.UpsertDailySummary(ctx, summary); jerr != nil {
			m.log.Warn().Err(jerr).Str("day", summary.Date).Msg("daily summary not journaled")
		}
	}
	m.notify.Notify(alerts.Event{
		Kind: alerts.KindExit, Symbol: p.Symbol, At: now,
		Text: fmt.Sprintf("%s %s | %s | P/L $%s", reason, label, detail, pnl.StringFixed(2)),
	})
	return nil
}

// exitFill returns the quantity closed and per-unit entry and exit prices.
func exitFill(p *state.Position, a Action) (int, decimal.Decimal, decimal.Decimal) {
	if sp := p.Spread; sp != nil {
		debit := sp.CurrentDebit
		if !debit.IsPositive() {
			debit = sp.Credit
		}
		return p.Contracts, sp.Credit, debit
	}
	d := p.Directional
	qty := a.Qty
	if qty <= 0 || qty > d.CurrentQty {
		qty = d.CurrentQty
	}
	bid := d.CurrentBid
	if !bid.IsPositive() {
		bid = d.EntryPrice
	}
	return qty, d.EntryPrice, bid
}

// realized is credit kept for spreads and premium gained for long options.
func realized(p *state.Position, qty int, entry, exit decimal.Decimal) decimal.Decimal {
	n := decimal.NewFromInt(int64(qty)).Mul(hundred)
	if p.Kind == state.KindCreditSpread {
		return entry.Sub(exit).Mul(n)
	}
	return exit.Sub(entry).Mul(n)
}
