package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/config"
	"github.com/chidi150c/optionpilot/internal/execution"
	"github.com/chidi150c/optionpilot/internal/lifecycle"
	"github.com/chidi150c/optionpilot/internal/reconcile"
	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/scanner"
	"github.com/chidi150c/optionpilot/internal/scheduler"
	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

// VIXSymbol is quoted on every account refresh for the volatility rule.
const VIXSymbol = "VIX"

// Ledger is the durable journal: closed trades and daily summaries.
type Ledger interface {
	lifecycle.Journal
	risk.SummaryWriter
}

type Deps struct {
	Broker broker.Broker
	Book   *state.Book
	Ledger Ledger
	Notify alerts.Notifier
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine wires the autopilot components and owns their schedule.
type Engine struct {
	cfg    *config.Config
	broker broker.Broker
	book   *state.Book
	notify alerts.Notifier
	now    func() time.Time

	limits   risk.Limits
	sess     risk.Session
	gate     *risk.Gate
	scanners map[state.Kind]scanner.Scanner
	minScore map[state.Kind]float64
	dispatch *execution.Dispatcher
	recon    *reconcile.Reconciler
	life     *lifecycle.Manager
	clock    *scheduler.Clock
	sched    *scheduler.Scheduler

	// last gate decision and top candidates per kind, for Status
	oppMu sync.RWMutex
	gates map[state.Kind]risk.Decision
	opps  map[state.Kind][]scanner.Opportunity

	log zerolog.Logger
}

// LimitsFrom maps account and per-type caps onto admission limits.
func LimitsFrom(cfg *config.Config) risk.Limits {
	return risk.Limits{
		AccountSize:     decimal.NewFromFloat(cfg.Account.Size),
		ReserveFraction: cfg.Account.ReserveFraction,
		MaxOpen: map[state.Kind]int{
			state.KindCreditSpread: cfg.Spread.MaxOpen,
			state.KindDirectional:  cfg.Directional.MaxOpen,
		},
		MaxNewPerDay: map[state.Kind]int{
			state.KindCreditSpread: cfg.Spread.MaxNewPerDay,
			state.KindDirectional:  cfg.Directional.MaxNewPerDay,
		},
		Cooldown:      cfg.Account.Cooldown,
		MaxDailyLoss:  decimal.NewFromFloat(cfg.Account.MaxDailyLoss),
		MaxSameSector: cfg.Account.MaxSameSector,
		LossBreaker:   cfg.Account.LossBreaker,
		VIXLow:        cfg.Account.VIXLow,
	}
}

// SessionFrom builds the exchange calendar and returns the sweep minute.
func SessionFrom(cfg *config.Config) (risk.Session, int, error) {
	p, err := cfg.Session.Parse()
	if err != nil {
		return risk.Session{}, 0, err
	}
	windows := func(ws [][2]int) []risk.Window {
		out := make([]risk.Window, 0, len(ws))
		for _, w := range ws {
			out = append(out, risk.Window{Start: w[0], End: w[1]})
		}
		return out
	}
	return risk.Session{
		Loc:   util.LoadLocation(cfg.Timezone),
		Open:  p.Open,
		Close: p.Close,
		Windows: map[state.Kind][]risk.Window{
			state.KindCreditSpread: windows(p.SpreadWindows),
			state.KindDirectional:  windows(p.DirectionalWindows),
		},
		EODCutoff:    p.EODCutoff,
		FridayCutoff: p.FridayCutoff,
		Holidays:     p.Holidays,
	}, p.SweepAt, nil
}

func New(cfg *config.Config, d Deps) (*Engine, error) {
	if d.Broker == nil || d.Book == nil {
		return nil, fmt.Errorf("engine: broker and book are required")
	}
	if d.Notify == nil {
		d.Notify = alerts.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	sess, sweepAt, err := SessionFrom(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		broker: d.Broker,
		book:   d.Book,
		notify: d.Notify,
		now:    d.Now,
		limits: LimitsFrom(cfg),
		sess:   sess,
		gates:  map[state.Kind]risk.Decision{},
		opps:   map[state.Kind][]scanner.Opportunity{},
		log:    log.With().Str("component", "engine").Logger(),
	}
	e.gate = risk.NewGate(e.limits, sess, d.Now)

	universe := scanner.NewUniverse(cfg.Watchlist)
	e.scanners = map[state.Kind]scanner.Scanner{
		state.KindCreditSpread: scanner.NewCreditSpreadScanner(d.Broker, universe, scanner.SpreadParams{
			Width:           decimal.NewFromFloat(cfg.Spread.Width),
			MinCredit:       decimal.NewFromFloat(cfg.Spread.MinCredit),
			MaxCredit:       decimal.NewFromFloat(cfg.Spread.MaxCredit),
			MinDTE:          cfg.Spread.MinDTE,
			MaxDTE:          cfg.Spread.MaxDTE,
			TargetDelta:     cfg.Spread.TargetDelta,
			MinDelta:        cfg.Spread.MinDelta,
			MinOpenInterest: cfg.Spread.MinOpenInterest,
			Contracts:       cfg.Spread.Contracts,
			MaxSameSector:   cfg.Account.MaxSameSector,
		}, sess.Loc, e.sectorCounts).WithClock(d.Now),
	}
	e.minScore = map[state.Kind]float64{}
	if cfg.Directional.Enabled {
		e.scanners[state.KindDirectional] = scanner.NewDirectionalScanner(d.Broker, universe, scanner.DirectionalParams{
			AccountSize:     e.limits.AccountSize,
			Allocation:      cfg.Directional.Allocation,
			MaxOpen:         cfg.Directional.MaxOpen,
			MaxContracts:    cfg.Directional.MaxContracts,
			MinVolumeRatio:  cfg.Directional.MinVolumeRatio,
			MinDTE:          cfg.Directional.MinDTE,
			MaxDTE:          cfg.Directional.MaxDTE,
			MaxAsk:          decimal.NewFromFloat(cfg.Directional.MaxAsk),
			MinOpenInterest: cfg.Directional.MinOpenInterest,
		}, sess.Loc).WithClock(d.Now)
		e.minScore[state.KindDirectional] = cfg.Directional.MinScore
	}

	tiers := make([]lifecycle.Tier, 0, len(cfg.Directional.Tiers))
	for _, t := range cfg.Directional.Tiers {
		tiers = append(tiers, lifecycle.Tier{MovePct: t.MovePct, SellPct: t.SellPct})
	}
	var (
		journal lifecycle.Journal
		summary risk.SummaryWriter
	)
	if d.Ledger != nil {
		journal, summary = d.Ledger, d.Ledger
	}
	e.dispatch = execution.NewDispatcher(d.Broker, d.Book, e.limits, d.Notify).WithGate(e.gate).WithClock(d.Now)
	e.recon = reconcile.New(d.Broker, d.Book, d.Notify).WithClock(d.Now)
	e.life = lifecycle.NewManager(d.Broker, d.Book, journal, d.Notify, lifecycle.Config{
		Spread: lifecycle.SpreadRules{
			TakeProfitPct: cfg.Spread.TakeProfitPct,
			StopLossPct:   cfg.Spread.StopLossPct,
			CloseDTE:      cfg.Spread.CloseDTE,
			EmergencyDTE:  cfg.Spread.EmergencyDTE,
		},
		Directional: lifecycle.DirectionalRules{Tiers: tiers, StopLossPct: cfg.Directional.StopLossPct},
		Loc:         sess.Loc,
	}).WithClock(d.Now)
	days := risk.NewDayManager(sess, d.Book, summary)
	e.clock = scheduler.NewClock(sess, d.Book, days, sweepAt, e.life.ForceCloseDirectional).WithClock(d.Now)
	e.sched = scheduler.New(e.Tasks()...)
	return e, nil
}

// Tasks is the periodic schedule. Entry, reconcile and position tasks only
// run with autopilot on during market hours.
func (e *Engine) Tasks() []scheduler.Task {
	iv := e.cfg.Intervals
	tasks := []scheduler.Task{
		{Name: "clock", Interval: iv.Clock, Run: e.clock.Tick},
		{Name: "rollover", Interval: iv.Rollover, Run: e.clock.Rollover},
		{Name: "account", Interval: iv.Account, Run: e.RefreshAccount},
		{Name: "reconcile", Interval: iv.Position, Gate: e.trading, Run: e.Reconcile},
		{Name: "positions", Interval: iv.Position, Gate: e.trading, Run: e.life.CheckAll},
		{Name: "spreads", Interval: iv.Spread, Gate: e.trading, Run: e.entryTask(state.KindCreditSpread)},
		{Name: "autosave", Interval: iv.Autosave, Run: func(context.Context) error { return e.book.Persist() }},
	}
	if _, ok := e.scanners[state.KindDirectional]; ok {
		tasks = append(tasks, scheduler.Task{Name: "directional", Interval: iv.Directional, Gate: e.trading, Run: e.entryTask(state.KindDirectional)})
	}
	return tasks
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.clock.Rollover(ctx); err != nil {
		e.log.Warn().Err(err).Msg("initial rollover not saved")
	}
	return e.sched.Start(ctx)
}

// Stop halts every task and writes a final snapshot.
func (e *Engine) Stop() error {
	e.sched.Stop()
	return e.book.Persist()
}

func (e *Engine) trading() bool {
	on := false
	e.book.View(func(s *state.EngineState) { on = s.Autopilot && s.Market.MarketOpen })
	return on
}

func (e *Engine) sectorCounts() map[string]int {
	var out map[string]int
	e.book.View(func(s *state.EngineState) { out = risk.Measure(s).Sectors })
	return out
}
