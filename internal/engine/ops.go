package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/scanner"
	"github.com/chidi150c/optionpilot/internal/state"
)

// ToggleAutopilot flips the autopilot flag and returns the new value.
func (e *Engine) ToggleAutopilot() (bool, error) {
	var on bool
	now := e.now()
	err := e.book.Update(func(s *state.EngineState) error {
		s.Autopilot = !s.Autopilot
		on = s.Autopilot
		s.Log("system", "Autopilot "+onOff(on), now)
		return nil
	})
	e.log.Info().Bool("autopilot", on).Msg("autopilot toggled")
	e.notify.Notify(alerts.Event{Kind: alerts.KindSystem, Text: "Autopilot " + onOff(on), At: now})
	return on, err
}

// SetHoldOvernight keeps directional positions through the end of day sweep.
func (e *Engine) SetHoldOvernight(on bool) error {
	now := e.now()
	return e.book.Update(func(s *state.EngineState) error {
		if s.HoldOvernight == on {
			return state.ErrNoChange
		}
		s.HoldOvernight = on
		s.Log("system", "Hold overnight "+onOff(on), now)
		return nil
	})
}

// ResetBreaker clears the consecutive-loss streak so entries can resume.
func (e *Engine) ResetBreaker() error {
	now := e.now()
	return e.book.Update(func(s *state.EngineState) error {
		if s.ConsecutiveLosses == 0 {
			return state.ErrNoChange
		}
		s.Log("system", fmt.Sprintf("loss breaker reset after %d", s.ConsecutiveLosses), now)
		s.ConsecutiveLosses = 0
		return nil
	})
}

func (e *Engine) SetOverride(positionID string, on bool) error {
	return e.life.SetOverride(positionID, on)
}

// HoldPositionOvernight keeps a single directional through the EOD sweep
// while the account-wide flag stays off.
func (e *Engine) HoldPositionOvernight(positionID string, on bool) error {
	return e.life.HoldOvernight(positionID, on)
}

func (e *Engine) ManualClose(ctx context.Context, positionID string) error {
	return e.life.ManualClose(ctx, positionID)
}

func (e *Engine) CloseAll(ctx context.Context) (int, error) {
	return e.life.CloseAll(ctx)
}

// Status is a point-in-time operator view.
type Status struct {
	At                time.Time                            `json:"at"`
	Autopilot         bool                                 `json:"autopilot"`
	HoldOvernight     bool                                 `json:"hold_overnight"`
	Scheduler         bool                                 `json:"scheduler_running"`
	Breaker           string                               `json:"breaker,omitempty"`
	Market            state.Market                         `json:"market"`
	AccountValue      decimal.Decimal                      `json:"account_value"`
	BuyingPower       decimal.Decimal                      `json:"buying_power"`
	Reserve           decimal.Decimal                      `json:"reserve"`
	DailyPnL          decimal.Decimal                      `json:"daily_pnl"`
	TotalPnL          decimal.Decimal                      `json:"total_pnl"`
	Wins              int                                  `json:"wins"`
	Losses            int                                  `json:"losses"`
	WinRate           float64                              `json:"win_rate"`
	ConsecutiveLosses int                                  `json:"consecutive_losses"`
	TradesToday       map[state.Kind]int                   `json:"trades_today"`
	Positions         []*state.Position                    `json:"positions"`
	Gates             map[state.Kind]risk.Decision         `json:"gates"`
	GateOrder         []string                             `json:"gate_order"`
	Opportunities     map[state.Kind][]scanner.Opportunity `json:"opportunities"`
	Activity          []state.Activity                     `json:"activity"`
}

const statusActivity = 50

func (e *Engine) Status() Status {
	snap := e.book.Snapshot()
	exp := risk.Measure(snap)
	st := Status{
		At:                e.now(),
		Autopilot:         snap.Autopilot,
		HoldOvernight:     snap.HoldOvernight,
		Scheduler:         e.sched.Running(),
		Market:            snap.Market,
		AccountValue:      e.limits.AccountSize.Add(snap.DailyPnL),
		BuyingPower:       exp.Available(e.limits),
		Reserve:           e.limits.Reserve(),
		DailyPnL:          snap.DailyPnL,
		TotalPnL:          snap.TotalPnL,
		Wins:              snap.Wins,
		Losses:            snap.Losses,
		WinRate:           snap.WinRate(),
		ConsecutiveLosses: snap.ConsecutiveLosses,
		TradesToday:       snap.TradesToday,
		Positions:         snap.Active(""),
		Gates:             map[state.Kind]risk.Decision{},
		GateOrder:         e.gate.RuleNames(),
		Opportunities:     map[state.Kind][]scanner.Opportunity{},
		Activity:          snap.Activity,
	}
	if g, ok := e.broker.(interface{ BreakerState() string }); ok {
		st.Breaker = g.BreakerState()
	}
	if len(st.Activity) > statusActivity {
		st.Activity = st.Activity[:statusActivity]
	}
	e.oppMu.RLock()
	for k, d := range e.gates {
		st.Gates[k] = d
	}
	for k, v := range e.opps {
		st.Opportunities[k] = append([]scanner.Opportunity(nil), v...)
	}
	e.oppMu.RUnlock()
	return st
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
