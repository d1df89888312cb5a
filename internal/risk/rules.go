package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/chidi150c/optionpilot/internal/state"
)

// Rule is one admission predicate. It sees the state under the Book read lock.
type Rule interface {
	Name() string
	Check(s *state.EngineState, kind state.Kind) (bool, string)
}

type maxOpenRule struct{ lim Limits }

func (maxOpenRule) Name() string { return "max_open" }

func (r maxOpenRule) Check(s *state.EngineState, kind state.Kind) (bool, string) {
	limit := r.lim.MaxOpen[kind]
	if len(s.Active(kind)) >= limit {
		if kind == state.KindCreditSpread {
			return false, fmt.Sprintf("Max %d spreads", limit)
		}
		return false, fmt.Sprintf("Max %d directional", limit)
	}
	return true, ""
}

type cooldownRule struct {
	lim Limits
	now func() time.Time
}

func (cooldownRule) Name() string { return "cooldown" }

func (r cooldownRule) Check(s *state.EngineState, _ state.Kind) (bool, string) {
	if s.LastTradeAt == nil {
		return true, ""
	}
	elapsed := r.now().Sub(*s.LastTradeAt)
	if elapsed < r.lim.Cooldown {
		left := int(math.Ceil((r.lim.Cooldown - elapsed).Seconds()))
		return false, fmt.Sprintf("Cooldown: %ds", left)
	}
	return true, ""
}

// dailyLossRule floors today's realized plus open mark-to-market P&L.
type dailyLossRule struct{ lim Limits }

func (dailyLossRule) Name() string { return "daily_loss" }

func (r dailyLossRule) Check(s *state.EngineState, _ state.Kind) (bool, string) {
	if s.DailyPnL.Add(s.Market.OpenPnL).LessThanOrEqual(r.lim.MaxDailyLoss) {
		return false, "Daily loss limit"
	}
	return true, ""
}

type sessionRule struct {
	sess Session
	now  func() time.Time
}

func (sessionRule) Name() string { return "session_window" }

func (r sessionRule) Check(_ *state.EngineState, kind state.Kind) (bool, string) {
	now := r.now()
	if r.sess.IsWeekend(now) {
		return false, "Weekend"
	}
	if !r.sess.inWindowMinute(r.sess.Minute(now), kind) {
		if kind == state.KindCreditSpread {
			return false, "Outside spread window"
		}
		return false, "Outside windows"
	}
	return true, ""
}

type dailyCapRule struct{ lim Limits }

func (dailyCapRule) Name() string { return "daily_cap" }

func (r dailyCapRule) Check(s *state.EngineState, kind state.Kind) (bool, string) {
	if s.TradesToday[kind] >= r.lim.MaxNewPerDay[kind] {
		if kind == state.KindCreditSpread {
			return false, "Max spreads/day"
		}
		return false, "Max dir/day"
	}
	return true, ""
}

type eodCutoffRule struct {
	sess Session
	now  func() time.Time
}

func (eodCutoffRule) Name() string { return "eod_cutoff" }

func (r eodCutoffRule) Check(_ *state.EngineState, _ state.Kind) (bool, string) {
	if r.sess.Minute(r.now()) >= r.sess.EODCutoff {
		return false, "EOD block"
	}
	return true, ""
}

type reserveRule struct{ lim Limits }

func (reserveRule) Name() string { return "bp_reserve" }

func (r reserveRule) Check(s *state.EngineState, _ state.Kind) (bool, string) {
	if Measure(s).Available(r.lim).LessThan(r.lim.Reserve()) {
		return false, "BP reserve"
	}
	return true, ""
}

type lossBreakerRule struct{ lim Limits }

func (lossBreakerRule) Name() string { return "loss_breaker" }

func (r lossBreakerRule) Check(s *state.EngineState, _ state.Kind) (bool, string) {
	if s.ConsecutiveLosses >= r.lim.LossBreaker {
		return false, fmt.Sprintf("%d-loss breaker", r.lim.LossBreaker)
	}
	return true, ""
}

type calendarRule struct {
	sess Session
	now  func() time.Time
}

func (calendarRule) Name() string { return "calendar" }

func (r calendarRule) Check(_ *state.EngineState, _ state.Kind) (bool, string) {
	now := r.now()
	switch {
	case r.sess.IsFridayAfterCutoff(now):
		return false, "Friday EOD"
	case r.sess.IsWeekend(now):
		return false, "Weekend"
	case r.sess.IsHoliday(now):
		return false, "Holiday"
	}
	return true, ""
}

// volatilityRule keeps premium selling out of a low-VIX regime.
type volatilityRule struct{ lim Limits }

func (volatilityRule) Name() string { return "volatility" }

func (r volatilityRule) Check(s *state.EngineState, kind state.Kind) (bool, string) {
	if kind == state.KindCreditSpread && s.Market.VIX < r.lim.VIXLow {
		return false, "VIX too low"
	}
	return true, ""
}
