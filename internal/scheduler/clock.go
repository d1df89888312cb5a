package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/state"
)

// SweepFunc force-closes what must not be held overnight and reports how many closed.
type SweepFunc func(ctx context.Context) (int, error)

// Clock keeps the session flags in EngineState current, fires the end of day
// sweep once per trading day and hands day changes to the DayManager.
type Clock struct {
	sess    risk.Session
	book    *state.Book
	days    *risk.DayManager
	sweep   SweepFunc
	sweepAt int // minute of day
	now     func() time.Time
	log     zerolog.Logger
}

func NewClock(sess risk.Session, book *state.Book, days *risk.DayManager, sweepAt int, sweep SweepFunc) *Clock {
	return &Clock{
		sess:    sess,
		book:    book,
		days:    days,
		sweep:   sweep,
		sweepAt: sweepAt,
		now:     time.Now,
		log:     log.With().Str("component", "clock").Logger(),
	}
}

// WithClock replaces time.Now.
func (c *Clock) WithClock(now func() time.Time) *Clock {
	c.now = now
	return c
}

// Tick refreshes market_open / in_window and runs the sweep when due.
func (c *Clock) Tick(ctx context.Context) error {
	now := c.now()
	open := c.sess.MarketOpen(now)
	inWindow := c.sess.InWindow(now, "")

	changed := false
	c.book.View(func(s *state.EngineState) {
		changed = s.Market.MarketOpen != open || s.Market.InWindow != inWindow
	})
	if changed {
		c.book.Refresh(func(s *state.EngineState) {
			s.Market.MarketOpen = open
			s.Market.InWindow = inWindow
		})
		c.log.Debug().Bool("market_open", open).Bool("in_window", inWindow).Msg("session changed")
	}
	return c.sweepIfDue(ctx, now)
}

// sweepIfDue runs at or after sweepAt on a trading day until one sweep
// completes cleanly; an overnight hold marks the day done without closing.
func (c *Clock) sweepIfDue(ctx context.Context, now time.Time) error {
	if c.sweep == nil || !c.sess.TradingDay(now) || c.sess.Minute(now) < c.sweepAt {
		return nil
	}
	today := c.sess.DateKey(now)
	var done, hold bool
	c.book.View(func(s *state.EngineState) {
		done = s.EODSweptOn == today
		hold = s.HoldOvernight
	})
	if done {
		return nil
	}

	closed := 0
	if !hold {
		n, err := c.sweep(ctx)
		if err != nil {
			return fmt.Errorf("eod sweep: %d closed: %w", n, err)
		}
		closed = n
	}
	msg := fmt.Sprintf("EOD sweep closed %d", closed)
	if hold {
		msg = "EOD sweep skipped: hold overnight"
	}
	c.log.Info().Str("day", today).Int("closed", closed).Bool("hold", hold).Msg("eod sweep")
	return c.book.Update(func(s *state.EngineState) error {
		if s.EODSweptOn == today {
			return state.ErrNoChange
		}
		s.EODSweptOn = today
		s.Log("system", msg, now)
		return nil
	})
}

// Rollover starts a new trading day when the exchange date advances.
func (c *Clock) Rollover(ctx context.Context) error {
	_, err := c.days.RolloverIfNeeded(ctx, c.now())
	return err
}
