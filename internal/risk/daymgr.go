package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/state"
)

// SummaryWriter receives the closing day's summary at rollover.
type SummaryWriter interface {
	UpsertDailySummary(ctx context.Context, d state.DailySummary) error
}

// DayManager owns the trading-day boundary of EngineState.
type DayManager struct {
	sess   Session
	book   *state.Book
	ledger SummaryWriter
	log    zerolog.Logger
}

func NewDayManager(sess Session, book *state.Book, ledger SummaryWriter) *DayManager {
	return &DayManager{
		sess:   sess,
		book:   book,
		ledger: ledger,
		log:    log.With().Str("component", "daymgr").Logger(),
	}
}

// RolloverIfNeeded starts a new trading day once the local date advances past
// EngineState.Today. It reports whether a rollover happened. The outgoing
// summary goes to the ledger after the new state is persisted.
func (dm *DayManager) RolloverIfNeeded(ctx context.Context, now time.Time) (bool, error) {
	today := dm.sess.DateKey(now)
	var (
		rolled   bool
		outgoing state.DailySummary
	)
	err := dm.book.Update(func(s *state.EngineState) error {
		if s.Today == today {
			return state.ErrNoChange
		}
		if s.Today != "" {
			outgoing = s.Summary()
		}
		s.ResetDay(today)
		s.EODSweptOn = ""
		s.Log("system", fmt.Sprintf("new trading day %s", today), now)
		rolled = true
		return nil
	})
	if !rolled {
		return false, err
	}
	if err != nil {
		dm.log.Error().Err(err).Str("day", today).Msg("rollover persisted in memory only")
	}

	if outgoing.Date != "" {
		dm.log.Info().Str("closed_day", outgoing.Date).Int("trades", outgoing.Trades).
			Str("pnl", outgoing.PnL.StringFixed(2)).Msg("trading day closed")
		if dm.ledger != nil {
			if lerr := dm.ledger.UpsertDailySummary(ctx, outgoing); lerr != nil {
				dm.log.Warn().Err(lerr).Str("day", outgoing.Date).Msg("daily summary not journaled")
			}
		}
	} else {
		dm.log.Info().Str("day", today).Msg("seeded trading day")
	}
	return true, err
}
