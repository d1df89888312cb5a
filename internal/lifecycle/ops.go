package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/state"
)

// ManualClose closes an open position at the current mark, override or not.
func (m *Manager) ManualClose(ctx context.Context, id string) error {
	var p *state.Position
	m.book.View(func(s *state.EngineState) {
		if live := s.Find(id); live != nil {
			p = live.Clone()
		}
	})
	if p == nil {
		return fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	if p.Status != state.StatusOpen {
		return fmt.Errorf("%w: %s is %s", state.ErrInvalidTransition, id, p.Status)
	}
	return m.exit(ctx, m.markOne(ctx, p), fullClose(p, state.ReasonManual, "operator"))
}

// CloseAll manually closes every open position and reports how many closed.
func (m *Manager) CloseAll(ctx context.Context) (int, error) {
	var ids []string
	m.book.View(func(s *state.EngineState) {
		for _, p := range s.Open("") {
			ids = append(ids, p.ID)
		}
	})
	var errs []error
	closed := 0
	for _, id := range ids {
		if err := m.ManualClose(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// ForceCloseDirectional is the end-of-day sweep: every open directional
// position without an override or its own overnight hold is sold.
func (m *Manager) ForceCloseDirectional(ctx context.Context) (int, error) {
	var targets []*state.Position
	m.book.View(func(s *state.EngineState) {
		for _, p := range s.Open(state.KindDirectional) {
			if p.ManualOverride || (p.Directional != nil && p.Directional.HoldOvernight) {
				continue
			}
			targets = append(targets, p.Clone())
		}
	})
	var errs []error
	closed := 0
	for _, p := range targets {
		if err := m.exit(ctx, m.markOne(ctx, p), fullClose(p, state.ReasonEOD, "end of day")); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// SetOverride hands a position to the operator; the periodic pass skips it.
func (m *Manager) SetOverride(id string, on bool) error {
	now := m.now()
	changed := false
	err := m.book.Update(func(s *state.EngineState) error {
		p := s.Find(id)
		if p == nil {
			return fmt.Errorf("%w: %s", state.ErrNotFound, id)
		}
		if p.ManualOverride == on {
			return state.ErrNoChange
		}
		p.ManualOverride = on
		changed = true
		s.Log("system", fmt.Sprintf("override %t on %s", on, p.Label()), now)
		return nil
	})
	if changed {
		m.notify.Notify(alerts.Event{Kind: alerts.KindSystem, Text: fmt.Sprintf("override %t on %s", on, id), At: now})
	}
	return err
}

// HoldOvernight exempts one directional position from the end of day sweep.
func (m *Manager) HoldOvernight(id string, on bool) error {
	now := m.now()
	return m.book.Update(func(s *state.EngineState) error {
		p := s.Find(id)
		if p == nil {
			return fmt.Errorf("%w: %s", state.ErrNotFound, id)
		}
		if p.Directional == nil {
			return fmt.Errorf("%w: hold overnight on %s", state.ErrWrongKind, p.Label())
		}
		if p.Directional.HoldOvernight == on {
			return state.ErrNoChange
		}
		p.Directional.HoldOvernight = on
		s.Log("system", fmt.Sprintf("hold overnight %t on %s", on, p.Label()), now)
		return nil
	})
}

// markOne refreshes a single clone; without a quote the last mark is used.
func (m *Manager) markOne(ctx context.Context, p *state.Position) *state.Position {
	c := p.Clone()
	marked, err := m.mark(ctx, []*state.Position{c})
	if err != nil || len(marked) == 0 {
		m.log.Debug().Err(err).Str("position", p.ID).Msg("closing on last mark")
		return p
	}
	return marked[0]
}

func fullClose(p *state.Position, reason, detail string) Action {
	a := Action{Kind: Close, Reason: reason, Detail: detail}
	if p.Directional != nil {
		a.Qty = p.Directional.CurrentQty
	}
	return a
}
