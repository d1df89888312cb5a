package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/execution"
	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/scanner"
	"github.com/chidi150c/optionpilot/internal/state"
)

const keepOpportunities = 5

func (e *Engine) entryTask(kind state.Kind) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := e.RunEntry(ctx, kind)
		return err
	}
}

// RunEntry is one admission cycle for kind: gate, scan, then at most one
// order for the top-ranked candidate. A nil position with a nil error means
// nothing was admitted this cycle.
func (e *Engine) RunEntry(ctx context.Context, kind state.Kind) (*state.Position, error) {
	sc, ok := e.scanners[kind]
	if !ok {
		return nil, fmt.Errorf("no scanner for %s", kind)
	}
	var (
		autopilot bool
		dec       risk.Decision
	)
	e.book.View(func(s *state.EngineState) {
		if autopilot = s.Autopilot; autopilot {
			dec = e.gate.Evaluate(s, kind)
		}
	})
	if !autopilot {
		return nil, nil
	}
	e.oppMu.Lock()
	e.gates[kind] = dec
	e.oppMu.Unlock()
	if !dec.Allow {
		e.log.Debug().Str("kind", string(kind)).Str("rule", dec.Rule).Str("reason", dec.Reason).Msg("entry gated")
		return nil, nil
	}

	opps, err := sc.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", kind, err)
	}
	e.keep(kind, opps)
	if len(opps) == 0 {
		return nil, nil
	}

	best := opps[0]
	if floor, ok := e.minScore[kind]; ok && best.Score < floor {
		e.log.Debug().Str("symbol", best.Symbol).Float64("score", best.Score).Msg("top candidate below min score")
		return nil, nil
	}
	e.book.View(func(s *state.EngineState) {
		dec = risk.CheckCandidate(s, e.limits, best.Symbol, best.Sector, best.MaxLoss())
	})
	if !dec.Allow {
		e.log.Info().Str("symbol", best.Symbol).Str("rule", dec.Rule).Str("reason", dec.Reason).Msg("top candidate refused")
		return nil, nil
	}
	pos, err := e.dispatch.Execute(ctx, best)
	if errors.Is(err, execution.ErrGated) {
		return nil, nil
	}
	return pos, err
}

// RefreshAccount pulls balance and VIX and rolls up open P&L from the
// latest marks. A failed balance call marks the broker disconnected.
func (e *Engine) RefreshAccount(ctx context.Context) error {
	bal, err := e.broker.Balance(ctx)
	if err != nil {
		e.book.Refresh(func(s *state.EngineState) { s.Market.Connected = false })
		return fmt.Errorf("balance: %w", err)
	}
	var vix float64
	quotes, qerr := e.broker.Quotes(ctx, []string{VIXSymbol})
	if q, ok := quotes[VIXSymbol]; qerr == nil && ok && q.Last.IsPositive() {
		vix = q.Last.InexactFloat64()
	}

	now := e.now()
	e.book.Refresh(func(s *state.EngineState) {
		open := decimal.Zero
		for _, p := range s.Open("") {
			open = open.Add(p.UnrealizedPnL)
		}
		s.Market.Connected = true
		s.Market.Balance = bal.TotalEquity
		s.Market.OpenPnL = open
		if vix > 0 {
			s.Market.VIX = vix
		}
		s.Market.UpdatedAt = now
	})
	if qerr != nil {
		return fmt.Errorf("vix quote: %w", qerr)
	}
	return nil
}

// Reconcile resolves pending orders.
func (e *Engine) Reconcile(ctx context.Context) error {
	_, err := e.recon.Run(ctx)
	return err
}

func (e *Engine) keep(kind state.Kind, opps []scanner.Opportunity) {
	n := len(opps)
	if n > keepOpportunities {
		n = keepOpportunities
	}
	e.oppMu.Lock()
	e.opps[kind] = append([]scanner.Opportunity(nil), opps[:n]...)
	e.oppMu.Unlock()
}
