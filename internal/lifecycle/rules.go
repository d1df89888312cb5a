package lifecycle

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/state"
)

type SpreadRules struct {
	TakeProfitPct float64 // of credit received
	StopLossPct   float64 // of credit received, positive
	CloseDTE      int
	EmergencyDTE  int
}

type Tier struct {
	MovePct float64 // option premium gain from entry
	SellPct float64 // share of the remaining quantity to sell
}

type DirectionalRules struct {
	Tiers       []Tier
	StopLossPct float64
}

type ActionKind int

const (
	Hold ActionKind = iota
	Close
	Roll
	Partial
)

// Action is the single exit decision for one position in one pass.
type Action struct {
	Kind   ActionKind
	Reason string
	Detail string
	Qty    int // directional contracts to sell
	Tier   int // 1-based tier that fired
}

// unknownDTE keeps the DTE rules quiet for a spread whose expiration cannot
// be read; profit and loss rules still apply.
const unknownDTE = 999

var (
	hundred  = decimal.NewFromInt(100)
	minDebit = decimal.RequireFromString("0.01")
)

// EvaluateSpread applies the credit spread cascade to a marked spread. The
// first rule that fires wins.
func EvaluateSpread(sp *state.CreditSpread, r SpreadRules) Action {
	pct, dte := sp.ProfitPct, sp.DTE
	switch {
	case pct >= r.TakeProfitPct:
		return Action{Kind: Close, Reason: state.ReasonTakeProfit, Detail: fmt.Sprintf("%.1f%%", pct)}
	case pct <= -r.StopLossPct:
		return Action{Kind: Close, Reason: state.ReasonStopLoss, Detail: fmt.Sprintf("%.1f%%", pct)}
	case dte <= r.EmergencyDTE:
		return Action{Kind: Close, Reason: state.ReasonEmergency, Detail: fmt.Sprintf("%dd", dte)}
	case dte <= r.CloseDTE:
		if sp.CurrentProfit.IsPositive() {
			return Action{Kind: Close, Reason: state.ReasonDTEClose, Detail: fmt.Sprintf("%dd %.1f%%", dte, pct)}
		}
		return Action{Kind: Roll, Reason: state.ReasonRoll, Detail: fmt.Sprintf("%dd %.1f%%", dte, pct)}
	}
	return Action{}
}

var tierReasons = []string{state.ReasonTP1, state.ReasonTP2, state.ReasonTP3}

// EvaluateDirectional fires at most one profit tier per pass, in order, each
// once. A tier that would sell everything left becomes a full close.
func EvaluateDirectional(d *state.Directional, r DirectionalRules) Action {
	if d.CurrentQty <= 0 {
		return Action{}
	}
	if d.TierHit < len(r.Tiers) {
		next := d.TierHit
		t := r.Tiers[next]
		if d.MovePct >= t.MovePct {
			qty := int(math.Floor(float64(d.CurrentQty) * t.SellPct / 100))
			if qty < 1 {
				qty = 1
			}
			a := Action{Kind: Partial, Qty: qty, Tier: next + 1, Reason: tierReason(next), Detail: fmt.Sprintf("+%.1f%%", d.MovePct)}
			if qty >= d.CurrentQty {
				a.Kind, a.Qty = Close, d.CurrentQty
			}
			return a
		}
	}
	if d.MovePct <= -r.StopLossPct {
		return Action{Kind: Close, Qty: d.CurrentQty, Reason: state.ReasonStopLoss, Detail: fmt.Sprintf("%.1f%%", d.MovePct)}
	}
	return Action{}
}

func tierReason(i int) string {
	if i < len(tierReasons) {
		return tierReasons[i]
	}
	return fmt.Sprintf("TP%d", i+1)
}

// markSpread prices the spread at the cost to close: short ask minus long bid.
func markSpread(p *state.Position, quotes map[string]broker.Quote) bool {
	sp := p.Spread
	sq, ok := quotes[sp.ShortSymbol]
	if !ok {
		return false
	}
	lq, ok := quotes[sp.LongSymbol]
	if !ok {
		return false
	}
	debit := sq.Ask.Sub(lq.Bid).Round(2)
	if debit.IsNegative() {
		debit = minDebit
	}
	profit := sp.Credit.Sub(debit)
	pct := 0.0
	if sp.Credit.IsPositive() {
		pct = round1(profit.Div(sp.Credit).InexactFloat64() * 100)
	}
	sp.CurrentDebit, sp.CurrentProfit, sp.ProfitPct = debit, profit, pct
	p.UnrealizedPnL = profit.Mul(decimal.NewFromInt(int64(p.Contracts))).Mul(hundred)
	return true
}

func markDirectional(p *state.Position, quotes map[string]broker.Quote) bool {
	d := p.Directional
	q, ok := quotes[d.OptionSymbol]
	if !ok || !q.Bid.IsPositive() || !d.EntryPrice.IsPositive() {
		return false
	}
	d.CurrentBid = q.Bid
	d.MovePct = round1(q.Bid.Sub(d.EntryPrice).Div(d.EntryPrice).InexactFloat64() * 100)
	p.UnrealizedPnL = q.Bid.Sub(d.EntryPrice).Mul(decimal.NewFromInt(int64(d.CurrentQty))).Mul(hundred)
	return true
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
