package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/state"
)

// Exposure is a derived read model over the active (pending+open) positions.
type Exposure struct {
	ActiveByKind      map[state.Kind]int
	Sectors           map[string]int
	Symbols           map[string]bool
	UsedBuyingPower   decimal.Decimal
	TradesToday       map[state.Kind]int
	ConsecutiveLosses int
}

// Measure computes Exposure. Callers hold the Book read lock or pass a clone.
func Measure(s *state.EngineState) Exposure {
	e := Exposure{
		ActiveByKind:      map[state.Kind]int{},
		Sectors:           map[string]int{},
		Symbols:           map[string]bool{},
		TradesToday:       map[state.Kind]int{},
		ConsecutiveLosses: s.ConsecutiveLosses,
	}
	for _, p := range s.Active("") {
		e.ActiveByKind[p.Kind]++
		e.Sectors[p.Sector]++
		e.Symbols[p.Symbol] = true
		e.UsedBuyingPower = e.UsedBuyingPower.Add(p.MaxLoss())
	}
	for k, n := range s.TradesToday {
		e.TradesToday[k] = n
	}
	return e
}

// Available is the buying power left before touching anything, reserve included.
func (e Exposure) Available(l Limits) decimal.Decimal {
	return l.AccountSize.Sub(e.UsedBuyingPower)
}

// CheckCandidate is the per-symbol check run after the gate passes and again
// just before submission: no second active position on a symbol, the sector
// cap, and the reserve with the candidate's own max loss included.
func CheckCandidate(s *state.EngineState, l Limits, symbol, sector string, maxLoss decimal.Decimal) Decision {
	e := Measure(s)
	if e.Symbols[symbol] {
		return Decision{Rule: "duplicate_symbol", Reason: fmt.Sprintf("Already have open trade on %s", symbol)}
	}
	if l.MaxSameSector > 0 && e.Sectors[sector] >= l.MaxSameSector {
		return Decision{Rule: "sector_cap", Reason: fmt.Sprintf("Max %d in %s", l.MaxSameSector, sector)}
	}
	if e.Available(l).Sub(maxLoss).LessThan(l.Reserve()) {
		return Decision{Rule: "bp_projected", Reason: "BP reserve"}
	}
	return allow()
}
