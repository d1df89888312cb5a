package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/state"
)

// Limits defines static configuration for admission controls.
type Limits struct {
	AccountSize     decimal.Decimal    // nominal account size for buying-power math
	ReserveFraction float64            // fraction of AccountSize that must stay free (0.20)
	MaxOpen         map[state.Kind]int // concurrent pending+open positions per type
	MaxNewPerDay    map[state.Kind]int // admitted entries per type per trading day
	Cooldown        time.Duration      // minimum gap between entries
	MaxDailyLoss    decimal.Decimal    // negative floor on today's P&L (-300)
	MaxSameSector   int                // active positions per sector
	LossBreaker     int                // consecutive losses that halt new entries
	VIXLow          float64            // spreads are not sold below this VIX
}

// Reserve is the buying power that must remain unused.
func (l Limits) Reserve() decimal.Decimal {
	return l.AccountSize.Mul(decimal.NewFromFloat(l.ReserveFraction))
}

// Decision is returned when evaluating a trade against limits.
type Decision struct {
	Allow  bool   // true if trade allowed
	Rule   string // name of the rule that denied
	Reason string // denial reason, human readable
}

func allow() Decision { return Decision{Allow: true} }
