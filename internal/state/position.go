package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("position not found")
	ErrMissingReason     = errors.New("close reason required")
	ErrWrongKind         = errors.New("not supported for this position kind")
)

// Kind is the trade type a position (and an admission decision) belongs to.
type Kind string

const (
	KindCreditSpread Kind = "credit_spread"
	KindDirectional  Kind = "directional"
)

func (k Kind) Valid() bool { return k == KindCreditSpread || k == KindDirectional }

type Status string

const (
	StatusPending  Status = "pending"
	StatusOpen     Status = "open"
	StatusRejected Status = "rejected"
	StatusClosed   Status = "closed"
	StatusRolled   Status = "rolled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusOpen, StatusRejected},
	StatusOpen:    {StatusClosed, StatusRolled},
}

// Active reports whether the position still counts against exposure.
func (s Status) Active() bool { return s == StatusPending || s == StatusOpen }

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusClosed || s == StatusRolled
}

func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Close reasons.
const (
	ReasonTakeProfit = "TAKE PROFIT"
	ReasonStopLoss   = "STOP LOSS"
	ReasonEmergency  = "EMERGENCY"
	ReasonDTEClose   = "DTE CLOSE"
	ReasonRoll       = "ROLL"
	ReasonRollFailed = "ROLL FAILED"
	ReasonManual     = "MANUAL"
	ReasonEOD        = "EOD AUTO-CLOSE"
	ReasonTP1        = "TP1"
	ReasonTP2        = "TP2"
	ReasonTP3        = "TP3"
	ReasonRejected   = "ORDER REJECTED"
	ReasonCanceled   = "ORDER CANCELED"
)

type CreditSpread struct {
	Side        string          `json:"side"` // put | call
	Expiration  string          `json:"expiration"`
	ShortStrike decimal.Decimal `json:"short_strike"`
	LongStrike  decimal.Decimal `json:"long_strike"`
	ShortSymbol string          `json:"short_symbol"`
	LongSymbol  string          `json:"long_symbol"`
	Width       decimal.Decimal `json:"width"`
	Credit      decimal.Decimal `json:"credit"` // per share, as received

	// last mark, refreshed by the lifecycle cycle
	CurrentDebit  decimal.Decimal `json:"current_debit"`
	CurrentProfit decimal.Decimal `json:"current_profit"`
	ProfitPct     float64         `json:"profit_pct"`
	DTE           int             `json:"dte"`
}

type Directional struct {
	OptionSymbol  string          `json:"option_symbol"`
	OptionType    string          `json:"option_type"` // call | put
	Setup         string          `json:"setup"`
	Score         float64         `json:"score"`
	Strike        decimal.Decimal `json:"strike"`
	Expiration    string          `json:"expiration"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentQty    int             `json:"current_qty"`
	TierHit       int             `json:"tier_hit"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	MovePct       float64         `json:"move_pct"`
	HoldOvernight bool            `json:"hold_overnight"`
}

// Position is one broker-backed trade. Exactly one of Spread / Directional is set, per Kind.
type Position struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Symbol         string          `json:"symbol"`
	Sector         string          `json:"sector"`
	Contracts      int             `json:"contracts"`
	OrderID        string          `json:"order_id"`
	Status         Status          `json:"status"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	CloseReason    string          `json:"close_reason,omitempty"`
	CloseDetail    string          `json:"close_detail,omitempty"`
	ManualOverride bool            `json:"manual_override"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`

	Spread      *CreditSpread `json:"spread,omitempty"`
	Directional *Directional  `json:"directional,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// MaxLoss is the buying power the position ties up in dollars.
// Spreads: (width - credit) * contracts * 100. Directionals: premium at risk.
func (p *Position) MaxLoss() decimal.Decimal {
	switch {
	case p.Kind == KindCreditSpread && p.Spread != nil:
		return p.Spread.Width.Sub(p.Spread.Credit).Mul(decimal.NewFromInt(int64(p.Contracts))).Mul(hundred)
	case p.Kind == KindDirectional && p.Directional != nil:
		return p.Directional.EntryPrice.Mul(decimal.NewFromInt(int64(p.Directional.CurrentQty))).Mul(hundred)
	}
	return decimal.Zero
}

// Transition moves the position to `to`. Leaving open requires a reason.
func (p *Position) Transition(to Status, reason string, at time.Time) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, p.Status, to, p.ID)
	}
	if to.Terminal() && reason == "" {
		return fmt.Errorf("%w: %s -> %s", ErrMissingReason, p.Status, to)
	}
	p.Status = to
	if to.Terminal() {
		t := at
		p.ClosedAt = &t
		p.CloseReason = reason
		p.UnrealizedPnL = decimal.Zero
	}
	return nil
}

func (p *Position) Clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if p.Spread != nil {
		sp := *p.Spread
		c.Spread = &sp
	}
	if p.Directional != nil {
		d := *p.Directional
		c.Directional = &d
	}
	return &c
}

// Label is a short human description used in activity and alerts.
func (p *Position) Label() string {
	switch {
	case p.Spread != nil:
		return fmt.Sprintf("%s %s %s/%s x%d", p.Symbol, p.Spread.Side, p.Spread.ShortStrike, p.Spread.LongStrike, p.Contracts)
	case p.Directional != nil:
		return fmt.Sprintf("%s %s %s x%d", p.Symbol, p.Directional.OptionType, p.Directional.Strike, p.Directional.CurrentQty)
	}
	return p.Symbol
}
