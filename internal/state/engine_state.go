package state

import (
	"time"

	"github.com/shopspring/decimal"
)

const activityCap = 200

// Activity is one line of the operator-facing activity log.
type Activity struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Market holds the latest broker/session facts refreshed by the scheduler.
type Market struct {
	Connected  bool            `json:"connected"`
	MarketOpen bool            `json:"market_open"`
	InWindow   bool            `json:"in_window"`
	VIX        float64         `json:"vix"`
	Balance    decimal.Decimal `json:"balance"`
	OpenPnL    decimal.Decimal `json:"open_pnl"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// EngineState is the single mutable document of the autopilot. Only
// Book touches it concurrently; everything else sees clones.
type EngineState struct {
	Positions []*Position `json:"positions"`

	Today       string          `json:"today"`
	TradesToday map[Kind]int    `json:"trades_today"`
	DailyPnL    decimal.Decimal `json:"daily_pnl"`
	DailyWins   int             `json:"daily_wins"`
	DailyLosses int             `json:"daily_losses"`

	ConsecutiveLosses int             `json:"consecutive_losses"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`

	Autopilot     bool       `json:"autopilot"`
	HoldOvernight bool       `json:"hold_overnight"`
	LastTradeAt   *time.Time `json:"last_trade_at,omitempty"`
	EODSweptOn    string     `json:"eod_swept_on,omitempty"`

	Market   Market     `json:"market"`
	Activity []Activity `json:"activity"`
	SavedAt  time.Time  `json:"saved_at"`
}

// DailySummary is the per-day roll-up kept in the ledger.
type DailySummary struct {
	Date   string          `json:"date"`
	Trades int             `json:"trades"`
	Wins   int             `json:"wins"`
	Losses int             `json:"losses"`
	PnL    decimal.Decimal `json:"pnl"`
}

// TradeRecord is an immutable journal entry written when a position (or a slice of it) is closed.
type TradeRecord struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	Kind       Kind            `json:"kind"`
	Symbol     string          `json:"symbol"`
	Sector     string          `json:"sector"`
	Quantity   int             `json:"quantity"`
	Entry      decimal.Decimal `json:"entry"`
	Exit       decimal.Decimal `json:"exit"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

func New() *EngineState {
	s := &EngineState{}
	s.Normalize()
	return s
}

// Normalize fills fields a fresh or older snapshot may lack.
func (s *EngineState) Normalize() {
	if s.TradesToday == nil {
		s.TradesToday = map[Kind]int{}
	}
	if s.Market.VIX == 0 {
		s.Market.VIX = 20
	}
	kept := s.Positions[:0]
	for _, p := range s.Positions {
		if p != nil {
			kept = append(kept, p)
		}
	}
	s.Positions = kept
	if len(s.Activity) > activityCap {
		s.Activity = s.Activity[:activityCap]
	}
}

func (s *EngineState) Find(id string) *Position {
	for _, p := range s.Positions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Active returns pending and open positions of kind ("" for all).
func (s *EngineState) Active(kind Kind) []*Position {
	var out []*Position
	for _, p := range s.Positions {
		if p.Status.Active() && (kind == "" || p.Kind == kind) {
			out = append(out, p)
		}
	}
	return out
}

// Open returns only filled, live positions of kind ("" for all).
func (s *EngineState) Open(kind Kind) []*Position {
	var out []*Position
	for _, p := range s.Positions {
		if p.Status == StatusOpen && (kind == "" || p.Kind == kind) {
			out = append(out, p)
		}
	}
	return out
}

// Log prepends an activity line, keeping the newest activityCap entries.
func (s *EngineState) Log(kind, msg string, at time.Time) {
	s.Activity = append([]Activity{{At: at, Kind: kind, Message: msg}}, s.Activity...)
	if len(s.Activity) > activityCap {
		s.Activity = s.Activity[:activityCap]
	}
}

// AddRealized books realized P&L (partials included) into daily and lifetime totals.
func (s *EngineState) AddRealized(pnl decimal.Decimal) {
	s.DailyPnL = s.DailyPnL.Add(pnl)
	s.TotalPnL = s.TotalPnL.Add(pnl)
}

// RecordOutcome updates streak counters for a fully closed position.
// Positive P&L is a win; zero and negative are losses.
func (s *EngineState) RecordOutcome(pnl decimal.Decimal) {
	if pnl.IsPositive() {
		s.Wins++
		s.DailyWins++
		s.ConsecutiveLosses = 0
		return
	}
	s.Losses++
	s.DailyLosses++
	s.ConsecutiveLosses++
}

// NoteEntry counts an admitted trade against today's per-type cap.
func (s *EngineState) NoteEntry(kind Kind, at time.Time) {
	s.TradesToday[kind]++
	t := at
	s.LastTradeAt = &t
}

func (s *EngineState) Summary() DailySummary {
	n := 0
	for _, c := range s.TradesToday {
		n += c
	}
	return DailySummary{Date: s.Today, Trades: n, Wins: s.DailyWins, Losses: s.DailyLosses, PnL: s.DailyPnL}
}

// ResetDay starts a new trading day. Lifetime totals and positions are kept.
func (s *EngineState) ResetDay(date string) {
	s.Today = date
	s.TradesToday = map[Kind]int{}
	s.DailyPnL = decimal.Zero
	s.DailyWins = 0
	s.DailyLosses = 0
	s.ConsecutiveLosses = 0
}

// WinRate is wins / (wins+losses) in percent, 0 with no history.
func (s *EngineState) WinRate() float64 {
	n := s.Wins + s.Losses
	if n == 0 {
		return 0
	}
	return float64(s.Wins) / float64(n) * 100
}

func (s *EngineState) Clone() *EngineState {
	c := *s
	c.Positions = make([]*Position, len(s.Positions))
	for i, p := range s.Positions {
		c.Positions[i] = p.Clone()
	}
	c.TradesToday = make(map[Kind]int, len(s.TradesToday))
	for k, v := range s.TradesToday {
		c.TradesToday[k] = v
	}
	if s.LastTradeAt != nil {
		t := *s.LastTradeAt
		c.LastTradeAt = &t
	}
	c.Activity = append([]Activity(nil), s.Activity...)
	return &c
}
