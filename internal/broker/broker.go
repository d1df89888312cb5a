package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures worth retrying next cycle: timeouts,
	// connection errors, 5xx, an open breaker.
	ErrTransient = errors.New("broker transient failure")
	// ErrRejected marks a definitive refusal (4xx, order rejected).
	ErrRejected = errors.New("broker rejected request")
)

// Order statuses the engine acts on.
const (
	OrderFilled   = "filled"
	OrderRejected = "rejected"
	OrderCanceled = "canceled"
	OrderExpired  = "expired"
)

type Balance struct {
	TotalEquity       decimal.Decimal
	OptionBuyingPower decimal.Decimal
	Cash              decimal.Decimal
	OpenPnL           decimal.Decimal
}

type Quote struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	PrevClose decimal.Decimal
	ChangePct float64
	Volume    int64
	AvgVolume int64
}

// Mid is the bid/ask midpoint, falling back to last.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

type OptionContract struct {
	Symbol       string
	Underlying   string
	OptionType   string // call | put
	Expiration   string
	Strike       decimal.Decimal
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Delta        float64
	OpenInterest int64
	Volume       int64
}

type Order struct {
	ID     string
	Status string
	Symbol string
}

// SpreadOrder is a two-leg vertical. Limit is the credit (open) or debit
// (close); a zero Limit closes at market.
type SpreadOrder struct {
	Symbol      string
	ShortSymbol string
	LongSymbol  string
	Quantity    int
	Limit       decimal.Decimal
}

// OptionOrder is a single-leg order; a zero Limit is a market order.
type OptionOrder struct {
	Symbol       string
	OptionSymbol string
	Quantity     int
	Limit        decimal.Decimal
}

// Broker is everything the engine needs from a brokerage. Every call is
// bounded by ctx; implementations wrap failures in ErrTransient or ErrRejected.
type Broker interface {
	Balance(ctx context.Context) (Balance, error)
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	Expirations(ctx context.Context, symbol string) ([]string, error)
	OptionChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error)
	PlaceSpread(ctx context.Context, o SpreadOrder) (orderID string, err error)
	CloseSpread(ctx context.Context, o SpreadOrder) (orderID string, err error)
	BuyOption(ctx context.Context, o OptionOrder) (orderID string, err error)
	SellOption(ctx context.Context, o OptionOrder) (orderID string, err error)
	Orders(ctx context.Context) ([]Order, error)
}

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
