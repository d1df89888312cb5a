package scanner

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/state"
)

// ErrNoData marks a candidate skipped for a missing quote, chain or expiration.
var ErrNoData = errors.New("no market data")

var hundred = decimal.NewFromInt(100)

// Opportunity is a scored, transient trade candidate. It is never persisted.
type Opportunity struct {
	Kind            state.Kind
	Symbol          string
	Sector          string
	Score           float64
	UnderlyingPrice decimal.Decimal
	Expiration      string
	DTE             int
	Contracts       int

	// credit spread legs
	Side        string // put | call
	ShortStrike decimal.Decimal
	LongStrike  decimal.Decimal
	ShortSymbol string
	LongSymbol  string
	Credit      decimal.Decimal
	Width       decimal.Decimal
	Delta       float64
	ProbOTM     float64

	// directional contract
	Setup        string
	OptionSymbol string
	OptionType   string
	Strike       decimal.Decimal
	Ask          decimal.Decimal
	ChangePct    float64
	VolumeRatio  float64
}

// MaxLoss is the dollar buying power the candidate would tie up.
func (o Opportunity) MaxLoss() decimal.Decimal {
	n := decimal.NewFromInt(int64(o.Contracts))
	if o.Kind == state.KindCreditSpread {
		return o.Width.Sub(o.Credit).Mul(n).Mul(hundred)
	}
	return o.Ask.Mul(n).Mul(hundred)
}

// Scanner produces candidates ranked best first. It must not mutate engine state.
type Scanner interface {
	Scan(ctx context.Context) ([]Opportunity, error)
}

// Universe is the watchlist with its sector map.
type Universe struct {
	Symbols []string
	sectors map[string]string
}

// NewUniverse flattens sector -> symbols into a stable, de-duplicated list.
func NewUniverse(watchlist map[string][]string) Universe {
	u := Universe{sectors: map[string]string{}}
	sectors := make([]string, 0, len(watchlist))
	for s := range watchlist {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)
	for _, sector := range sectors {
		for _, sym := range watchlist[sector] {
			if _, dup := u.sectors[sym]; dup {
				continue
			}
			u.sectors[sym] = sector
			u.Symbols = append(u.Symbols, sym)
		}
	}
	return u
}

// SectorOf returns "Other" for symbols outside the watchlist.
func (u Universe) SectorOf(symbol string) string {
	if s, ok := u.sectors[symbol]; ok {
		return s
	}
	return "Other"
}

func sortByScore(opps []Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].Score > opps[j].Score })
}
