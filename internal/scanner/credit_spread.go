package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

type SpreadParams struct {
	Width           decimal.Decimal
	MinCredit       decimal.Decimal
	MaxCredit       decimal.Decimal
	MinDTE, MaxDTE  int
	TargetDelta     float64 // max |delta| of the short leg
	MinDelta        float64
	MinOpenInterest int64
	Contracts       int
	MaxSameSector   int
}

// CreditSpreadScanner looks for out-of-the-money put and call verticals
// across the universe and ranks them by credit.
type CreditSpreadScanner struct {
	broker   broker.Broker
	universe Universe
	params   SpreadParams
	loc      *time.Location
	now      func() time.Time
	// occupied reports active position counts per sector; sectors at the cap are skipped.
	occupied func() map[string]int
	log      zerolog.Logger
}

func NewCreditSpreadScanner(b broker.Broker, u Universe, p SpreadParams, loc *time.Location, occupied func() map[string]int) *CreditSpreadScanner {
	return &CreditSpreadScanner{
		broker:   b,
		universe: u,
		params:   p,
		loc:      loc,
		now:      time.Now,
		occupied: occupied,
		log:      log.With().Str("component", "spread_scanner").Logger(),
	}
}

// WithClock replaces time.Now.
func (s *CreditSpreadScanner) WithClock(now func() time.Time) *CreditSpreadScanner {
	s.now = now
	return s
}

func (s *CreditSpreadScanner) Scan(ctx context.Context) ([]Opportunity, error) {
	var sectors map[string]int
	if s.occupied != nil {
		sectors = s.occupied()
	}
	var out []Opportunity
	for _, sym := range s.universe.Symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sector := s.universe.SectorOf(sym)
		if s.params.MaxSameSector > 0 && sectors[sector] >= s.params.MaxSameSector {
			continue
		}
		opps, err := s.candidates(ctx, sym, sector)
		if err != nil {
			if broker.IsTransient(err) {
				return nil, err
			}
			s.log.Debug().Err(err).Str("symbol", sym).Msg("candidate skipped")
			continue
		}
		out = append(out, opps...)
	}
	sortByScore(out)
	return out, nil
}

func (s *CreditSpreadScanner) candidates(ctx context.Context, sym, sector string) ([]Opportunity, error) {
	exp, dte, err := s.expirationInRange(ctx, sym)
	if err != nil {
		return nil, err
	}
	quotes, err := s.broker.Quotes(ctx, []string{sym})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[sym]
	if !ok || !q.Last.IsPositive() {
		return nil, fmt.Errorf("%w: quote %s", ErrNoData, sym)
	}
	chain, err := s.broker.OptionChain(ctx, sym, exp)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: chain %s %s", ErrNoData, sym, exp)
	}

	var out []Opportunity
	for _, side := range []string{"put", "call"} {
		if o, ok := s.findSpread(chain, side); ok {
			o.Symbol, o.Sector, o.UnderlyingPrice = sym, sector, q.Last
			o.Expiration, o.DTE = exp, dte
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *CreditSpreadScanner) expirationInRange(ctx context.Context, sym string) (string, int, error) {
	exps, err := s.broker.Expirations(ctx, sym)
	if err != nil {
		return "", 0, err
	}
	now := s.now()
	for _, e := range exps {
		dte, err := util.DaysUntil(s.loc, now, e)
		if err != nil {
			continue
		}
		if dte >= s.params.MinDTE && dte <= s.params.MaxDTE {
			return e, dte, nil
		}
	}
	return "", 0, fmt.Errorf("%w: no expiration %d-%d dte for %s", ErrNoData, s.params.MinDTE, s.params.MaxDTE, sym)
}

// findSpread walks strikes from the money outward and takes the first short
// leg inside the delta band with a matching long leg and acceptable credit.
func (s *CreditSpreadScanner) findSpread(chain []broker.OptionContract, side string) (Opportunity, bool) {
	var legs []broker.OptionContract
	for _, o := range chain {
		if o.OptionType == side {
			legs = append(legs, o)
		}
	}
	// puts: highest strike first, long leg below; calls: lowest first, long leg above
	sort.Slice(legs, func(i, j int) bool {
		if side == "put" {
			return legs[i].Strike.GreaterThan(legs[j].Strike)
		}
		return legs[i].Strike.LessThan(legs[j].Strike)
	})
	half := decimal.RequireFromString("0.5")

	for _, short := range legs {
		delta := math.Abs(short.Delta)
		if delta > s.params.TargetDelta || delta < s.params.MinDelta {
			continue
		}
		longStrike := short.Strike.Sub(s.params.Width)
		if side == "call" {
			longStrike = short.Strike.Add(s.params.Width)
		}
		var long *broker.OptionContract
		for i := range legs {
			if legs[i].Strike.Sub(longStrike).Abs().LessThan(half) {
				long = &legs[i]
				break
			}
		}
		if long == nil {
			continue
		}
		credit := short.Bid.Sub(long.Ask).Round(2)
		if credit.LessThan(s.params.MinCredit) || credit.GreaterThan(s.params.MaxCredit) {
			continue
		}
		if short.OpenInterest < s.params.MinOpenInterest {
			continue
		}
		return Opportunity{
			Kind:        state.KindCreditSpread,
			Score:       credit.InexactFloat64(),
			Contracts:   s.params.Contracts,
			Side:        side,
			ShortStrike: short.Strike,
			LongStrike:  long.Strike,
			ShortSymbol: short.Symbol,
			LongSymbol:  long.Symbol,
			Credit:      credit,
			Width:       s.params.Width,
			Delta:       delta,
			ProbOTM:     math.Round((1-delta)*1000) / 10,
		}, true
	}
	return Opportunity{}, false
}
