package scanner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

// Setup names.
const (
	SetupORB      = "ORB"
	SetupVWAP     = "VWAP"
	SetupPBC      = "PBC"
	SetupBreakout = "B&R"
)

const (
	minSetupScore = 65
	maxResults    = 10
)

type DirectionalParams struct {
	AccountSize     decimal.Decimal
	Allocation      float64 // share of the account across all directional slots
	MaxOpen         int
	MaxContracts    int
	MinVolumeRatio  float64
	MinDTE, MaxDTE  int
	MaxAsk          decimal.Decimal
	MinOpenInterest int64
}

// Signal is a momentum setup read off a single day quote.
type Signal struct {
	Setup       string
	OptionType  string
	Score       float64
	ChangePct   float64
	VolumeRatio float64
}

// Evaluate classifies a quote into at most one setup. The branches are
// checked in order and the first matching regime wins.
func Evaluate(q broker.Quote, minVolumeRatio float64) (Signal, bool) {
	price := q.Last.InexactFloat64()
	prev := q.PrevClose.InexactFloat64()
	if price <= 0 || prev <= 0 || q.AvgVolume <= 0 {
		return Signal{}, false
	}
	vr := float64(q.Volume) / float64(q.AvgVolume)
	if vr < minVolumeRatio {
		return Signal{}, false
	}
	hi, lo := q.High.InexactFloat64(), q.Low.InexactFloat64()
	chg := q.ChangePct
	rng := (hi - lo) / prev * 100

	var sig Signal
	switch {
	case rng > 1.5 && vr > 1.5:
		if math.Abs(chg) > 1.0 {
			sig = Signal{Setup: SetupORB, Score: 70 + math.Min(vr*5, 20) + math.Min(math.Abs(chg)*2, 10)}
		}
	case math.Abs(chg) > 0.3 && math.Abs(chg) < 1.5 && vr > 1.3:
		mid := (hi + lo) / 2
		if (price > mid && chg > 0) || (price < mid && chg < 0) {
			sig = Signal{Setup: SetupVWAP, Score: 65 + math.Min(vr*5, 15)}
		}
	case math.Abs(chg) > 2.0 && vr > 2.0:
		sig = Signal{Setup: SetupPBC, Score: 75 + math.Min(vr*3, 15) + math.Min(math.Abs(chg), 10)}
	case vr > 1.5:
		if (price >= hi*0.998 && chg > 0.5) || (price <= lo*1.002 && chg < -0.5) {
			sig = Signal{Setup: SetupBreakout, Score: 68 + math.Min(vr*5, 15)}
		}
	}
	if sig.Setup == "" || sig.Score < minSetupScore {
		return Signal{}, false
	}
	sig.OptionType = "call"
	if chg < 0 {
		sig.OptionType = "put"
	}
	sig.Score = math.Round(sig.Score*10) / 10
	sig.ChangePct = chg
	sig.VolumeRatio = math.Round(vr*100) / 100
	return sig, true
}

// DirectionalScanner buys short-dated near-the-money options on momentum setups.
type DirectionalScanner struct {
	broker   broker.Broker
	universe Universe
	params   DirectionalParams
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

func NewDirectionalScanner(b broker.Broker, u Universe, p DirectionalParams, loc *time.Location) *DirectionalScanner {
	return &DirectionalScanner{
		broker:   b,
		universe: u,
		params:   p,
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "directional_scanner").Logger(),
	}
}

// WithClock replaces time.Now.
func (s *DirectionalScanner) WithClock(now func() time.Time) *DirectionalScanner {
	s.now = now
	return s
}

func (s *DirectionalScanner) Scan(ctx context.Context) ([]Opportunity, error) {
	quotes, err := s.broker.Quotes(ctx, s.universe.Symbols)
	if err != nil {
		return nil, err
	}
	var out []Opportunity
	for _, sym := range s.universe.Symbols {
		q, ok := quotes[sym]
		if !ok {
			continue
		}
		sig, ok := Evaluate(q, s.params.MinVolumeRatio)
		if !ok {
			continue
		}
		o, err := s.pickContract(ctx, sym, q.Last, sig)
		if err != nil {
			if broker.IsTransient(err) {
				return nil, err
			}
			s.log.Debug().Err(err).Str("symbol", sym).Str("setup", sig.Setup).Msg("no contract")
			continue
		}
		o.Sector = s.universe.SectorOf(sym)
		out = append(out, o)
	}
	sortByScore(out)
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (s *DirectionalScanner) pickContract(ctx context.Context, sym string, price decimal.Decimal, sig Signal) (Opportunity, error) {
	exps, err := s.broker.Expirations(ctx, sym)
	if err != nil {
		return Opportunity{}, err
	}
	now := s.now()
	exp, dte := "", 0
	for _, e := range exps {
		d, err := util.DaysUntil(s.loc, now, e)
		if err != nil {
			continue
		}
		if d >= s.params.MinDTE && d <= s.params.MaxDTE {
			exp, dte = e, d
			break
		}
	}
	if exp == "" {
		return Opportunity{}, fmt.Errorf("%w: no %d-%d dte expiration", ErrNoData, s.params.MinDTE, s.params.MaxDTE)
	}
	chain, err := s.broker.OptionChain(ctx, sym, exp)
	if err != nil {
		return Opportunity{}, err
	}

	target := price.Mul(decimal.RequireFromString("1.01"))
	if sig.OptionType == "put" {
		target = price.Mul(decimal.RequireFromString("0.99"))
	}
	var best *broker.OptionContract
	var bestDiff decimal.Decimal
	for i := range chain {
		o := &chain[i]
		if o.OptionType != sig.OptionType || !o.Ask.IsPositive() || o.Ask.GreaterThan(s.params.MaxAsk) {
			continue
		}
		if o.OpenInterest < s.params.MinOpenInterest {
			continue
		}
		diff := o.Strike.Sub(target).Abs()
		if best == nil || diff.LessThan(bestDiff) {
			best, bestDiff = o, diff
		}
	}
	if best == nil {
		return Opportunity{}, fmt.Errorf("%w: no %s contract near %s", ErrNoData, sig.OptionType, target.StringFixed(2))
	}

	return Opportunity{
		Kind:            state.KindDirectional,
		Symbol:          sym,
		Score:           sig.Score,
		UnderlyingPrice: price,
		Expiration:      exp,
		DTE:             dte,
		Contracts:       s.size(best.Ask),
		Setup:           sig.Setup,
		OptionSymbol:    best.Symbol,
		OptionType:      sig.OptionType,
		Strike:          best.Strike,
		Ask:             best.Ask,
		Delta:           best.Delta,
		ChangePct:       sig.ChangePct,
		VolumeRatio:     sig.VolumeRatio,
	}, nil
}

// size splits the directional allocation evenly across slots; at least one contract.
func (s *DirectionalScanner) size(ask decimal.Decimal) int {
	slots := s.params.MaxOpen
	if slots < 1 {
		slots = 1
	}
	budget := s.params.AccountSize.Mul(decimal.NewFromFloat(s.params.Allocation)).Div(decimal.NewFromInt(int64(slots)))
	qty := int(budget.Div(ask.Mul(hundred)).IntPart())
	if s.params.MaxContracts > 0 && qty > s.params.MaxContracts {
		qty = s.params.MaxContracts
	}
	if qty < 1 {
		qty = 1
	}
	return qty
}
