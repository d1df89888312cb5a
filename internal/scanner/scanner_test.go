package scanner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/broker/brokertest"
	"github.com/chidi150c/optionpilot/internal/state"
)

// Wednesday 2024-03-13 10:00 America/New_York.
var wed1000 = time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ny(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func leg(typ, strike, bid, ask string, delta float64, oi int64) broker.OptionContract {
	return broker.OptionContract{
		Symbol:       fmt.Sprintf("AAPL240419%s%s", typ[:1], strike),
		Underlying:   "AAPL",
		OptionType:   typ,
		Expiration:   "2024-04-19",
		Strike:       d(strike),
		Bid:          d(bid),
		Ask:          d(ask),
		Delta:        delta,
		OpenInterest: oi,
	}
}

func spreadParams() SpreadParams {
	return SpreadParams{
		Width:           d("5"),
		MinCredit:       d("0.80"),
		MaxCredit:       d("2.50"),
		MinDTE:          28,
		MaxDTE:          45,
		TargetDelta:     0.30,
		MinDelta:        0.10,
		MinOpenInterest: 100,
		Contracts:       1,
		MaxSameSector:   3,
	}
}

func spreadFake() *brokertest.Fake {
	f := brokertest.New()
	f.SetQuote(broker.Quote{Symbol: "AAPL", Last: d("170")})
	f.Exps["AAPL"] = []string{"2024-03-22", "2024-04-19", "2024-05-17"}
	f.Chains[brokertest.ChainKey("AAPL", "2024-04-19")] = []broker.OptionContract{
		leg("put", "165", "3.80", "3.90", -0.35, 900),
		leg("put", "160", "2.10", "2.20", -0.25, 500),
		leg("put", "155", "0.90", "1.00", -0.15, 400),
		leg("put", "150", "0.40", "0.45", -0.08, 300),
		leg("call", "175", "3.20", "3.30", 0.35, 800),
		leg("call", "180", "1.60", "1.70", 0.22, 600),
		leg("call", "185", "0.60", "0.70", 0.12, 200),
	}
	return f
}

func TestUniverse(t *testing.T) {
	u := NewUniverse(map[string][]string{
		"Tech":   {"AAPL", "MSFT"},
		"Energy": {"XOM", "AAPL"},
	})
	assert.Equal(t, []string{"XOM", "AAPL", "MSFT"}, u.Symbols)
	assert.Equal(t, "Energy", u.SectorOf("AAPL"))
	assert.Equal(t, "Other", u.SectorOf("ZZZ"))
}

func TestCreditSpreadScan(t *testing.T) {
	f := spreadFake()
	u := NewUniverse(map[string][]string{"Tech": {"AAPL"}})
	s := NewCreditSpreadScanner(f, u, spreadParams(), ny(t), nil)
	s.now = func() time.Time { return wed1000 }

	opps, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 2)

	put := opps[0]
	assert.Equal(t, state.KindCreditSpread, put.Kind)
	assert.Equal(t, "put", put.Side)
	assert.Equal(t, "Tech", put.Sector)
	assert.Equal(t, "2024-04-19", put.Expiration)
	assert.Equal(t, 37, put.DTE)
	assert.True(t, put.ShortStrike.Equal(d("160")))
	assert.True(t, put.LongStrike.Equal(d("155")))
	assert.True(t, put.Credit.Equal(d("1.10")), put.Credit.String())
	assert.InDelta(t, 75.0, put.ProbOTM, 0.001)
	assert.True(t, put.MaxLoss().Equal(d("390")))

	call := opps[1]
	assert.Equal(t, "call", call.Side)
	assert.True(t, call.ShortStrike.Equal(d("180")))
	assert.True(t, call.LongStrike.Equal(d("185")))
	assert.True(t, call.Credit.Equal(d("0.90")))
}

func TestCreditSpreadScanFilters(t *testing.T) {
	u := NewUniverse(map[string][]string{"Tech": {"AAPL", "MSFT"}})

	t.Run("sector at cap", func(t *testing.T) {
		s := NewCreditSpreadScanner(spreadFake(), u, spreadParams(), ny(t),
			func() map[string]int { return map[string]int{"Tech": 3} })
		s.now = func() time.Time { return wed1000 }
		opps, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("credit outside band", func(t *testing.T) {
		p := spreadParams()
		p.MinCredit = d("1.50")
		s := NewCreditSpreadScanner(spreadFake(), u, p, ny(t), nil)
		s.now = func() time.Time { return wed1000 }
		opps, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("thin open interest", func(t *testing.T) {
		p := spreadParams()
		p.MinOpenInterest = 1000
		s := NewCreditSpreadScanner(spreadFake(), u, p, ny(t), nil)
		s.now = func() time.Time { return wed1000 }
		opps, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("no expiration in range", func(t *testing.T) {
		f := spreadFake()
		f.Exps["AAPL"] = []string{"2024-03-22"}
		s := NewCreditSpreadScanner(f, u, spreadParams(), ny(t), nil)
		s.now = func() time.Time { return wed1000 }
		opps, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.Empty(t, opps)
	})

	t.Run("transient aborts the cycle", func(t *testing.T) {
		f := spreadFake()
		f.ChainErr = fmt.Errorf("%w: timeout", broker.ErrTransient)
		s := NewCreditSpreadScanner(f, u, spreadParams(), ny(t), nil)
		s.now = func() time.Time { return wed1000 }
		_, err := s.Scan(context.Background())
		assert.ErrorIs(t, err, broker.ErrTransient)
	})
}

func TestEvaluate(t *testing.T) {
	q := func(last, prev, hi, lo string, chg float64, vol int64) broker.Quote {
		return broker.Quote{
			Symbol: "X", Last: d(last), PrevClose: d(prev), High: d(hi), Low: d(lo),
			ChangePct: chg, Volume: vol, AvgVolume: 1_000_000,
		}
	}
	cases := []struct {
		name  string
		quote broker.Quote
		ok    bool
		setup string
		typ   string
		score float64
	}{
		{"opening range breakout", q("103", "100", "104", "101", 3.0, 2_000_000), true, SetupORB, "call", 86},
		{"vwap reclaim", q("100.8", "100", "101", "100", 0.8, 1_400_000), true, SetupVWAP, "call", 72},
		{"pullback continuation", q("97.5", "100", "98", "97", -2.5, 2_500_000), true, SetupPBC, "put", 85},
		{"break and retest", q("101.8", "100", "101.9", "100.8", 1.8, 1_600_000), true, SetupBreakout, "call", 76},
		{"volume too light", q("103", "100", "104", "101", 3.0, 1_000_000), false, "", "", 0},
		{"wide range without move", q("100.5", "100", "102", "100", 0.5, 2_000_000), false, "", "", 0},
		{"no prior close", q("100", "0", "101", "99", 1, 2_000_000), false, "", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, ok := Evaluate(tc.quote, 1.2)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.setup, sig.Setup)
			assert.Equal(t, tc.typ, sig.OptionType)
			assert.InDelta(t, tc.score, sig.Score, 0.001)
		})
	}
}

func directionalParams() DirectionalParams {
	return DirectionalParams{
		AccountSize:     d("6000"),
		Allocation:      0.20,
		MaxOpen:         3,
		MaxContracts:    5,
		MinVolumeRatio:  1.2,
		MinDTE:          5,
		MaxDTE:          14,
		MaxAsk:          d("5"),
		MinOpenInterest: 50,
	}
}

func TestDirectionalScan(t *testing.T) {
	f := brokertest.New()
	f.SetQuote(broker.Quote{
		Symbol: "AAPL", Last: d("103"), PrevClose: d("100"), High: d("104"), Low: d("101"),
		ChangePct: 3.0, Volume: 2_000_000, AvgVolume: 1_000_000,
	})
	f.SetQuote(broker.Quote{Symbol: "MSFT", Last: d("400"), PrevClose: d("399"), ChangePct: 0.25, Volume: 500_000, AvgVolume: 1_000_000})
	f.Exps["AAPL"] = []string{"2024-03-15", "2024-03-22"}
	f.Chains[brokertest.ChainKey("AAPL", "2024-03-22")] = []broker.OptionContract{
		{Symbol: "AAPL240322C103", OptionType: "call", Strike: d("103"), Ask: d("6.00"), OpenInterest: 900},
		{Symbol: "AAPL240322C104", OptionType: "call", Strike: d("104"), Ask: d("2.00"), OpenInterest: 100},
		{Symbol: "AAPL240322C105", OptionType: "call", Strike: d("105"), Ask: d("1.50"), OpenInterest: 100},
		{Symbol: "AAPL240322P104", OptionType: "put", Strike: d("104"), Ask: d("1.80"), OpenInterest: 100},
	}
	u := NewUniverse(map[string][]string{"Tech": {"AAPL", "MSFT"}})
	s := NewDirectionalScanner(f, u, directionalParams(), ny(t))
	s.now = func() time.Time { return wed1000 }

	opps, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, state.KindDirectional, o.Kind)
	assert.Equal(t, SetupORB, o.Setup)
	assert.Equal(t, "AAPL240322C104", o.OptionSymbol)
	assert.Equal(t, "2024-03-22", o.Expiration)
	assert.Equal(t, 9, o.DTE)
	assert.Equal(t, 2, o.Contracts)
	assert.True(t, o.MaxLoss().Equal(d("400")))
	assert.Equal(t, 1, f.QuoteCalls)
}

func TestDirectionalSizing(t *testing.T) {
	s := NewDirectionalScanner(brokertest.New(), Universe{}, directionalParams(), time.UTC)
	assert.Equal(t, 2, s.size(d("2.00")))
	assert.Equal(t, 1, s.size(d("5.00")))
	assert.Equal(t, 5, s.size(d("0.10")))
}
