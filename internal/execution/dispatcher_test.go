package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/broker/brokertest"
	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/scanner"
	"github.com/chidi150c/optionpilot/internal/state"
)

var t0 = time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)

type countingSaver struct {
	mu sync.Mutex
	n  int
}

func (c *countingSaver) Save(*state.EngineState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingSaver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recorder struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (r *recorder) Notify(e alerts.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func limits() risk.Limits {
	return risk.Limits{
		AccountSize:     decimal.NewFromInt(6000),
		ReserveFraction: 0.20,
		MaxSameSector:   2,
	}
}

func spreadOpp(symbol, sector string) scanner.Opportunity {
	return scanner.Opportunity{
		Kind: state.KindCreditSpread, Symbol: symbol, Sector: sector, Score: 1.1,
		Expiration: "2024-04-19", DTE: 37, Contracts: 1, Side: "put",
		ShortStrike: decimal.NewFromInt(160), LongStrike: decimal.NewFromInt(155),
		ShortSymbol: symbol + "P160", LongSymbol: symbol + "P155",
		Credit: decimal.RequireFromString("1.10"), Width: decimal.NewFromInt(5),
	}
}

func newDispatcher(f *brokertest.Fake, st *state.EngineState) (*Dispatcher, *state.Book, *countingSaver, *recorder) {
	saver := &countingSaver{}
	book := state.NewBook(st, saver)
	rec := &recorder{}
	d := NewDispatcher(f, book, limits(), rec)
	d.now = func() time.Time { return t0 }
	n := 0
	d.newID = func() string { n++; return fmt.Sprintf("pos-%d", n) }
	return d, book, saver, rec
}

func TestExecuteSpreadCreatesPending(t *testing.T) {
	f := brokertest.New()
	d, book, saver, rec := newDispatcher(f, nil)

	pos, err := d.Execute(context.Background(), spreadOpp("AAPL", "Tech"))
	require.NoError(t, err)
	assert.Equal(t, "pos-1", pos.ID)
	assert.Equal(t, "ord-1", pos.OrderID)
	assert.Equal(t, state.StatusPending, pos.Status)

	require.Len(t, f.Placed, 1)
	assert.Equal(t, "AAPLP160", f.Placed[0].ShortSymbol)
	assert.True(t, f.Placed[0].Limit.Equal(decimal.RequireFromString("1.10")))

	snap := book.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 1, snap.TradesToday[state.KindCreditSpread])
	require.NotNil(t, snap.LastTradeAt)
	assert.Equal(t, t0, *snap.LastTradeAt)
	assert.Equal(t, 1, saver.count(), "saved before returning")
	require.Len(t, rec.events, 1)
	assert.Equal(t, alerts.KindEntry, rec.events[0].Kind)
}

func TestExecuteDirectional(t *testing.T) {
	f := brokertest.New()
	d, book, _, _ := newDispatcher(f, nil)
	o := scanner.Opportunity{
		Kind: state.KindDirectional, Symbol: "NVDA", Sector: "Tech", Score: 86, Contracts: 2,
		Setup: scanner.SetupORB, OptionSymbol: "NVDA240322C900", OptionType: "call",
		Strike: decimal.NewFromInt(900), Ask: decimal.RequireFromString("2.00"), Expiration: "2024-03-22",
	}
	pos, err := d.Execute(context.Background(), o)
	require.NoError(t, err)
	require.NotNil(t, pos.Directional)
	assert.Equal(t, 2, pos.Directional.CurrentQty)
	assert.True(t, pos.MaxLoss().Equal(decimal.NewFromInt(400)))
	require.Len(t, f.Bought, 1)
	assert.Equal(t, 1, book.Snapshot().TradesToday[state.KindDirectional])
}

func TestExecuteBrokerFailureLeavesStateAlone(t *testing.T) {
	for _, perr := range []error{
		fmt.Errorf("%w: timeout", broker.ErrTransient),
		fmt.Errorf("%w: insufficient buying power", broker.ErrRejected),
	} {
		f := brokertest.New()
		f.PlaceErr = perr
		d, book, saver, rec := newDispatcher(f, nil)
		before := book.Version()

		_, err := d.Execute(context.Background(), spreadOpp("AAPL", "Tech"))
		require.ErrorIs(t, err, perr)
		assert.Equal(t, before, book.Version())
		assert.Empty(t, book.Snapshot().Positions)
		assert.Zero(t, saver.count())
		assert.Empty(t, rec.events)
	}
}

func TestExecuteRejectsInvariantBreach(t *testing.T) {
	open := func(id, sym, sector string) *state.Position {
		return &state.Position{
			ID: id, Kind: state.KindCreditSpread, Symbol: sym, Sector: sector, Contracts: 1,
			Status: state.StatusOpen,
			Spread: &state.CreditSpread{Width: decimal.NewFromInt(5), Credit: decimal.NewFromInt(1)},
		}
	}
	cases := []struct {
		name      string
		positions []*state.Position
		opp       scanner.Opportunity
	}{
		{"duplicate symbol", []*state.Position{open("a", "AAPL", "Tech")}, spreadOpp("AAPL", "Tech")},
		{"sector cap", []*state.Position{open("a", "MSFT", "Tech"), open("b", "NVDA", "Tech")}, spreadOpp("AAPL", "Tech")},
		{"reserve", nil, func() scanner.Opportunity {
			o := spreadOpp("AAPL", "Tech")
			o.Contracts = 13 // 13 * 390 = 5070 > 6000 - 1200
			return o
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := state.New()
			st.Positions = tc.positions
			f := brokertest.New()
			d, book, _, _ := newDispatcher(f, st)

			_, err := d.Execute(context.Background(), tc.opp)
			require.ErrorIs(t, err, ErrInvariant)
			assert.Empty(t, f.Placed)
			assert.Len(t, book.Snapshot().Positions, len(tc.positions))
		})
	}
}

func TestExecuteSerializesEntries(t *testing.T) {
	f := brokertest.New()
	d, book, _, _ := newDispatcher(f, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Execute(context.Background(), spreadOpp("AAPL", "Tech"))
		}()
	}
	wg.Wait()
	assert.Len(t, book.Snapshot().Positions, 1, "one active position per symbol")
	assert.Len(t, f.Placed, 1)
}

func TestExecuteRechecksGateUnderLock(t *testing.T) {
	lim := limits()
	lim.MaxOpen = map[state.Kind]int{state.KindCreditSpread: 8, state.KindDirectional: 3}
	lim.MaxNewPerDay = map[state.Kind]int{state.KindCreditSpread: 3, state.KindDirectional: 2}
	lim.Cooldown = 120 * time.Second
	lim.MaxDailyLoss = decimal.NewFromInt(-300)
	lim.LossBreaker = 3
	lim.VIXLow = 12

	st := state.New()
	st.Today = "2024-03-13"
	st.Market.VIX = 20
	f := brokertest.New()
	d, book, _, _ := newDispatcher(f, st)
	d.limits = lim
	d.WithGate(risk.NewGate(lim, risk.DefaultSession(), func() time.Time { return t0 }))

	// both entry tasks passed admission on the same view; the spread lands first
	_, err := d.Execute(context.Background(), spreadOpp("AAPL", "Tech"))
	require.NoError(t, err)

	dir := scanner.Opportunity{
		Kind: state.KindDirectional, Symbol: "NVDA", Sector: "Semiconductor", Score: 86, Contracts: 1,
		OptionSymbol: "NVDA240322C900", OptionType: "call", Ask: decimal.RequireFromString("2.00"),
		Strike: decimal.NewFromInt(900), Expiration: "2024-03-22",
	}
	_, err = d.Execute(context.Background(), dir)
	require.ErrorIs(t, err, ErrGated)
	assert.Contains(t, err.Error(), "Cooldown")
	assert.Empty(t, f.Bought)
	assert.Len(t, book.Snapshot().Positions, 1)
	assert.Zero(t, book.Snapshot().TradesToday[state.KindDirectional])
}
