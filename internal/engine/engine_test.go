package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/broker/brokertest"
	"github.com/chidi150c/optionpilot/internal/config"
	"github.com/chidi150c/optionpilot/internal/state"
)

// Wednesday 2024-03-13 10:00 America/New_York.
var wed1000 = time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

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

func testConfig(directional bool) *config.Config {
	cfg := config.Default()
	cfg.Watchlist = map[string][]string{"Tech": {"AAPL"}}
	cfg.Directional.Enabled = directional
	return cfg
}

func marketFake() *brokertest.Fake {
	f := brokertest.New()
	f.SetQuote(broker.Quote{
		Symbol: "AAPL", Last: d("103"), PrevClose: d("100"), High: d("104"), Low: d("101"),
		ChangePct: 3.0, Volume: 2_000_000, AvgVolume: 1_000_000,
	})
	f.Exps["AAPL"] = []string{"2024-03-22", "2024-04-19"}
	leg := func(typ, strike, bid, ask string, delta float64) broker.OptionContract {
		return broker.OptionContract{
			Symbol: "AAPL" + typ + strike, OptionType: typ, Strike: d(strike),
			Bid: d(bid), Ask: d(ask), Delta: delta, OpenInterest: 500,
		}
	}
	f.Chains[brokertest.ChainKey("AAPL", "2024-04-19")] = []broker.OptionContract{
		leg("put", "95", "2.10", "2.20", -0.25),
		leg("put", "90", "0.90", "1.00", -0.15),
	}
	f.Chains[brokertest.ChainKey("AAPL", "2024-03-22")] = []broker.OptionContract{
		leg("call", "104", "1.90", "2.00", 0.45),
	}
	return f
}

func tradingState() *state.EngineState {
	st := state.New()
	st.Today = "2024-03-13"
	st.Autopilot = true
	st.Market.MarketOpen = true
	return st
}

func newEngine(t *testing.T, cfg *config.Config, f *brokertest.Fake, st *state.EngineState) (*Engine, *state.Book, *countingSaver) {
	t.Helper()
	saver := &countingSaver{}
	book := state.NewBook(st, saver)
	e, err := New(cfg, Deps{Broker: f, Book: book, Now: func() time.Time { return wed1000 }})
	require.NoError(t, err)
	return e, book, saver
}

func TestRunEntryAdmitsTopCandidate(t *testing.T) {
	f := marketFake()
	e, book, saver := newEngine(t, testConfig(false), f, tradingState())

	pos, err := e.RunEntry(context.Background(), state.KindCreditSpread)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "AAPL", pos.Symbol)
	assert.Equal(t, "Tech", pos.Sector)
	assert.Equal(t, state.StatusPending, pos.Status)
	assert.True(t, pos.Spread.Credit.Equal(d("1.10")))
	require.Len(t, f.Placed, 1)
	assert.Equal(t, 1, saver.count())
	assert.Len(t, book.Snapshot().Positions, 1)

	// cooldown now blocks the next cycle before any scan
	quotes := f.QuoteCalls
	pos, err = e.RunEntry(context.Background(), state.KindCreditSpread)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Equal(t, quotes, f.QuoteCalls)

	st := e.Status()
	assert.Equal(t, "cooldown", st.Gates[state.KindCreditSpread].Rule)
	assert.Len(t, st.Opportunities[state.KindCreditSpread], 1)
}

func TestRunEntryAutopilotOff(t *testing.T) {
	st := tradingState()
	st.Autopilot = false
	f := marketFake()
	e, _, _ := newEngine(t, testConfig(false), f, st)

	pos, err := e.RunEntry(context.Background(), state.KindCreditSpread)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Zero(t, f.QuoteCalls)
}

func TestRunEntryRefusesDuplicateTop(t *testing.T) {
	st := tradingState()
	st.Positions = []*state.Position{{
		ID: "p0", Kind: state.KindCreditSpread, Symbol: "AAPL", Sector: "Tech", Contracts: 1,
		Status: state.StatusOpen, Spread: &state.CreditSpread{Width: d("5"), Credit: d("1")},
	}}
	f := marketFake()
	e, _, _ := newEngine(t, testConfig(false), f, st)

	pos, err := e.RunEntry(context.Background(), state.KindCreditSpread)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Empty(t, f.Placed)
}

func TestRunEntryScanFailure(t *testing.T) {
	f := marketFake()
	f.ChainErr = fmt.Errorf("%w: 502", broker.ErrTransient)
	e, book, _ := newEngine(t, testConfig(false), f, tradingState())

	_, err := e.RunEntry(context.Background(), state.KindCreditSpread)
	require.ErrorIs(t, err, broker.ErrTransient)
	assert.Empty(t, book.Snapshot().Positions)
}

func TestRunEntryDirectional(t *testing.T) {
	f := marketFake()
	e, _, _ := newEngine(t, testConfig(true), f, tradingState())

	pos, err := e.RunEntry(context.Background(), state.KindDirectional)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "AAPLcall104", pos.Directional.OptionSymbol)
	assert.Equal(t, "ORB", pos.Directional.Setup)
	require.Len(t, f.Bought, 1)
}

func TestRunEntryDirectionalBelowMinScore(t *testing.T) {
	cfg := testConfig(true)
	cfg.Directional.MinScore = 90 // the ORB setup scores 86
	f := marketFake()
	e, _, _ := newEngine(t, cfg, f, tradingState())

	pos, err := e.RunEntry(context.Background(), state.KindDirectional)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Empty(t, f.Bought)
}

func TestRefreshAccount(t *testing.T) {
	st := tradingState()
	st.Positions = []*state.Position{{
		ID: "p0", Kind: state.KindCreditSpread, Symbol: "AAPL", Contracts: 1, Status: state.StatusOpen,
		UnrealizedPnL: d("25"), Spread: &state.CreditSpread{Width: d("5"), Credit: d("1")},
	}}
	f := marketFake()
	f.Bal = broker.Balance{TotalEquity: d("6100")}
	f.SetQuote(broker.Quote{Symbol: VIXSymbol, Last: d("18.5")})
	e, book, saver := newEngine(t, testConfig(false), f, st)

	require.NoError(t, e.RefreshAccount(context.Background()))
	m := book.Snapshot().Market
	assert.True(t, m.Connected)
	assert.True(t, m.Balance.Equal(d("6100")))
	assert.True(t, m.OpenPnL.Equal(d("25")))
	assert.InDelta(t, 18.5, m.VIX, 0.001)
	assert.Equal(t, wed1000, m.UpdatedAt)
	assert.Zero(t, saver.count(), "left to the periodic save")

	f.BalanceErr = fmt.Errorf("%w: timeout", broker.ErrTransient)
	require.ErrorIs(t, e.RefreshAccount(context.Background()), broker.ErrTransient)
	assert.False(t, book.Snapshot().Market.Connected)
}

func TestOperatorOps(t *testing.T) {
	st := tradingState()
	st.Autopilot = false
	st.ConsecutiveLosses = 3
	e, book, saver := newEngine(t, testConfig(false), marketFake(), st)

	on, err := e.ToggleAutopilot()
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, saver.count())

	require.NoError(t, e.SetHoldOvernight(true))
	require.NoError(t, e.SetHoldOvernight(true))
	assert.Equal(t, 2, saver.count())

	require.NoError(t, e.ResetBreaker())
	s := book.Snapshot()
	assert.True(t, s.Autopilot)
	assert.True(t, s.HoldOvernight)
	assert.Zero(t, s.ConsecutiveLosses)
	assert.Equal(t, 3, saver.count())

	on, err = e.ToggleAutopilot()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestStatus(t *testing.T) {
	st := tradingState()
	st.DailyPnL = d("-40")
	st.Wins, st.Losses = 3, 1
	st.Positions = []*state.Position{
		{ID: "a", Kind: state.KindCreditSpread, Symbol: "AAPL", Contracts: 2, Status: state.StatusOpen,
			Spread: &state.CreditSpread{Width: d("5"), Credit: d("1")}},
		{ID: "b", Kind: state.KindCreditSpread, Symbol: "MSFT", Contracts: 1, Status: state.StatusClosed,
			Spread: &state.CreditSpread{Width: d("5"), Credit: d("1")}},
	}
	e, _, _ := newEngine(t, testConfig(false), marketFake(), st)

	s := e.Status()
	assert.True(t, s.AccountValue.Equal(d("5960")))
	assert.True(t, s.BuyingPower.Equal(d("5200")))
	assert.True(t, s.Reserve.Equal(d("1200")))
	assert.InDelta(t, 75.0, s.WinRate, 0.001)
	require.Len(t, s.Positions, 1)
	assert.Equal(t, "a", s.Positions[0].ID)
	assert.False(t, s.Scheduler)
	require.Len(t, s.GateOrder, 10)
	assert.Equal(t, "max_open", s.GateOrder[0])
	assert.Equal(t, "volatility", s.GateOrder[9])
}

func TestHoldPositionOvernight(t *testing.T) {
	st := tradingState()
	st.Positions = []*state.Position{
		{ID: "dir", Kind: state.KindDirectional, Symbol: "AAPL", Contracts: 1, Status: state.StatusOpen,
			Directional: &state.Directional{OptionSymbol: "AAPLC", EntryPrice: d("2"), CurrentQty: 1}},
		{ID: "cs", Kind: state.KindCreditSpread, Symbol: "MSFT", Contracts: 1, Status: state.StatusOpen,
			Spread: &state.CreditSpread{Width: d("5"), Credit: d("1")}},
	}
	e, book, saver := newEngine(t, testConfig(true), marketFake(), st)

	require.NoError(t, e.HoldPositionOvernight("dir", true))
	require.NoError(t, e.HoldPositionOvernight("dir", true))
	assert.Equal(t, 1, saver.count())
	assert.True(t, book.Snapshot().Find("dir").Directional.HoldOvernight)
	assert.False(t, book.Snapshot().HoldOvernight, "account flag untouched")

	assert.ErrorIs(t, e.HoldPositionOvernight("cs", true), state.ErrWrongKind)
	assert.ErrorIs(t, e.HoldPositionOvernight("nope", true), state.ErrNotFound)
}

func TestTasks(t *testing.T) {
	names := func(e *Engine) []string {
		var out []string
		for _, t := range e.Tasks() {
			out = append(out, t.Name)
		}
		return out
	}
	e, _, _ := newEngine(t, testConfig(false), marketFake(), tradingState())
	assert.Equal(t, []string{"clock", "rollover", "account", "reconcile", "positions", "spreads", "autosave"}, names(e))

	e, _, _ = newEngine(t, testConfig(true), marketFake(), tradingState())
	assert.Contains(t, names(e), "directional")
}

func TestStartStop(t *testing.T) {
	st := tradingState()
	st.Today = "2024-03-12"
	e, book, saver := newEngine(t, testConfig(false), marketFake(), st)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, "2024-03-13", book.Snapshot().Today)
	assert.True(t, e.Status().Scheduler)
	require.NoError(t, e.Stop())
	assert.False(t, e.Status().Scheduler)
	assert.GreaterOrEqual(t, saver.count(), 1)
}
