package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTradier(t *testing.T, h http.HandlerFunc) *Tradier {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewTradier(srv.URL, "tok", "ACCT1", 2*time.Second)
}

func TestTradierQuotesSingleAndMany(t *testing.T) {
	ctx := context.Background()

	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/markets/quotes", r.URL.Path)
		if r.URL.Query().Get("symbols") == "VIX" {
			_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"VIX","last":14.2,"bid":null,"ask":null}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"quotes":{"quote":[
			{"symbol":"AAPL","last":171.5,"bid":171.4,"ask":171.6,"change_percentage":1.25,"volume":1000,"average_volume":800},
			{"symbol":"MSFT","last":402.1,"bid":402.0,"ask":402.2}]}}`))
	})

	one, err := c.Quotes(ctx, []string{"VIX"})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("14.2").Equal(one["VIX"].Last))
	assert.True(t, one["VIX"].Bid.IsZero())

	many, err := c.Quotes(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, 1.25, many["AAPL"].ChangePct)
	assert.True(t, decimal.RequireFromString("171.5").Equal(many["AAPL"].Mid()))
}

func TestTradierEmptyCollections(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/ACCT1/orders":
			_, _ = w.Write([]byte(`{"orders":"null"}`))
		case "/v1/markets/options/expirations":
			_, _ = w.Write([]byte(`{"expirations":{"date":"2024-04-19"}}`))
		default:
			_, _ = w.Write([]byte(`{"options":null}`))
		}
	})
	ctx := context.Background()

	orders, err := c.Orders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	exps, err := c.Expirations(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-04-19"}, exps)

	chain, err := c.OptionChain(ctx, "AAPL", "2024-04-19")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestTradierChainAndOrders(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/markets/options/chains":
			assert.Equal(t, "true", r.URL.Query().Get("greeks"))
			_, _ = w.Write([]byte(`{"options":{"option":[
				{"symbol":"AAPL240419P00160000","underlying":"AAPL","option_type":"put","expiration_date":"2024-04-19",
				 "strike":160,"bid":1.1,"ask":1.2,"open_interest":900,"greeks":{"delta":-0.21}},
				{"symbol":"AAPL240419P00155000","underlying":"AAPL","option_type":"put","expiration_date":"2024-04-19",
				 "strike":155,"bid":0.4,"ask":0.45,"open_interest":400,"greeks":null}]}}`))
		case "/v1/accounts/ACCT1/orders":
			_, _ = w.Write([]byte(`{"orders":{"order":[{"id":101,"status":"filled","symbol":"AAPL"},{"id":102,"status":"rejected"}]}}`))
		}
	})
	ctx := context.Background()

	chain, err := c.OptionChain(ctx, "AAPL", "2024-04-19")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, -0.21, chain[0].Delta)
	assert.Equal(t, 0.0, chain[1].Delta)
	assert.True(t, decimal.NewFromInt(155).Equal(chain[1].Strike))

	orders, err := c.Orders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Order{{ID: "101", Status: "filled", Symbol: "AAPL"}, {ID: "102", Status: "rejected"}}, orders)
}

func TestTradierPlaceSpreadForm(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "multileg", r.PostForm.Get("class"))
		assert.Equal(t, "credit", r.PostForm.Get("type"))
		assert.Equal(t, "1.15", r.PostForm.Get("price"))
		assert.Equal(t, "sell_to_open", r.PostForm.Get("side[0]"))
		assert.Equal(t, "AAPL240419P00160000", r.PostForm.Get("option_symbol[0]"))
		assert.Equal(t, "buy_to_open", r.PostForm.Get("side[1]"))
		assert.Equal(t, "2", r.PostForm.Get("quantity[1]"))
		_, _ = w.Write([]byte(`{"order":{"id":257459,"status":"ok"}}`))
	})

	id, err := c.PlaceSpread(context.Background(), SpreadOrder{
		Symbol: "AAPL", ShortSymbol: "AAPL240419P00160000", LongSymbol: "AAPL240419P00155000",
		Quantity: 2, Limit: decimal.RequireFromString("1.15"),
	})
	require.NoError(t, err)
	assert.Equal(t, "257459", id)
}

func TestTradierMarketClose(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "market", r.PostForm.Get("type"))
		assert.Empty(t, r.PostForm.Get("price"))
		assert.Equal(t, "buy_to_close", r.PostForm.Get("side[0]"))
		_, _ = w.Write([]byte(`{"order":{"id":7,"status":"ok"}}`))
	})
	id, err := c.CloseSpread(context.Background(), SpreadOrder{Symbol: "AAPL", ShortSymbol: "s", LongSymbol: "l", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestTradierErrorClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"fault":"nope"}`))
	})
	ctx := context.Background()

	_, err := c.Balance(ctx)
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = c.BuyOption(ctx, OptionOrder{Symbol: "AAPL", OptionSymbol: "x", Quantity: 1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsTransient(err))
}

func TestTradierOrderErrorsBody(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":{"error":"Backoffice rejected override of the order."}}`))
	})
	_, err := c.SellOption(context.Background(), OptionOrder{Symbol: "AAPL", OptionSymbol: "x", Quantity: 1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Backoffice")
}

func TestTradierTimeoutIsTransient(t *testing.T) {
	c := newTestTradier(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Orders(ctx)
	assert.ErrorIs(t, err, ErrTransient)
}
