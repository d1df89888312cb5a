package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	SandboxURL = "https://sandbox.tradier.com"
	LiveURL    = "https://api.tradier.com"
)

// Tradier is a REST client for the Tradier brokerage API.
type Tradier struct {
	http      *http.Client
	baseURL   string
	token     string
	accountID string
	log       zerolog.Logger
}

func NewTradier(baseURL, token, accountID string, timeout time.Duration) *Tradier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tradier{
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		accountID: accountID,
		log:       log.With().Str("component", "tradier").Logger(),
	}
}

// --- API Types ---

type tradierBalance struct {
	TotalEquity       decimal.Decimal `json:"total_equity"`
	OptionBuyingPower decimal.Decimal `json:"option_buying_power"`
	TotalCash         decimal.Decimal `json:"total_cash"`
	OpenPL            decimal.Decimal `json:"open_pl"`
	Margin            *struct {
		OptionBuyingPower decimal.Decimal `json:"option_buying_power"`
	} `json:"margin"`
	Cash *struct {
		CashAvailable decimal.Decimal `json:"cash_available"`
	} `json:"cash"`
}

type tradierQuote struct {
	Symbol        string          `json:"symbol"`
	Last          decimal.Decimal `json:"last"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	PrevClose     decimal.Decimal `json:"prevclose"`
	ChangePct     float64         `json:"change_percentage"`
	Volume        int64           `json:"volume"`
	AverageVolume int64           `json:"average_volume"`
}

type tradierOption struct {
	Symbol         string          `json:"symbol"`
	Underlying     string          `json:"underlying"`
	OptionType     string          `json:"option_type"`
	ExpirationDate string          `json:"expiration_date"`
	Strike         decimal.Decimal `json:"strike"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	OpenInterest   int64           `json:"open_interest"`
	Volume         int64           `json:"volume"`
	Greeks         *struct {
		Delta float64 `json:"delta"`
	} `json:"greeks"`
}

type tradierOrder struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
	Symbol string      `json:"symbol"`
}

// oneOrMany decodes Tradier's "single object or array" collections.
type oneOrMany[T any] []T

func (m *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*m = nil
		return nil
	case b[0] == '[':
		var xs []T
		if err := json.Unmarshal(b, &xs); err != nil {
			return err
		}
		*m = xs
		return nil
	}
	var x T
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	*m = []T{x}
	return nil
}

// decodeObject decodes raw into out unless it is Tradier's empty marker
// (null or the string "null").
func decodeObject(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// --- API Methods ---

func (c *Tradier) Balance(ctx context.Context) (Balance, error) {
	var result struct {
		Balances tradierBalance `json:"balances"`
	}
	if err := c.get(ctx, "/v1/accounts/"+c.accountID+"/balances", nil, &result); err != nil {
		return Balance{}, err
	}
	b := result.Balances
	bp := b.OptionBuyingPower
	if b.Margin != nil && bp.IsZero() {
		bp = b.Margin.OptionBuyingPower
	}
	cash := b.TotalCash
	if b.Cash != nil && cash.IsZero() {
		cash = b.Cash.CashAvailable
	}
	return Balance{TotalEquity: b.TotalEquity, OptionBuyingPower: bp, Cash: cash, OpenPnL: b.OpenPL}, nil
}

func (c *Tradier) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := map[string]Quote{}
	if len(symbols) == 0 {
		return out, nil
	}
	var result struct {
		Quotes json.RawMessage `json:"quotes"`
	}
	params := url.Values{"symbols": {strings.Join(symbols, ",")}, "greeks": {"false"}}
	if err := c.get(ctx, "/v1/markets/quotes", params, &result); err != nil {
		return nil, err
	}
	var body struct {
		Quote oneOrMany[tradierQuote] `json:"quote"`
	}
	if err := decodeObject(result.Quotes, &body); err != nil {
		return nil, fmt.Errorf("decoding quotes: %w", err)
	}
	for _, q := range body.Quote {
		out[q.Symbol] = Quote{
			Symbol: q.Symbol, Last: q.Last, Bid: q.Bid, Ask: q.Ask, High: q.High, Low: q.Low,
			PrevClose: q.PrevClose, ChangePct: q.ChangePct, Volume: q.Volume, AvgVolume: q.AverageVolume,
		}
	}
	return out, nil
}

func (c *Tradier) Expirations(ctx context.Context, symbol string) ([]string, error) {
	var result struct {
		Expirations json.RawMessage `json:"expirations"`
	}
	params := url.Values{"symbol": {symbol}, "includeAllRoots": {"true"}}
	if err := c.get(ctx, "/v1/markets/options/expirations", params, &result); err != nil {
		return nil, err
	}
	var body struct {
		Date oneOrMany[string] `json:"date"`
	}
	if err := decodeObject(result.Expirations, &body); err != nil {
		return nil, fmt.Errorf("decoding expirations: %w", err)
	}
	return body.Date, nil
}

func (c *Tradier) OptionChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error) {
	var result struct {
		Options json.RawMessage `json:"options"`
	}
	params := url.Values{"symbol": {symbol}, "expiration": {expiration}, "greeks": {"true"}}
	if err := c.get(ctx, "/v1/markets/options/chains", params, &result); err != nil {
		return nil, err
	}
	var body struct {
		Option oneOrMany[tradierOption] `json:"option"`
	}
	if err := decodeObject(result.Options, &body); err != nil {
		return nil, fmt.Errorf("decoding chain: %w", err)
	}
	out := make([]OptionContract, 0, len(body.Option))
	for _, o := range body.Option {
		oc := OptionContract{
			Symbol: o.Symbol, Underlying: o.Underlying, OptionType: o.OptionType, Expiration: o.ExpirationDate,
			Strike: o.Strike, Bid: o.Bid, Ask: o.Ask, OpenInterest: o.OpenInterest, Volume: o.Volume,
		}
		if o.Greeks != nil {
			oc.Delta = o.Greeks.Delta
		}
		out = append(out, oc)
	}
	return out, nil
}

func (c *Tradier) Orders(ctx context.Context) ([]Order, error) {
	var result struct {
		Orders json.RawMessage `json:"orders"`
	}
	if err := c.get(ctx, "/v1/accounts/"+c.accountID+"/orders", nil, &result); err != nil {
		return nil, err
	}
	var body struct {
		Order oneOrMany[tradierOrder] `json:"order"`
	}
	if err := decodeObject(result.Orders, &body); err != nil {
		return nil, fmt.Errorf("decoding orders: %w", err)
	}
	out := make([]Order, 0, len(body.Order))
	for _, o := range body.Order {
		out = append(out, Order{ID: o.ID.String(), Status: o.Status, Symbol: o.Symbol})
	}
	return out, nil
}

func (c *Tradier) PlaceSpread(ctx context.Context, o SpreadOrder) (string, error) {
	return c.multileg(ctx, o, "credit", "sell_to_open", "buy_to_open")
}

func (c *Tradier) CloseSpread(ctx context.Context, o SpreadOrder) (string, error) {
	return c.multileg(ctx, o, "debit", "buy_to_close", "sell_to_close")
}

func (c *Tradier) BuyOption(ctx context.Context, o OptionOrder) (string, error) {
	return c.single(ctx, o, "buy_to_open")
}

func (c *Tradier) SellOption(ctx context.Context, o OptionOrder) (string, error) {
	return c.single(ctx, o, "sell_to_close")
}

func (c *Tradier) multileg(ctx context.Context, o SpreadOrder, priced, shortSide, longSide string) (string, error) {
	qty := strconv.Itoa(o.Quantity)
	form := url.Values{
		"class":            {"multileg"},
		"symbol":           {o.Symbol},
		"duration":         {"day"},
		"side[0]":          {shortSide},
		"option_symbol[0]": {o.ShortSymbol},
		"quantity[0]":      {qty},
		"side[1]":          {longSide},
		"option_symbol[1]": {o.LongSymbol},
		"quantity[1]":      {qty},
	}
	if o.Limit.IsPositive() {
		form.Set("type", priced)
		form.Set("price", o.Limit.StringFixed(2))
	} else {
		form.Set("type", "market")
	}
	return c.placeOrder(ctx, form)
}

func (c *Tradier) single(ctx context.Context, o OptionOrder, side string) (string, error) {
	form := url.Values{
		"class":         {"option"},
		"symbol":        {o.Symbol},
		"option_symbol": {o.OptionSymbol},
		"side":          {side},
		"quantity":      {strconv.Itoa(o.Quantity)},
		"duration":      {"day"},
	}
	if o.Limit.IsPositive() {
		form.Set("type", "limit")
		form.Set("price", o.Limit.StringFixed(2))
	} else {
		form.Set("type", "market")
	}
	return c.placeOrder(ctx, form)
}

func (c *Tradier) placeOrder(ctx context.Context, form url.Values) (string, error) {
	var result struct {
		Order  *tradierOrder `json:"order"`
		Errors *struct {
			Error oneOrMany[string] `json:"error"`
		} `json:"errors"`
	}
	if err := c.post(ctx, "/v1/accounts/"+c.accountID+"/orders", form, &result); err != nil {
		return "", err
	}
	if result.Errors != nil && len(result.Errors.Error) > 0 {
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.Join(result.Errors.Error, "; "))
	}
	if result.Order == nil || result.Order.ID.String() == "" {
		return "", fmt.Errorf("%w: order response without id", ErrRejected)
	}
	c.log.Info().Str("order_id", result.Order.ID.String()).Str("class", form.Get("class")).
		Str("symbol", form.Get("symbol")).Msg("order accepted")
	return result.Order.ID.String(), nil
}

// --- HTTP helpers ---

func (c *Tradier) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

func (c *Tradier) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doRequest(req, out)
}

func (c *Tradier) doRequest(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	c.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("tradier request")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: tradier request failed: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("tradier unavailable")
		return fmt.Errorf("%w: tradier status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("tradier API error")
		return fmt.Errorf("%w: tradier status %d: %s", ErrRejected, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w (body: %s)", err, string(body))
		}
	}
	return nil
}
