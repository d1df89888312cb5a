// Package brokertest provides an in-memory broker for tests.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chidi150c/optionpilot/internal/broker"
)

// Fake implements broker.Broker from canned data. Set an *Err field to make
// the matching call fail.
type Fake struct {
	mu sync.Mutex

	Bal         broker.Balance
	QuoteBook   map[string]broker.Quote
	Exps        map[string][]string
	Chains      map[string][]broker.OptionContract // key: symbol + "|" + expiration
	OrderBook   []broker.Order
	nextOrderID int

	BalanceErr error
	QuotesErr  error
	ChainErr   error
	PlaceErr   error
	CloseErr   error
	// CloseErrs is consumed one per CloseSpread call before CloseErr applies.
	CloseErrs []error
	OrdersErr error

	Placed      []broker.SpreadOrder
	Closed      []broker.SpreadOrder
	Bought      []broker.OptionOrder
	Sold        []broker.OptionOrder
	QuoteCalls  int
	OrdersCalls int
}

func New() *Fake {
	return &Fake{
		QuoteBook: map[string]broker.Quote{},
		Exps:      map[string][]string{},
		Chains:    map[string][]broker.OptionContract{},
	}
}

func ChainKey(symbol, expiration string) string { return symbol + "|" + expiration }

func (f *Fake) SetQuote(q broker.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteBook[q.Symbol] = q
}

func (f *Fake) SetOrderStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.OrderBook {
		if f.OrderBook[i].ID == id {
			f.OrderBook[i].Status = status
			return
		}
	}
	f.OrderBook = append(f.OrderBook, broker.Order{ID: id, Status: status})
}

func (f *Fake) Balance(context.Context) (broker.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Bal, f.BalanceErr
}

func (f *Fake) Quotes(_ context.Context, symbols []string) (map[string]broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteCalls++
	if f.QuotesErr != nil {
		return nil, f.QuotesErr
	}
	out := map[string]broker.Quote{}
	for _, s := range symbols {
		if q, ok := f.QuoteBook[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *Fake) Expirations(_ context.Context, symbol string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChainErr != nil {
		return nil, f.ChainErr
	}
	return f.Exps[symbol], nil
}

func (f *Fake) OptionChain(_ context.Context, symbol, expiration string) ([]broker.OptionContract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChainErr != nil {
		return nil, f.ChainErr
	}
	return f.Chains[ChainKey(symbol, expiration)], nil
}

func (f *Fake) PlaceSpread(_ context.Context, o broker.SpreadOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return "", f.PlaceErr
	}
	f.Placed = append(f.Placed, o)
	return f.newOrder(o.Symbol), nil
}

func (f *Fake) CloseSpread(_ context.Context, o broker.SpreadOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.CloseErrs) > 0 {
		err := f.CloseErrs[0]
		f.CloseErrs = f.CloseErrs[1:]
		if err != nil {
			return "", err
		}
	} else if f.CloseErr != nil {
		return "", f.CloseErr
	}
	f.Closed = append(f.Closed, o)
	return f.newOrder(o.Symbol), nil
}

func (f *Fake) BuyOption(_ context.Context, o broker.OptionOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return "", f.PlaceErr
	}
	f.Bought = append(f.Bought, o)
	return f.newOrder(o.Symbol), nil
}

func (f *Fake) SellOption(_ context.Context, o broker.OptionOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CloseErr != nil {
		return "", f.CloseErr
	}
	f.Sold = append(f.Sold, o)
	return f.newOrder(o.Symbol), nil
}

func (f *Fake) Orders(context.Context) ([]broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OrdersCalls++
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]broker.Order(nil), f.OrderBook...), nil
}

func (f *Fake) newOrder(symbol string) string {
	f.nextOrderID++
	id := fmt.Sprintf("ord-%d", f.nextOrderID)
	f.OrderBook = append(f.OrderBook, broker.Order{ID: id, Status: "open", Symbol: symbol})
	return id
}

var _ broker.Broker = (*Fake)(nil)
