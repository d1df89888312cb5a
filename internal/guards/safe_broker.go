package guards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/broker"
)

var (
	ErrBreakerOpen = errors.New("circuit breaker open")
	ErrDuplicate   = errors.New("duplicate order suppressed")
	ErrRateLimited = errors.New("order rate limit hit")
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

func (b breakerState) String() string {
	switch b {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

var (
	metricCalls            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_broker_calls_total", Help: "Broker calls by operation and result"}, []string{"op", "result"})
	metricOrdersAttempted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_orders_attempted_total", Help: "Orders the engine tried to place"})
	metricOrdersPlaced     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_orders_placed_total", Help: "Orders accepted by the broker"})
	metricOrdersSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_orders_suppressed_total", Help: "Orders blocked by the safety layer (rate/idempotency/breaker)"})
	metricBreakerState     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_breaker_state", Help: "0=closed, 1=half_open, 2=open"})
	metricRateWindow       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_orders_in_last_minute", Help: "Orders counted in the current minute window"})
)

func init() {
	prometheus.MustRegister(
		metricCalls, metricOrdersAttempted, metricOrdersPlaced,
		metricOrdersSuppressed, metricBreakerState, metricRateWindow,
	)
	metricBreakerState.Set(0)
}

type Options struct {
	CallTimeout      time.Duration // per broker call
	PerMinuteCap     int           // opening orders per rolling minute, 0 = unlimited
	DupWindow        time.Duration // identical opening order suppressed within this window
	BreakerThreshold int           // consecutive transient failures that open the breaker
	BreakerCooldown  time.Duration
	HalfOpenProbes   int
}

// SafeBroker wraps a broker with call timeouts, a circuit breaker, an order
// rate limit and duplicate suppression. It never retries; the scheduler's
// next cycle is the retry.
type SafeBroker struct {
	inner broker.Broker
	opt   Options
	now   func() time.Time
	log   zerolog.Logger

	// Rate limiting (simple sliding window)
	rateMu     sync.Mutex
	orderTimes []time.Time

	// Duplicate suppression
	dupMu  sync.Mutex
	recent map[string]time.Time

	// Circuit breaker
	bMu        sync.Mutex
	bState     breakerState
	failStreak int
	openedAt   time.Time
	halfProbes int
}

func NewSafeBroker(inner broker.Broker, opt Options) *SafeBroker {
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = 10 * time.Second
	}
	if opt.BreakerThreshold < 1 {
		opt.BreakerThreshold = 3
	}
	if opt.HalfOpenProbes < 1 {
		opt.HalfOpenProbes = 1
	}
	return &SafeBroker{
		inner:  inner,
		opt:    opt,
		now:    time.Now,
		log:    log.With().Str("component", "safe_broker").Logger(),
		recent: map[string]time.Time{},
		bState: breakerClosed,
	}
}

// BreakerState is "closed", "half_open" or "open".
func (s *SafeBroker) BreakerState() string {
	s.bMu.Lock()
	defer s.bMu.Unlock()
	return s.bState.String()
}

func (s *SafeBroker) Balance(ctx context.Context) (broker.Balance, error) {
	var out broker.Balance
	err := s.call(ctx, "balance", func(ctx context.Context) (err error) {
		out, err = s.inner.Balance(ctx)
		return err
	})
	return out, err
}

func (s *SafeBroker) Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	var out map[string]broker.Quote
	err := s.call(ctx, "quotes", func(ctx context.Context) (err error) {
		out, err = s.inner.Quotes(ctx, symbols)
		return err
	})
	return out, err
}

func (s *SafeBroker) Expirations(ctx context.Context, symbol string) ([]string, error) {
	var out []string
	err := s.call(ctx, "expirations", func(ctx context.Context) (err error) {
		out, err = s.inner.Expirations(ctx, symbol)
		return err
	})
	return out, err
}

func (s *SafeBroker) OptionChain(ctx context.Context, symbol, expiration string) ([]broker.OptionContract, error) {
	var out []broker.OptionContract
	err := s.call(ctx, "chain", func(ctx context.Context) (err error) {
		out, err = s.inner.OptionChain(ctx, symbol, expiration)
		return err
	})
	return out, err
}

func (s *SafeBroker) Orders(ctx context.Context) ([]broker.Order, error) {
	var out []broker.Order
	err := s.call(ctx, "orders", func(ctx context.Context) (err error) {
		out, err = s.inner.Orders(ctx)
		return err
	})
	return out, err
}

func (s *SafeBroker) PlaceSpread(ctx context.Context, o broker.SpreadOrder) (string, error) {
	key := ordKey("spread", o.Symbol, o.ShortSymbol, o.LongSymbol, strconv.Itoa(o.Quantity))
	return s.open(ctx, "place_spread", key, func(ctx context.Context) (string, error) {
		return s.inner.PlaceSpread(ctx, o)
	})
}

func (s *SafeBroker) BuyOption(ctx context.Context, o broker.OptionOrder) (string, error) {
	key := ordKey("single", o.Symbol, o.OptionSymbol, strconv.Itoa(o.Quantity))
	return s.open(ctx, "buy_option", key, func(ctx context.Context) (string, error) {
		return s.inner.BuyOption(ctx, o)
	})
}

// Closing orders skip the rate limit and duplicate window: an exit must
// never be suppressed by the entry safety layer.
func (s *SafeBroker) CloseSpread(ctx context.Context, o broker.SpreadOrder) (string, error) {
	var id string
	err := s.call(ctx, "close_spread", func(ctx context.Context) (err error) {
		id, err = s.inner.CloseSpread(ctx, o)
		return err
	})
	return id, err
}

func (s *SafeBroker) SellOption(ctx context.Context, o broker.OptionOrder) (string, error) {
	var id string
	err := s.call(ctx, "sell_option", func(ctx context.Context) (err error) {
		id, err = s.inner.SellOption(ctx, o)
		return err
	})
	return id, err
}

// open runs an opening order through the full safety layer.
func (s *SafeBroker) open(ctx context.Context, op, key string, fn func(context.Context) (string, error)) (string, error) {
	now := s.now()
	metricOrdersAttempted.Inc()

	if s.rateExceeded(now) {
		metricOrdersSuppressed.Inc()
		return "", fmt.Errorf("%w: %w", ErrRateLimited, broker.ErrTransient)
	}
	if s.isDuplicate(key, now) {
		metricOrdersSuppressed.Inc()
		return "", fmt.Errorf("%w: %w", ErrDuplicate, broker.ErrRejected)
	}

	var id string
	err := s.call(ctx, op, func(ctx context.Context) (err error) {
		id, err = fn(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	s.rateNote(now)
	s.noteOrder(key, now)
	metricOrdersPlaced.Inc()
	return id, nil
}

// call applies the breaker and the per-call timeout.
func (s *SafeBroker) call(ctx context.Context, op string, fn func(context.Context) error) error {
	now := s.now()
	if !s.allowBreaker(now) {
		metricCalls.WithLabelValues(op, "breaker_open").Inc()
		return fmt.Errorf("%w: %w", ErrBreakerOpen, broker.ErrTransient)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opt.CallTimeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && cctx.Err() != nil && !errors.Is(err, broker.ErrTransient) {
		err = fmt.Errorf("%w: %s: %v", broker.ErrTransient, op, err)
	}

	switch {
	case err == nil || !broker.IsTransient(err):
		// a rejection still proves the broker is reachable
		s.noteSuccess()
		if err == nil {
			metricCalls.WithLabelValues(op, "ok").Inc()
		} else {
			metricCalls.WithLabelValues(op, "rejected").Inc()
		}
	default:
		s.noteFailure(s.now())
		metricCalls.WithLabelValues(op, "transient").Inc()
		s.log.Warn().Err(err).Str("op", op).Msg("broker call failed")
	}
	return err
}

// ===== Helpers =====

func ordKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func (s *SafeBroker) isDuplicate(key string, now time.Time) bool {
	if s.opt.DupWindow <= 0 {
		return false
	}
	s.dupMu.Lock()
	defer s.dupMu.Unlock()
	for k, t := range s.recent {
		if now.Sub(t) >= s.opt.DupWindow {
			delete(s.recent, k)
		}
	}
	_, dup := s.recent[key]
	return dup
}

func (s *SafeBroker) noteOrder(key string, now time.Time) {
	if s.opt.DupWindow <= 0 {
		return
	}
	s.dupMu.Lock()
	s.recent[key] = now
	s.dupMu.Unlock()
}

func (s *SafeBroker) rateExceeded(now time.Time) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	oneMin := now.Add(-1 * time.Minute)
	// keep only recent timestamps
	j := 0
	for _, t := range s.orderTimes {
		if t.After(oneMin) {
			s.orderTimes[j] = t
			j++
		}
	}
	s.orderTimes = s.orderTimes[:j]
	metricRateWindow.Set(float64(len(s.orderTimes)))
	return s.opt.PerMinuteCap > 0 && len(s.orderTimes) >= s.opt.PerMinuteCap
}

func (s *SafeBroker) rateNote(t time.Time) {
	s.rateMu.Lock()
	s.orderTimes = append(s.orderTimes, t)
	metricRateWindow.Set(float64(len(s.orderTimes)))
	s.rateMu.Unlock()
}

func (s *SafeBroker) allowBreaker(now time.Time) bool {
	s.bMu.Lock()
	defer s.bMu.Unlock()

	switch s.bState {
	case breakerClosed:
		return true
	case breakerOpen:
		// move to half-open after cooldown
		if now.Sub(s.openedAt) >= s.opt.BreakerCooldown {
			s.setState(breakerHalfOpen)
			s.halfProbes = 1
			return true // allow a probe
		}
		return false
	case breakerHalfOpen:
		if s.halfProbes < s.opt.HalfOpenProbes {
			s.halfProbes++
			return true
		}
		return false
	default:
		return false
	}
}

func (s *SafeBroker) noteSuccess() {
	s.bMu.Lock()
	defer s.bMu.Unlock()
	switch s.bState {
	case breakerClosed:
		s.failStreak = 0
	case breakerHalfOpen:
		// success in half-open -> close
		s.failStreak = 0
		s.setState(breakerClosed)
	}
}

func (s *SafeBroker) noteFailure(now time.Time) {
	s.bMu.Lock()
	defer s.bMu.Unlock()

	switch s.bState {
	case breakerClosed:
		s.failStreak++
		if s.failStreak >= s.opt.BreakerThreshold {
			s.openedAt = now
			s.setState(breakerOpen)
		}
	case breakerHalfOpen:
		// failed probe -> reopen immediately
		s.openedAt = now
		s.failStreak = s.opt.BreakerThreshold
		s.setState(breakerOpen)
	case breakerOpen:
		s.openedAt = now
	}
}

// setState must be called with bMu held.
func (s *SafeBroker) setState(st breakerState) {
	if s.bState != st {
		s.log.Warn().Str("from", s.bState.String()).Str("to", st.String()).Msg("breaker transition")
	}
	s.bState = st
	metricBreakerState.Set(float64(st))
}

var _ broker.Broker = (*SafeBroker)(nil)
