package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/optionpilot/internal/risk"
	"github.com/chidi150c/optionpilot/internal/state"
)

func TestSchedulerRunsTasks(t *testing.T) {
	var fast, slow atomic.Int32
	s := New(
		Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error { fast.Add(1); return nil }},
		Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) error { slow.Add(1); return nil }},
	)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return fast.Load() >= 3 && slow.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), slow.Load(), "first iteration runs at start, then waits an interval")
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
}

func TestSchedulerSurvivesPanicsAndErrors(t *testing.T) {
	var panics, fails, healthy atomic.Int32
	s := New(
		Task{Name: "panics", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			panics.Add(1)
			panic("boom")
		}},
		Task{Name: "fails", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			fails.Add(1)
			return errors.New("broker down")
		}},
		Task{Name: "healthy", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			healthy.Add(1)
			return nil
		}},
	)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return panics.Load() >= 3 && fails.Load() >= 3 && healthy.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerGate(t *testing.T) {
	var checks, runs atomic.Int32
	s := New(Task{
		Name:     "gated",
		Interval: 5 * time.Millisecond,
		Gate:     func() bool { checks.Add(1); return false },
		Run:      func(context.Context) error { runs.Add(1); return nil },
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return checks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestSchedulerStop(t *testing.T) {
	var n atomic.Int32
	s := New(Task{Name: "t", Interval: 2 * time.Millisecond, Run: func(context.Context) error { n.Add(1); return nil }})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 2*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load())
	s.Stop()
}

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

type sweeper struct {
	calls atomic.Int32
	err   error
}

func (s *sweeper) run(context.Context) (int, error) {
	s.calls.Add(1)
	return 2, s.err
}

// Wednesday 2024-03-13 in New York.
func wed(h, m int) time.Time {
	return time.Date(2024, 3, 13, h, m, 0, 0, risk.DefaultSession().Loc)
}

func newClock(st *state.EngineState, at time.Time, sw *sweeper) (*Clock, *state.Book, *countingSaver) {
	if st == nil {
		st = state.New()
		st.Today = "2024-03-13"
	}
	saver := &countingSaver{}
	book := state.NewBook(st, saver)
	sess := risk.DefaultSession()
	c := NewClock(sess, book, risk.NewDayManager(sess, book, nil), 15*60+55, sw.run)
	c.now = func() time.Time { return at }
	return c, book, saver
}

func TestClockSetsSessionFlags(t *testing.T) {
	sw := &sweeper{}
	c, book, _ := newClock(nil, wed(10, 0), sw)
	require.NoError(t, c.Tick(context.Background()))
	m := book.Snapshot().Market
	assert.True(t, m.MarketOpen)
	assert.True(t, m.InWindow)

	c.now = func() time.Time { return wed(12, 0) }
	require.NoError(t, c.Tick(context.Background()))
	m = book.Snapshot().Market
	assert.True(t, m.MarketOpen)
	assert.False(t, m.InWindow)
	assert.Zero(t, sw.calls.Load())
}

func TestClockSweepsOncePerDay(t *testing.T) {
	sw := &sweeper{}
	c, book, saver := newClock(nil, wed(15, 56), sw)

	require.NoError(t, c.Tick(context.Background()))
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, int32(1), sw.calls.Load())
	assert.Equal(t, "2024-03-13", book.Snapshot().EODSweptOn)
	assert.Equal(t, 1, saver.count())
}

func TestClockSweepHoldOvernight(t *testing.T) {
	st := state.New()
	st.Today = "2024-03-13"
	st.HoldOvernight = true
	sw := &sweeper{}
	c, book, _ := newClock(st, wed(15, 58), sw)

	require.NoError(t, c.Tick(context.Background()))
	assert.Zero(t, sw.calls.Load())
	assert.Equal(t, "2024-03-13", book.Snapshot().EODSweptOn)
}

func TestClockSweepRetriesAfterFailure(t *testing.T) {
	sw := &sweeper{err: errors.New("sell refused")}
	c, book, _ := newClock(nil, wed(15, 56), sw)

	require.Error(t, c.Tick(context.Background()))
	assert.Empty(t, book.Snapshot().EODSweptOn)

	sw.err = nil
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, int32(2), sw.calls.Load())
	assert.Equal(t, "2024-03-13", book.Snapshot().EODSweptOn)
}

func TestClockNoSweepBeforeCutoffOrOnWeekend(t *testing.T) {
	sw := &sweeper{}
	c, _, _ := newClock(nil, wed(15, 54), sw)
	require.NoError(t, c.Tick(context.Background()))

	sat := time.Date(2024, 3, 16, 15, 56, 0, 0, risk.DefaultSession().Loc)
	c.now = func() time.Time { return sat }
	require.NoError(t, c.Tick(context.Background()))
	assert.Zero(t, sw.calls.Load())
}

func TestClockRollover(t *testing.T) {
	st := state.New()
	st.Today = "2024-03-12"
	st.ConsecutiveLosses = 2
	st.TradesToday[state.KindCreditSpread] = 3
	c, book, saver := newClock(st, wed(0, 5), &sweeper{})

	require.NoError(t, c.Rollover(context.Background()))
	require.NoError(t, c.Rollover(context.Background()))

	s := book.Snapshot()
	assert.Equal(t, "2024-03-13", s.Today)
	assert.Zero(t, s.ConsecutiveLosses)
	assert.Zero(t, s.TradesToday[state.KindCreditSpread])
	assert.Equal(t, 1, saver.count())
}
