package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRunning = errors.New("scheduler already running")

var (
	metricRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "autopilot_task_runs_total", Help: "Task iterations by result (ok, error, panic, gated)"},
		[]string{"task", "result"},
	)
	metricDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "autopilot_task_duration_seconds", Help: "Task iteration latency", Buckets: prometheus.DefBuckets},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(metricRuns, metricDuration)
}

// Task is one periodic worker.
type Task struct {
	Name     string
	Interval time.Duration
	// Gate, if set, is consulted each tick; Run is skipped when it returns false.
	Gate func() bool
	Run  func(ctx context.Context) error
}

// Scheduler runs each task on its own ticker. An error or panic in one
// iteration is logged and the loop carries on.
type Scheduler struct {
	tasks   []Task
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func New(tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a task. Tasks added after Start are not run.
func (s *Scheduler) Add(t Task) { s.tasks = append(s.tasks, t) }

func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			s.log.Warn().Str("task", t.Name).Msg("task without interval or body ignored")
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info().Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

// Stop clears the running flag and waits for in-flight iterations to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	tick := time.NewTicker(t.Interval)
	defer tick.Stop()
	for {
		if !s.running.Load() || ctx.Err() != nil {
			return
		}
		s.iterate(ctx, t)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, t Task) {
	if t.Gate != nil && !t.Gate() {
		metricRuns.WithLabelValues(t.Name, "gated").Inc()
		return
	}
	start := time.Now()
	err := runSafe(ctx, t)
	metricDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	var p *panicError
	switch {
	case errors.As(err, &p):
		metricRuns.WithLabelValues(t.Name, "panic").Inc()
		s.log.Error().Str("task", t.Name).Interface("panic", p.value).Str("stack", p.stack).Msg("task panicked")
	case err != nil:
		metricRuns.WithLabelValues(t.Name, "error").Inc()
		s.log.Warn().Err(err).Str("task", t.Name).Msg("task failed")
	default:
		metricRuns.WithLabelValues(t.Name, "ok").Inc()
	}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func runSafe(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return t.Run(ctx)
}
