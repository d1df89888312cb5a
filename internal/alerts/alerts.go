package alerts

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event kinds.
const (
	KindEntry  = "entry"
	KindExit   = "exit"
	KindFill   = "fill"
	KindReject = "reject"
	KindSystem = "system"
	KindError  = "error"
)

type Event struct {
	Kind   string    `json:"kind"`
	Symbol string    `json:"symbol,omitempty"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Notifier is fire-and-forget: Notify never blocks the caller and reports
// whether the event was accepted for delivery.
type Notifier interface {
	Notify(e Event) bool
}

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

var (
	metricDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_alerts_delivered_total", Help: "Alerts delivered by sink and result"}, []string{"sink", "result"})
	metricDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_alerts_dropped_total", Help: "Alerts dropped because the queue was full"})
)

func init() {
	prometheus.MustRegister(metricDelivered, metricDropped)
}

// Fanout queues events and delivers each to every sink from a single goroutine.
type Fanout struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewFanout(queueSize int, sinks ...Sink) *Fanout {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Fanout{
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		timeout: 5 * time.Second,
		now:     time.Now,
		log:     log.With().Str("component", "alerts").Logger(),
	}
}

func (f *Fanout) Notify(e Event) bool {
	if e.At.IsZero() {
		e.At = f.now()
	}
	select {
	case f.queue <- e:
		return true
	default:
		metricDropped.Inc()
		return false
	}
}

// Send queues a plain message.
func (f *Fanout) Send(msg string) bool {
	return f.Notify(Event{Kind: KindSystem, Text: msg})
}

// Run delivers until ctx is done, then drains what is already queued.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case e := <-f.queue:
			f.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-f.queue:
					f.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (f *Fanout) deliver(e Event) {
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := s.Deliver(ctx, e)
		cancel()
		if err != nil {
			metricDelivered.WithLabelValues(s.Name(), "error").Inc()
			f.log.Warn().Err(err).Str("sink", s.Name()).Str("kind", e.Kind).Msg("alert delivery failed")
			continue
		}
		metricDelivered.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: log.With().Str("component", "alert").Logger()}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, e Event) error {
	l.log.Info().Str("kind", e.Kind).Str("symbol", e.Symbol).Time("at", e.At).Msg(e.Text)
	return nil
}

// Nop discards events; used when no notifier is wired.
type Nop struct{}

func (Nop) Notify(Event) bool { return true }
