// Package monitor raises an alarm when messages arrive in the dead-letter
// sink. Evaluation is a pure function of the dead-letter log and the
// window, so repeating it over the same window gives the same answer.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// State of an evaluation.
type State string

const (
	StateOK    State = "OK"
	StateAlarm State = "ALARM"
)

// Window is the half-open interval [End-Period, End).
type Window struct {
	End    time.Time
	Period time.Duration
}

// Start returns the inclusive lower bound of the window.
func (w Window) Start() time.Time { return w.End.Add(-w.Period) }

// Alarm is the result of one evaluation.
type Alarm struct {
	State       State     `json:"state"`
	Queue       string    `json:"queue"`
	Count       int       `json:"count"`
	Threshold   int       `json:"threshold"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Description string    `json:"description"`
}

// Counter counts dead-letter arrivals in [from, to).
type Counter interface {
	CountBetween(from, to time.Time) (int, error)
}

// Notifier is told about state transitions.
type Notifier interface {
	Notify(ctx context.Context, a Alarm) error
}

// Options configures a Monitor.
type Options struct {
	Queue     string
	Period    time.Duration // default 5m
	Threshold int           // default 1
	Interval  time.Duration // default 1m
	Notifiers []Notifier
	Logger    logpkg.Logger
	Now       func() time.Time
}

// Monitor evaluates the dead-letter sink and notifies on transitions.
type Monitor struct {
	counter Counter
	opts    Options
	logger  logpkg.Logger

	mu   sync.RWMutex
	last Alarm
}

// New creates a monitor over counter.
func New(counter Counter, opts Options) *Monitor {
	if opts.Period <= 0 {
		opts.Period = 5 * time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		counter: counter,
		opts:    opts,
		logger:  opts.Logger.With(logpkg.Component("monitor"), logpkg.Str("queue", opts.Queue)),
		last:    Alarm{State: StateOK, Queue: opts.Queue, Threshold: opts.Threshold},
	}
}

// Evaluate counts arrivals in w and compares against the threshold. A
// zero Period uses the configured one.
func (m *Monitor) Evaluate(ctx context.Context, w Window) (Alarm, error) {
	if err := ctx.Err(); err != nil {
		return Alarm{}, err
	}
	if w.Period <= 0 {
		w.Period = m.opts.Period
	}
	n, err := m.counter.CountBetween(w.Start(), w.End)
	if err != nil {
		return Alarm{}, fmt.Errorf("count dead letters: %w", err)
	}
	a := Alarm{
		State:       StateOK,
		Queue:       m.opts.Queue,
		Count:       n,
		Threshold:   m.opts.Threshold,
		WindowStart: w.Start(),
		WindowEnd:   w.End,
	}
	if n >= m.opts.Threshold {
		a.State = StateAlarm
	}
	a.Description = describe(a, w.Period)
	return a, nil
}

func describe(a Alarm, period time.Duration) string {
	if a.State == StateAlarm {
		return fmt.Sprintf("ALARM: %d message(s) arrived in the dead-letter sink of queue %q during the %s ending %s (threshold %d). Pairing notifications were not delivered; inspect and redrive the dead letters.",
			a.Count, a.Queue, period, a.WindowEnd.UTC().Format(time.RFC3339), a.Threshold)
	}
	return fmt.Sprintf("OK: %d message(s) arrived in the dead-letter sink of queue %q during the %s ending %s (threshold %d).",
		a.Count, a.Queue, period, a.WindowEnd.UTC().Format(time.RFC3339), a.Threshold)
}

// Last returns the most recent evaluation made by Run or Check.
func (m *Monitor) Last() Alarm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check evaluates the window ending now and notifies on a transition into
// ALARM. Recovery to OK is logged only.
func (m *Monitor) Check(ctx context.Context) (Alarm, error) {
	a, err := m.Evaluate(ctx, Window{End: m.opts.Now(), Period: m.opts.Period})
	if err != nil {
		return Alarm{}, err
	}
	m.mu.Lock()
	prev := m.last.State
	m.last = a
	m.mu.Unlock()

	switch {
	case a.State == StateAlarm && prev != StateAlarm:
		m.logger.Error("dead-letter alarm raised", logpkg.Int("count", a.Count), logpkg.Str("description", a.Description))
		for _, n := range m.opts.Notifiers {
			if err := n.Notify(ctx, a); err != nil {
				m.logger.Error("alarm notification failed", logpkg.Err(err))
			}
		}
	case a.State == StateOK && prev == StateAlarm:
		m.logger.Info("dead-letter alarm cleared")
	}
	return a, nil
}

// Run checks on every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.logger.Info("failure monitor started", logpkg.Dur("period", m.opts.Period), logpkg.Int("threshold", m.opts.Threshold))
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("alarm evaluation failed", logpkg.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
