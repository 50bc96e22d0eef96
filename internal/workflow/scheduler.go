package workflow

import (
	"context"
	"time"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// Scheduler resumes waiting runs when their persisted deadline passes. It
// keeps a single timer armed for the earliest deadline in the store and
// re-arms whenever the engine reports a change.
type Scheduler struct {
	engine *Engine
	logger logpkg.Logger
	kick   chan struct{}

	// MaxSleep bounds a single wait so wall-clock jumps are noticed.
	MaxSleep time.Duration
	// RetryDelay is used after a store error or when due runs are busy.
	RetryDelay time.Duration
}

// NewScheduler attaches a scheduler to e.
func NewScheduler(e *Engine, logger logpkg.Logger) *Scheduler {
	if logger == nil {
		logger = logpkg.Nop()
	}
	s := &Scheduler{
		engine:     e,
		logger:     logger.WithComponent("scheduler"),
		kick:       make(chan struct{}, 1),
		MaxSleep:   time.Hour,
		RetryDelay: time.Second,
	}
	e.setWakeup(s.Notify)
	return s
}

// Notify asks the scheduler to re-read the earliest deadline.
func (s *Scheduler) Notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	defer s.logger.Info("scheduler stopped")
	for {
		wait, armed := s.nextWait(ctx)

		var fire <-chan time.Time
		var timer *time.Timer
		if armed {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.kick:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextWait resumes anything already due and returns how long to sleep. It
// returns false when no deadline is pending.
func (s *Scheduler) nextWait(ctx context.Context) (time.Duration, bool) {
	next, ok, err := s.engine.store.NextDeadline()
	if err != nil {
		s.logger.Error("read next deadline", logpkg.Err(err))
		return s.RetryDelay, true
	}
	if !ok {
		return 0, false
	}
	wait := next.Sub(s.engine.now())
	if wait > 0 {
		return min(wait, s.MaxSleep), true
	}

	n, err := s.engine.ResumeDue(ctx)
	if err != nil {
		s.logger.Error("resume due runs", logpkg.Err(err))
		return s.RetryDelay, true
	}
	s.logger.Debug("resumed due runs", logpkg.Int("count", n))

	next, ok, err = s.engine.store.NextDeadline()
	switch {
	case err != nil:
		return s.RetryDelay, true
	case !ok:
		return 0, false
	}
	wait = next.Sub(s.engine.now())
	if wait <= 0 {
		// still due: owned by another goroutine right now
		return s.RetryDelay, true
	}
	return min(wait, s.MaxSleep), true
}
