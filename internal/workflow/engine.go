package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/santa/internal/eventlog"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// Inviter performs the invite step.
type Inviter interface {
	Invite(ctx context.Context, in Input) (InviteOutput, error)
}

// Collector performs the collect step in two phases. Collect reads the
// responses and computes the pairs; the engine persists that output on the
// run before calling Dispatch, which enqueues one notification per
// persisted pair and returns the message ids. Dispatch must commit all of
// a run's notifications or none, and must be idempotent per run because a
// recovered run repeats it.
type Collector interface {
	Collect(ctx context.Context, run Run) (CollectOutput, error)
	Dispatch(ctx context.Context, run Run) ([]string, error)
}

// Options configures an Engine.
type Options struct {
	Inviter   Inviter
	Collector Collector
	Logger    logpkg.Logger
	Now       func() time.Time
}

// Engine drives runs through invite, wait and collect. Run state is
// persisted before and after every step; a run waiting on its deadline
// holds no goroutine.
type Engine struct {
	store     *Store
	history   *eventlog.Log
	inviter   Inviter
	collector Collector
	logger    logpkg.Logger
	now       func() time.Time

	mu sync.Mutex // serializes read-modify-write of run records

	claimMu sync.Mutex
	claimed map[string]struct{}

	wakeMu sync.Mutex
	wakeup func()
}

// New opens the run store and history log on db.
func New(db *pebblestore.DB, opts Options) (*Engine, error) {
	if opts.Inviter == nil || opts.Collector == nil {
		return nil, errors.New("workflow: inviter and collector are required")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	history, err := eventlog.OpenLog(db, HistoryLogName, eventlog.WithClock(opts.Now))
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	return &Engine{
		store:     NewStore(db),
		history:   history,
		inviter:   opts.Inviter,
		collector: opts.Collector,
		logger:    opts.Logger.WithComponent("workflow"),
		now:       opts.Now,
		claimed:   make(map[string]struct{}),
	}, nil
}

// Store exposes the run store.
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) setWakeup(fn func()) {
	e.wakeMu.Lock()
	e.wakeup = fn
	e.wakeMu.Unlock()
}

func (e *Engine) wake() {
	e.wakeMu.Lock()
	fn := e.wakeup
	e.wakeMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start persists a new run and drives it until it waits or finishes. Step
// failures are recorded on the run, not returned.
func (e *Engine) Start(ctx context.Context, in Input) (string, error) {
	return e.start(ctx, in, "")
}

func (e *Engine) start(ctx context.Context, in Input, from string) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	rid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	now := e.now()
	run := Run{
		ID:              rid.String(),
		Step:            StepInvite,
		State:           StateRunning,
		Input:           in,
		RetriggeredFrom: from,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.create(ctx, run); err != nil {
		return "", err
	}
	e.logger.Info("run started", logpkg.RunID(run.ID), logpkg.Str("channel", in.ChannelID))

	// the run outlives the caller's request
	e.drive(context.WithoutCancel(ctx), run.ID)
	return run.ID, nil
}

// Get returns one run.
func (e *Engine) Get(runID string) (Run, error) { return e.store.Get(runID) }

// List returns up to limit runs, newest first.
func (e *Engine) List(limit int) ([]Run, error) { return e.store.List(limit) }

// Cancel moves a non-terminal run to cancelled and drops its deadline.
// A step already executing is not interrupted, but its result is discarded.
func (e *Engine) Cancel(ctx context.Context, runID string) (Run, error) {
	r, err := e.update(ctx, runID, func(r *Run) error {
		now := e.now()
		r.State = StateCancelled
		r.FinishedAt = &now
		return nil
	}, EventRunCancelled)
	if err != nil {
		return Run{}, err
	}
	e.logger.Info("run cancelled", logpkg.RunID(runID), logpkg.Str("step", string(r.Step)))
	e.wake()
	return r, nil
}

// Retrigger starts a new run with the input of a terminal run.
func (e *Engine) Retrigger(ctx context.Context, runID string) (string, error) {
	prev, err := e.store.Get(runID)
	if err != nil {
		return "", err
	}
	if !prev.State.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrRunActive, runID, prev.State)
	}
	e.logger.Info("run retriggered", logpkg.RunID(runID))
	return e.start(ctx, prev.Input, runID)
}

// Recover resumes every non-terminal run after a restart. Runs interrupted
// inside a step re-execute that step; waiting runs are left to the
// scheduler. It returns the number of runs found active.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.Active()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, r := range runs {
		e.logger.Info("recovering run",
			logpkg.RunID(r.ID),
			logpkg.Str("step", string(r.Step)),
			logpkg.Str("state", string(r.State)))
		if r.State == StateRunning {
			e.drive(ctx, r.ID)
		}
	}
	e.wake()
	return len(runs), nil
}

// ResumeDue drives every waiting run whose deadline has passed and returns
// how many were resumed.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	ids, err := e.store.DueBefore(e.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, runID := range ids {
		if e.drive(ctx, runID) {
			n++
		}
	}
	return n, nil
}

// drive advances a run until it waits, finishes, or another goroutine owns
// it. It reports whether this call owned the run.
func (e *Engine) drive(ctx context.Context, runID string) bool {
	if !e.claim(runID) {
		return false
	}
	defer e.release(runID)

	for {
		r, err := e.store.Get(runID)
		if err != nil {
			e.logger.Error("load run", logpkg.RunID(runID), logpkg.Err(err))
			return true
		}
		var progressed bool
		switch {
		case r.State == StateRunning && r.Step == StepInvite:
			progressed = e.runInvite(ctx, r)
		case r.State == StateWaiting:
			if !due(r.WaitDeadline, e.now()) {
				e.wake()
				return true
			}
			progressed = e.beginCollect(ctx, r)
		case r.State == StateRunning && r.Step == StepCollect:
			progressed = e.runCollect(ctx, r)
		}
		if !progressed {
			return true
		}
	}
}

func (e *Engine) runInvite(ctx context.Context, r Run) bool {
	out, err := e.inviter.Invite(ctx, r.Input)
	if err != nil {
		e.fail(ctx, r, err)
		return false
	}
	if out.SentAt.IsZero() {
		out.SentAt = e.now()
	}
	next, err := e.update(ctx, r.ID, func(r *Run) error {
		now := e.now()
		r.Invite = &out
		r.InvitedAt = &now
		r.Step = StepWait
		r.State = StateWaiting
		r.WaitDeadline = deadlineAt(now, r.Input.WaitDuration)
		return nil
	}, EventInviteCompleted, EventWaitStarted)
	if err != nil {
		e.discarded(r, StepInvite, err)
		return false
	}
	e.logger.Info("invitation sent, waiting for responses",
		logpkg.RunID(r.ID),
		logpkg.Str("message_ts", out.MessageTS),
		logpkg.Time("deadline", next.WaitDeadline))
	e.wake()
	return true
}

func (e *Engine) beginCollect(ctx context.Context, r Run) bool {
	_, err := e.update(ctx, r.ID, func(r *Run) error {
		r.Step = StepCollect
		r.State = StateRunning
		return nil
	}, EventCollectStarted)
	if err != nil {
		e.discarded(r, StepWait, err)
		return false
	}
	return true
}

// runCollect computes and persists the pairs once, then dispatches them.
// A run recovered after the pairs were persisted skips straight to
// Dispatch, so a restart never reshuffles.
func (e *Engine) runCollect(ctx context.Context, r Run) bool {
	if r.Collect == nil {
		out, err := e.collector.Collect(ctx, r)
		if err != nil {
			e.fail(ctx, r, err)
			return false
		}
		next, err := e.update(ctx, r.ID, func(r *Run) error {
			r.Collect = &out
			return nil
		}, EventPairsRecorded)
		if err != nil {
			e.discarded(r, StepCollect, err)
			return false
		}
		r = next
	}

	ids, err := e.collector.Dispatch(ctx, r)
	if err != nil {
		e.fail(ctx, r, err)
		return false
	}
	final, err := e.update(ctx, r.ID, func(r *Run) error {
		now := e.now()
		out := *r.Collect
		out.MessageIDs = ids
		r.Collect = &out
		r.CollectedAt = &now
		r.FinishedAt = &now
		r.State = StateCompleted
		return nil
	}, EventRunCompleted)
	if err != nil {
		e.discarded(r, StepCollect, err)
		return false
	}
	e.logger.Info("run completed",
		logpkg.RunID(r.ID),
		logpkg.Int("participants", final.Collect.Participants),
		logpkg.Int("pairs", len(final.Collect.Pairs)))
	return false
}

// deadlineAt returns now+d at millisecond precision, the precision of the
// due index.
func deadlineAt(now time.Time, d time.Duration) time.Time {
	return now.Add(d).Truncate(time.Millisecond)
}

// due compares at the due index's millisecond precision.
func due(deadline, now time.Time) bool {
	return deadline.UnixMilli() <= now.UnixMilli()
}

// fail records a step error. Failed runs are not retried automatically.
func (e *Engine) fail(ctx context.Context, r Run, cause error) {
	e.logger.Error("workflow step failed",
		logpkg.RunID(r.ID),
		logpkg.Str("step", string(r.Step)),
		logpkg.Err(cause))
	_, err := e.update(ctx, r.ID, func(r *Run) error {
		now := e.now()
		r.State = StateFailed
		r.Error = cause.Error()
		r.FinishedAt = &now
		return nil
	}, EventRunFailed)
	if err != nil && !errors.Is(err, ErrRunTerminal) {
		e.logger.Error("persist run failure", logpkg.RunID(r.ID), logpkg.Err(err))
	}
}

func (e *Engine) discarded(r Run, step Step, err error) {
	if errors.Is(err, ErrRunTerminal) {
		e.logger.Warn("run finished while step executed, result discarded",
			logpkg.RunID(r.ID), logpkg.Str("step", string(step)))
		return
	}
	e.logger.Error("persist step result", logpkg.RunID(r.ID), logpkg.Str("step", string(step)), logpkg.Err(err))
}

func (e *Engine) create(ctx context.Context, r Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.store.db.NewBatch()
	defer b.Close()
	if err := e.store.write(b, nil, r); err != nil {
		return err
	}
	rec, err := historyRecord(EventRunStarted, r, r.CreatedAt)
	if err != nil {
		return err
	}
	_, notify, err := e.history.Stage(b, rec)
	if err != nil {
		return err
	}
	if err := e.store.commit(ctx, b); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	notify()
	return nil
}

// update applies fn to the stored run and persists it together with one
// history entry per kind. Terminal runs are immutable.
func (e *Engine) update(ctx context.Context, runID string, fn func(*Run) error, kinds ...string) (Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.store.Get(runID)
	if err != nil {
		return Run{}, err
	}
	if prev.State.Terminal() {
		return prev, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, prev.State)
	}
	next := prev
	if err := fn(&next); err != nil {
		return prev, err
	}
	if next.State != prev.State && !CanTransition(prev.State, next.State) {
		return prev, fmt.Errorf("workflow: illegal transition %s -> %s", prev.State, next.State)
	}
	next.UpdatedAt = e.now()

	b := e.store.db.NewBatch()
	defer b.Close()
	if err := e.store.write(b, &prev, next); err != nil {
		return prev, err
	}
	recs := make([]eventlog.Record, 0, len(kinds))
	for _, k := range kinds {
		rec, err := historyRecord(k, next, next.UpdatedAt)
		if err != nil {
			return prev, err
		}
		recs = append(recs, rec)
	}
	_, notify, err := e.history.Stage(b, recs...)
	if err != nil {
		return prev, err
	}
	if err := e.store.commit(ctx, b); err != nil {
		return prev, fmt.Errorf("update run %s: %w", runID, err)
	}
	notify()
	return next, nil
}

func (e *Engine) claim(runID string) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, ok := e.claimed[runID]; ok {
		return false
	}
	e.claimed[runID] = struct{}{}
	return true
}

func (e *Engine) release(runID string) {
	e.claimMu.Lock()
	delete(e.claimed, runID)
	e.claimMu.Unlock()
}
