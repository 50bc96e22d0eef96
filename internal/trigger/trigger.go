// Package trigger starts workflow runs on a cron schedule.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rzbill/santa/internal/config"
	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// Starter starts a run.
type Starter interface {
	Start(ctx context.Context, in workflow.Input) (string, error)
}

// Trigger fires Start with a fixed input on every schedule tick.
type Trigger struct {
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	starter Starter
	input   workflow.Input
	logger  logpkg.Logger
	ctx     context.Context
}

// New parses spec (five fields or a descriptor such as @weekly).
func New(spec string, starter Starter, in workflow.Input, logger logpkg.Logger) (*Trigger, error) {
	if logger == nil {
		logger = logpkg.Nop()
	}
	logger = logger.WithComponent("trigger")
	t := &Trigger{
		spec:    spec,
		starter: starter,
		input:   in,
		logger:  logger,
		ctx:     context.Background(),
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLogger(cron.PrintfLogger(logpkg.ToStdLogger(logger, logpkg.DebugLevel))),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	id, err := t.cron.AddFunc(spec, t.fire)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	t.entry = id
	return t, nil
}

// Next returns the next scheduled start after now.
func (t *Trigger) Next(now time.Time) time.Time {
	sched, err := config.CronParser.Parse(t.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now)
}

func (t *Trigger) fire() {
	runID, err := t.starter.Start(t.ctx, t.input)
	if err != nil {
		t.logger.Error("scheduled start failed", logpkg.Err(err))
		return
	}
	t.logger.Info("scheduled run started", logpkg.RunID(runID))
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// firing in progress to return.
func (t *Trigger) Run(ctx context.Context) error {
	t.ctx = ctx
	t.cron.Start()
	t.logger.Info("cron trigger started", logpkg.Str("schedule", t.spec), logpkg.Time("next", t.Next(time.Now())))
	<-ctx.Done()
	<-t.cron.Stop().Done()
	return nil
}
