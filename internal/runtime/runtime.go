package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	cfgpkg "github.com/rzbill/santa/internal/config"
	"github.com/rzbill/santa/internal/queue"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  logpkg.Logger
	Now     func() time.Time
}

// Runtime wires storage and config for a single-node instance and opens
// the components that live on the shared database.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	logger   logpkg.Logger
	now      func() time.Time
	instance Instance
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = logpkg.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	inst, err := ensureInstance(db, opts.Config.Queue.Name, opts.Now())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("instance record: %w", err)
	}
	return &Runtime{
		db:       db,
		config:   opts.Config,
		logger:   opts.Logger,
		now:      opts.Now,
		instance: inst,
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// OpenQueue opens the notification queue described by the config,
// compiling its classifier expression.
func (r *Runtime) OpenQueue() (*queue.Queue, error) {
	qc := r.config.Queue
	cls, err := queue.NewCELClassifier(qc.Classifier)
	if err != nil {
		return nil, err
	}
	return queue.Open(r.db, queue.Options{
		Name:              qc.Name,
		VisibilityTimeout: qc.VisibilityTimeout.Std(),
		MaxReceiveCount:   qc.MaxReceiveCount,
		NackDelay:         qc.EffectiveNackDelay(),
		Classifier:        cls,
		Logger:            r.logger,
		Now:               r.now,
	})
}

// OpenEngine opens the workflow engine with the given step implementations.
func (r *Runtime) OpenEngine(inviter workflow.Inviter, collector workflow.Collector) (*workflow.Engine, error) {
	return workflow.New(r.db, workflow.Options{
		Inviter:   inviter,
		Collector: collector,
		Logger:    r.logger,
		Now:       r.now,
	})
}

// RunInput builds the workflow input from the configured channel, window
// and secret location.
func (r *Runtime) RunInput() workflow.Input {
	return workflow.Input{
		ChannelID:    r.config.ChannelID,
		WaitDuration: r.config.WaitDuration.Std(),
		BotTokenName: r.config.BotTokenName,
		SecretRegion: r.config.SecretRegion,
	}
}

// Instance returns the data directory's instance record.
func (r *Runtime) Instance() Instance { return r.instance }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the root logger.
func (r *Runtime) Logger() logpkg.Logger { return r.logger }
