package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/santa/internal/config"
	"github.com/rzbill/santa/internal/messaging"
	"github.com/rzbill/santa/internal/monitor"
	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/internal/runtime"
	"github.com/rzbill/santa/internal/santa"
	"github.com/rzbill/santa/internal/secrets"
	grpcserver "github.com/rzbill/santa/internal/server/grpc"
	httpserver "github.com/rzbill/santa/internal/server/http"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	"github.com/rzbill/santa/internal/trigger"
	"github.com/rzbill/santa/internal/worker"
	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// tokenTimeout bounds the startup secret lookup.
const tokenTimeout = 15 * time.Second

type Options struct {
	Config cfgpkg.Config
	// DryRun replaces the chat client with an in-memory recorder that
	// logs what would have been sent.
	DryRun bool
	// Messenger overrides the chat client; Resolver the secret source.
	Messenger messaging.Messenger
	Resolver  secrets.Resolver
	Logger    logpkg.Logger
}

// Run opens the store, recovers interrupted runs and runs every
// component until ctx is cancelled or one of them fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(cfg.Log)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		logger = l
	}
	// Pebble and net/http write through the standard library logger
	restore := logpkg.RedirectStdLog(logger)
	defer restore()

	fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return err
	}
	storeDir := filepath.Join(cfg.ResolvedDataDir(), "store")
	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: fsync, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting santa server",
		logpkg.Str("data_dir", storeDir),
		logpkg.Str("http", cfg.HTTP.Addr),
		logpkg.Str("grpc", cfg.GRPC.Addr),
		logpkg.Str("channel", cfg.ChannelID),
		logpkg.Str("schedule", cfg.Schedule),
		logpkg.Bool("dry_run", opts.DryRun))

	m, err := buildMessenger(sctx, opts, logger)
	if err != nil {
		return err
	}

	q, err := rt.OpenQueue()
	if err != nil {
		return err
	}
	h := santa.NewHandlers(m, q, nil, logger)
	engine, err := rt.OpenEngine(h, h)
	if err != nil {
		return err
	}
	sched := workflow.NewScheduler(engine, logger)

	n, err := engine.Recover(sctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		logger.Info("recovered interrupted runs", logpkg.Int("count", n))
	}

	w := worker.New(q, h.Deliver, worker.Options{
		Concurrency:  cfg.Worker.Concurrency,
		Timeout:      cfg.Worker.Timeout.Std(),
		MaxAttempts:  cfg.Worker.MaxAttempts,
		PollInterval: cfg.Worker.PollInterval.Std(),
		RateLimit:    cfg.Worker.RateLimitPerSecond,
		Logger:       logger,
	})

	notifiers := []monitor.Notifier{monitor.LogNotifier{Logger: logger.WithComponent("alarm")}}
	if cfg.Monitor.AlertChannelID != "" {
		notifiers = append(notifiers, monitor.ChatNotifier{Messenger: m, ChannelID: cfg.Monitor.AlertChannelID})
	}
	mon := monitor.New(q.DeadLetterLog(), monitor.Options{
		Queue:     q.Name(),
		Period:    cfg.Monitor.Period.Std(),
		Threshold: cfg.Monitor.Threshold,
		Interval:  cfg.Monitor.Interval.Std(),
		Notifiers: notifiers,
		Logger:    logger,
	})

	var trig *trigger.Trigger
	if cfg.Schedule != "" {
		if trig, err = trigger.New(cfg.Schedule, engine, rt.RunInput(), logger); err != nil {
			return err
		}
	}

	sweeper := queue.NewSweeper(q, queue.SweeperConfig{Interval: cfg.Queue.SweepInterval.Std()}, logger)
	hsrv := httpserver.New(httpserver.Deps{Runtime: rt, Engine: engine, Queue: q, Monitor: mon, Worker: w, Logger: logger})
	gsrv := grpcserver.New(rt, logger, 0)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error { return trimHistory(gctx, engine, cfg.History.Retention.Std(), logger) })
	if trig != nil {
		g.Go(func() error { return trig.Run(gctx) })
	}
	if cfg.HTTP.Addr != "" {
		g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.HTTP.Addr) })
	}
	if cfg.GRPC.Addr != "" {
		g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.GRPC.Addr) })
	}

	err = g.Wait()
	hsrv.Close()
	gsrv.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("santa server stopped", logpkg.Err(err))
		return err
	}
	logger.Info("santa server stopped")
	return nil
}

// buildMessenger resolves the bot token and builds the chat client, or a
// recorder for dry runs.
func buildMessenger(ctx context.Context, opts Options, logger logpkg.Logger) (messaging.Messenger, error) {
	if opts.Messenger != nil {
		return opts.Messenger, nil
	}
	if opts.DryRun {
		return messaging.NewRecorder(logger), nil
	}
	cfg := opts.Config
	resolver := opts.Resolver
	if resolver == nil {
		if cfg.SecretSource == "env" {
			resolver = secrets.Env{}
		} else {
			resolver = secrets.NewAWS(nil, logger)
		}
	}
	resolver = secrets.NewCache(resolver)

	tctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	token, err := resolver.Resolve(tctx, cfg.BotTokenName, cfg.SecretRegion)
	if err != nil {
		return nil, fmt.Errorf("resolve bot token %s: %w", cfg.BotTokenName, err)
	}
	return messaging.NewSlack(token,
		messaging.WithLogger(logger),
		messaging.WithRateLimit(cfg.Worker.RateLimitPerSecond),
	), nil
}

// trimHistory drops run history older than retention once an hour. A zero
// retention keeps everything.
func trimHistory(ctx context.Context, e *workflow.Engine, retention time.Duration, logger logpkg.Logger) error {
	if retention <= 0 {
		return nil
	}
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		if n, err := e.TrimHistory(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Warn("history trim failed", logpkg.Err(err))
		} else if n > 0 {
			logger.Info("history trimmed", logpkg.Int("entries", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
