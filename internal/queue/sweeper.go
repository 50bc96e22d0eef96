package queue

import (
	"context"
	"sync"
	"time"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// SweeperConfig configures the lease sweeper.
type SweeperConfig struct {
	Interval  time.Duration // default 1s
	BatchSize int           // max leases reclaimed per tick, default 100
	// CompletedRetention bounds the completed buffer; zero keeps 24h.
	CompletedRetention time.Duration
}

// Sweeper periodically reclaims expired leases, which is how a consumer
// that crashed or timed out gives its message back.
type Sweeper struct {
	q         *Queue
	interval  time.Duration
	batchSize int
	retention time.Duration
	logger    logpkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper for q.
func NewSweeper(q *Queue, cfg SweeperConfig, logger logpkg.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = logpkg.Nop()
	}
	return &Sweeper{
		q:         q,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		retention: cfg.CompletedRetention,
		logger:    logger.With(logpkg.Component("queue-sweeper"), logpkg.Str("queue", q.Name())),
	}
}

// Start runs the sweeper in the background until Stop.
func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(s.ctx)
	}()
}

// Stop halts a sweeper started with Start.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("lease sweeper started", logpkg.Dur("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lease sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: reclaim expired leases, then trim the
// completed buffer.
func (s *Sweeper) Sweep(ctx context.Context) {
	n, err := s.q.ReclaimExpired(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("reclaim expired leases failed", logpkg.Err(err))
	} else if n > 0 {
		s.logger.Info("reclaimed expired leases", logpkg.Int("count", n))
	}

	cutoff := s.q.opts.Now().Add(-s.retention)
	if trimmed, err := s.q.TrimCompleted(ctx, cutoff); err != nil {
		s.logger.Error("trim completed failed", logpkg.Err(err))
	} else if trimmed > 0 {
		s.logger.Debug("trimmed completed records", logpkg.Int("count", trimmed))
	}
}
