// Package worker drains the notification queue with a bounded number of
// concurrent invocations, a per-invocation timeout and a small in-process
// retry, acknowledging on success and nacking on failure.
//
// Retries compose: each receive gets MaxAttempts invocations, and the
// queue allows MaxReceiveCount receives before dead-lettering, so one
// message can be invoked up to MaxAttempts*MaxReceiveCount times. Delivery
// is at-least-once; a handler that succeeds but whose Ack is lost runs
// again on redelivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/pkg/id"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// ErrTimeout is the failure recorded when an invocation exceeds Timeout.
var ErrTimeout = errors.New("worker: invocation timed out")

// Source is the queue surface the worker consumes.
type Source interface {
	Receive(ctx context.Context, consumerID string, maxBatch int) ([]queue.Message, error)
	Ack(ctx context.Context, mid id.ID) error
	Nack(ctx context.Context, mid id.ID, cause error) error
	Wait(ctx context.Context, timeout time.Duration) bool
}

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Options configures a Worker.
type Options struct {
	// Concurrency caps simultaneous invocations; default 1.
	Concurrency int
	// Timeout bounds one invocation; default 10s.
	Timeout time.Duration
	// MaxAttempts is invocations per receive; default 2.
	MaxAttempts int
	// PollInterval is the idle wait between empty receives; default 1s.
	PollInterval time.Duration
	// RateLimit caps invocations per second; zero disables.
	RateLimit float64
	// ConsumerID names this worker in lease records; default a uuid.
	ConsumerID string
	Logger     logpkg.Logger
}

// Stats counts outcomes since start.
type Stats struct {
	ConsumerID string `json:"consumerId"`
	Acked      int64  `json:"acked"`
	Nacked     int64  `json:"nacked"`
	Attempts   int64  `json:"attempts"`
	InFlight   int64  `json:"inFlight"`
}

// Worker consumes messages from a Source.
type Worker struct {
	src     Source
	handler Handler
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  logpkg.Logger

	acked, nacked, attempts, inFlight atomic.Int64
}

// New creates a worker.
func New(src Source, handler Handler, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ConsumerID == "" {
		opts.ConsumerID = "worker-" + uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.Nop()
	}
	w := &Worker{
		src:     src,
		handler: handler,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:  opts.Logger.With(logpkg.Component("worker"), logpkg.Str("consumer", opts.ConsumerID)),
	}
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return w
}

// ConsumerID returns the id used in lease records.
func (w *Worker) ConsumerID() string { return w.opts.ConsumerID }

// Stats returns outcome counters.
func (w *Worker) Stats() Stats {
	return Stats{
		ConsumerID: w.opts.ConsumerID,
		Acked:      w.acked.Load(),
		Nacked:     w.nacked.Load(),
		Attempts:   w.attempts.Load(),
		InFlight:   w.inFlight.Load(),
	}
}

// Run receives and processes messages until ctx is done, then waits for
// in-flight invocations.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	w.logger.Info("worker started",
		logpkg.Int("concurrency", w.opts.Concurrency),
		logpkg.Dur("timeout", w.opts.Timeout),
		logpkg.Int("max_attempts", w.opts.MaxAttempts))
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.logger.Info("worker stopping")
			return nil
		}
		msgs, err := w.src.Receive(ctx, w.opts.ConsumerID, 1)
		if err != nil || len(msgs) == 0 {
			w.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("receive failed", logpkg.Err(err))
			}
			if ctx.Err() != nil {
				return nil
			}
			w.src.Wait(ctx, w.opts.PollInterval)
			continue
		}

		wg.Add(1)
		w.inFlight.Add(1)
		go func(msg queue.Message) {
			defer func() {
				w.inFlight.Add(-1)
				w.sem.Release(1)
				wg.Done()
			}()
			w.process(ctx, msg)
		}(msgs[0])
	}
}

// process runs up to MaxAttempts invocations, then settles the message.
// An invocation that timed out keeps the slot until its handler returns,
// and the next attempt starts only after that.
func (w *Worker) process(ctx context.Context, msg queue.Message) {
	log := w.logger.With(logpkg.MessageID(msg.ID.String()), logpkg.Int("receive_count", msg.ReceiveCount))

	var (
		err    error
		exited <-chan struct{}
	)
	defer func() { w.awaitExit(ctx, exited, log) }()
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil || !w.awaitExit(ctx, exited, log) {
			log.Warn("shutdown during processing, lease will expire")
			return
		}
		exited, err = w.invoke(ctx, msg.Body)
		if err == nil {
			if aerr := w.src.Ack(ctx, msg.ID); aerr != nil {
				log.Error("ack failed, message will be redelivered", logpkg.Err(aerr))
				return
			}
			w.acked.Add(1)
			log.Debug("message processed", logpkg.Int("attempt", attempt))
			return
		}
		log.Warn("invocation failed", logpkg.Int("attempt", attempt), logpkg.Err(err))
	}

	if ctx.Err() != nil {
		return
	}
	if nerr := w.src.Nack(ctx, msg.ID, err); nerr != nil {
		log.Error("nack failed, lease will expire", logpkg.Err(nerr))
		return
	}
	w.nacked.Add(1)
}

// invoke runs the handler once under Timeout. A handler that ignores its
// context still counts as failed once the timeout passes; the returned
// channel closes when it finally returns.
func (w *Worker) invoke(ctx context.Context, body []byte) (<-chan struct{}, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	w.attempts.Add(1)
	ictx, cancel := context.WithTimeout(ctx, w.opts.Timeout)

	exited := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		defer close(exited)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker: handler panic: %v", r)
			}
		}()
		done <- w.handler(ictx, body)
	}()

	select {
	case err := <-done:
		<-exited
		if errors.Is(err, context.DeadlineExceeded) && ictx.Err() != nil {
			return exited, fmt.Errorf("%w after %s", ErrTimeout, w.opts.Timeout)
		}
		return exited, err
	case <-ictx.Done():
		if ctx.Err() != nil {
			return exited, ctx.Err()
		}
		return exited, fmt.Errorf("%w after %s", ErrTimeout, w.opts.Timeout)
	}
}

// awaitExit blocks until a timed-out handler returns. It reports false if
// ctx ends first; on shutdown the slot is given up without waiting.
func (w *Worker) awaitExit(ctx context.Context, exited <-chan struct{}, log logpkg.Logger) bool {
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	default:
	}
	log.Warn("waiting for timed-out handler to return")
	select {
	case <-exited:
		return true
	case <-ctx.Done():
		return false
	}
}
