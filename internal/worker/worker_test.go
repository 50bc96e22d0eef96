package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/santa/internal/queue"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

func openTestQueue(t *testing.T, opts queue.Options) *queue.Queue {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := queue.Open(db, opts)
	require.NoError(t, err)
	return q
}

func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	q := openTestQueue(t, queue.Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, []byte(`{"n":1}`))
		require.NoError(t, err)
	}

	var handled atomic.Int32
	w := New(q, func(ctx context.Context, body []byte) error {
		handled.Add(1)
		return nil
	}, Options{PollInterval: 10 * time.Millisecond})
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool { return w.Stats().Acked == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), handled.Load())
	st, err := q.Stats()
	require.NoError(t, err)
	require.Zero(t, st.Available+st.InFlight)
	require.Equal(t, 3, st.Completed)
}

func TestWorkerHonorsConcurrencyCap(t *testing.T) {
	q := openTestQueue(t, queue.Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = q.Enqueue(ctx, []byte(`{}`))
	}

	var cur, peak atomic.Int32
	w := New(q, func(ctx context.Context, body []byte) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil
	}, Options{Concurrency: 1, PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool { return w.Stats().Acked == 5 }, 3*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), peak.Load())
}

func TestWorkerRetriesOnceThenNacks(t *testing.T) {
	q := openTestQueue(t, queue.Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()
	mid, _ := q.Enqueue(ctx, []byte(`{}`))

	var calls atomic.Int32
	w := New(q, func(ctx context.Context, body []byte) error {
		calls.Add(1)
		return errors.New("user_not_found")
	}, Options{PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return w.Stats().Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, int32(2), calls.Load())
	msg, err := q.Get(mid)
	require.NoError(t, err)
	require.Equal(t, 1, msg.ReceiveCount)
	require.Equal(t, "user_not_found", msg.LastError)
	require.True(t, msg.AvailableAt.After(time.Now()), "nacked message hidden until the visibility timeout")
}

func TestWorkerSucceedsOnSecondAttempt(t *testing.T) {
	q := openTestQueue(t, queue.Options{})
	_, _ = q.Enqueue(context.Background(), []byte(`{}`))

	var calls atomic.Int32
	w := New(q, func(ctx context.Context, body []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, Options{PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool { return w.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, w.Stats().Nacked)
}

func TestWorkerTimeoutCountsAsFailedAttempt(t *testing.T) {
	q := openTestQueue(t, queue.Options{VisibilityTimeout: time.Minute})
	mid, _ := q.Enqueue(context.Background(), []byte(`{}`))

	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	w := New(q, func(ctx context.Context, body []byte) error {
		// ignores ctx on purpose
		<-release
		return nil
	}, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 1, PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)

	require.Eventually(t, func() bool { return w.Stats().Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
	once.Do(func() { close(release) })

	msg, err := q.Get(mid)
	require.NoError(t, err)
	require.Contains(t, msg.LastError, "timed out")
}

func TestWorkerHoldsSlotUntilTimedOutHandlerReturns(t *testing.T) {
	q := openTestQueue(t, queue.Options{VisibilityTimeout: time.Minute, MaxReceiveCount: 1})
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), []byte(`{}`))
		require.NoError(t, err)
	}

	var running, peak, calls atomic.Int32
	w := New(q, func(ctx context.Context, body []byte) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// ignores ctx on purpose
		time.Sleep(60 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return nil
	}, Options{Concurrency: 1, Timeout: 10 * time.Millisecond, MaxAttempts: 2, PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool {
		return w.Stats().Nacked == 3 && calls.Load() == 6
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), peak.Load())
	require.Equal(t, int64(6), w.Stats().Attempts)
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	q := openTestQueue(t, queue.Options{})
	_, _ = q.Enqueue(context.Background(), []byte(`{}`))
	w := New(q, func(ctx context.Context, body []byte) error {
		panic("boom")
	}, Options{PollInterval: 5 * time.Millisecond})
	stop := runWorker(t, w)
	defer stop()

	require.Eventually(t, func() bool { return w.Stats().Nacked == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerDefaults(t *testing.T) {
	w := New(nil, nil, Options{})
	require.Equal(t, 1, w.opts.Concurrency)
	require.Equal(t, 10*time.Second, w.opts.Timeout)
	require.Equal(t, 2, w.opts.MaxAttempts)
	require.NotEmpty(t, w.ConsumerID())
}
