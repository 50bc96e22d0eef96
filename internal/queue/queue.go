package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/santa/internal/eventlog"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	"github.com/rzbill/santa/pkg/id"
	logpkg "github.com/rzbill/santa/pkg/log"
)

var (
	ErrNotFound      = errors.New("queue: message not found")
	ErrNotLeased     = errors.New("queue: message is not in flight")
	ErrLeaseMismatch = errors.New("queue: lease held by another consumer")
	ErrInvalidBody   = errors.New("queue: body must be a JSON document")
)

// CauseLeaseExpired is recorded as the failure text when the sweeper
// reclaims an expired lease.
const CauseLeaseExpired = "lease expired"

// EventDeadLettered is the event kind appended to the dead-letter log.
const EventDeadLettered = "dead_lettered"

// Options configures a Queue.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	// MaxReceiveCount is the number of failed receives after which a
	// message is moved to the dead-letter sink.
	MaxReceiveCount int
	// NackDelay is how long a nacked message stays hidden; zero means
	// VisibilityTimeout.
	NackDelay  time.Duration
	Classifier Classifier
	Logger     logpkg.Logger
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "notifications"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = 3
	}
	if o.NackDelay <= 0 {
		o.NackDelay = o.VisibilityTimeout
	}
	if o.Classifier == nil {
		o.Classifier = RetryAll{}
	}
	if o.Logger == nil {
		o.Logger = logpkg.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue is a durable at-least-once queue with explicit leases and a
// dead-letter sink. All state transitions of a message commit in a single
// Pebble batch.
type Queue struct {
	db     *pebblestore.DB
	keys   keyspace
	opts   Options
	ids    *id.Generator
	dlqLog *eventlog.Log
	logger logpkg.Logger

	mu sync.Mutex

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// Open opens the queue called opts.Name together with its dead-letter
// arrival log.
func Open(db *pebblestore.DB, opts Options) (*Queue, error) {
	opts.setDefaults()
	dlqLog, err := eventlog.OpenLog(db, DeadLetterLogName(opts.Name), eventlog.WithClock(opts.Now))
	if err != nil {
		return nil, fmt.Errorf("open dead-letter log: %w", err)
	}
	return &Queue{
		db:       db,
		keys:     newKeyspace(opts.Name),
		opts:     opts,
		ids:      id.NewGenerator(),
		dlqLog:   dlqLog,
		logger:   opts.Logger.With(logpkg.Component("queue"), logpkg.Str("queue", opts.Name)),
		notifyCh: make(chan struct{}),
	}, nil
}

// DeadLetterLogName is the event log that records dead-letter arrivals.
func DeadLetterLogName(queue string) string { return "dlq/" + queue }

// Name returns the queue name.
func (q *Queue) Name() string { return q.opts.Name }

// DeadLetterLog exposes the arrival log for the failure monitor.
func (q *Queue) DeadLetterLog() *eventlog.Log { return q.dlqLog }

// VisibilityTimeout returns the lease duration handed out by Receive.
func (q *Queue) VisibilityTimeout() time.Duration { return q.opts.VisibilityTimeout }

// Enqueue stores body as a new, immediately available message.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (id.ID, error) {
	ids, err := q.EnqueueBatch(ctx, []Item{{Body: body}})
	if err != nil {
		return id.Zero, err
	}
	return ids[0], nil
}

// Item is one message handed to EnqueueBatch. A non-empty Key makes the
// enqueue idempotent: a key this queue has already stored resolves to the
// original message id and nothing new is written. Keys are kept after the
// message is acknowledged or dead-lettered.
type Item struct {
	Key  string
	Body []byte
}

// EnqueueBatch stores every item in a single batch: either all new
// messages become available or none do. The returned ids line up with
// items.
func (q *Queue) EnqueueBatch(ctx context.Context, items []Item) ([]id.ID, error) {
	for _, it := range items {
		if len(it.Body) == 0 || !json.Valid(it.Body) {
			return nil, ErrInvalidBody
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	b := q.db.NewBatch()
	defer b.Close()

	ids := make([]id.ID, len(items))
	keyed := make(map[string]id.ID)
	written := 0
	for i, it := range items {
		if it.Key != "" {
			if mid, ok := keyed[it.Key]; ok {
				ids[i] = mid
				continue
			}
			mid, ok, err := q.lookupKey(it.Key)
			if err != nil {
				return nil, err
			}
			if ok {
				ids[i] = mid
				keyed[it.Key] = mid
				continue
			}
		}
		msg := Message{
			ID:          q.ids.Next(),
			Key:         it.Key,
			Body:        append(json.RawMessage(nil), it.Body...),
			EnqueuedAt:  now,
			AvailableAt: now,
		}
		if err := q.putAvailable(b, msg); err != nil {
			return nil, err
		}
		if it.Key != "" {
			if err := b.Set(q.keys.key(it.Key), msg.ID.Bytes(), nil); err != nil {
				return nil, err
			}
			keyed[it.Key] = msg.ID
		}
		ids[i] = msg.ID
		written++
	}
	if written == 0 {
		return ids, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.signal()
	q.logger.Debug("messages enqueued", logpkg.Int("count", written), logpkg.Int("deduplicated", len(items)-written))
	return ids, nil
}

func (q *Queue) lookupKey(key string) (id.ID, bool, error) {
	raw, err := q.db.Get(q.keys.key(key))
	if pebblestore.IsNotFound(err) {
		return id.Zero, false, nil
	}
	if err != nil {
		return id.Zero, false, err
	}
	mid, err := id.FromBytes(raw)
	if err != nil {
		return id.Zero, false, fmt.Errorf("decode key %q: %w", key, err)
	}
	return mid, true, nil
}

// Receive leases up to maxBatch available messages to consumerID for the
// visibility timeout and increments their receive counts.
func (q *Queue) Receive(ctx context.Context, consumerID string, maxBatch int) ([]Message, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	prefix := q.keys.prefix(segAvail)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	b := q.db.NewBatch()
	defer b.Close()

	var out []Message
	for ok := it.First(); ok && len(out) < maxBatch; ok = it.Next() {
		readyMs, mid, good := splitTimeID(it.Key(), prefix)
		if !good {
			_ = b.Delete(it.Key(), nil)
			continue
		}
		if readyMs > now.UnixMilli() {
			break
		}
		msg, err := q.load(mid)
		if errors.Is(err, ErrNotFound) {
			// orphaned index entry
			_ = b.Delete(it.Key(), nil)
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := b.Delete(it.Key(), nil); err != nil {
			return nil, err
		}

		msg.ReceiveCount++
		msg.ReceivesSinceRedrive++
		msg.AvailableAt = time.Time{}
		lease := Lease{
			MessageID:    msg.ID,
			ConsumerID:   consumerID,
			LeasedAt:     now,
			ExpiresAt:    now.Add(q.opts.VisibilityTimeout),
			ReceiveCount: msg.ReceiveCount,
		}
		if err := q.putMessage(b, msg); err != nil {
			return nil, err
		}
		if err := q.putLease(b, lease); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if b.Empty() {
		return nil, nil
	}
	if len(out) > 0 {
		if err := q.touchConsumer(b, consumerID, now, len(out)); err != nil {
			return nil, err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return out, nil
}

// Ack deletes a message and its lease. Acknowledging an unknown or already
// acknowledged id returns ErrNotFound.
func (q *Queue) Ack(ctx context.Context, mid id.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.load(mid)
	if err != nil {
		return err
	}
	lease, err := q.loadLease(mid)
	if err != nil && !errors.Is(err, ErrNotLeased) {
		return err
	}

	now := q.opts.Now()
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(q.keys.msg(mid), nil); err != nil {
		return err
	}
	if !msg.AvailableAt.IsZero() {
		if err := b.Delete(q.keys.avail(msg.AvailableAt.UnixMilli(), mid), nil); err != nil {
			return err
		}
	}
	consumerID := ""
	if lease != nil {
		consumerID = lease.ConsumerID
		if err := q.deleteLease(b, *lease); err != nil {
			return err
		}
	}
	if err := q.recordCompleted(b, msg, consumerID, now); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	q.logger.Debug("message acked", logpkg.MessageID(mid.String()), logpkg.Int("receive_count", msg.ReceiveCount))
	return nil
}

// Nack reports a failed delivery. The lease is released and the message is
// either hidden for NackDelay or, per the redrive policy, moved to the
// dead-letter sink.
func (q *Queue) Nack(ctx context.Context, mid id.ID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.load(mid)
	if err != nil {
		return err
	}
	lease, err := q.loadLease(mid)
	if err != nil {
		return err
	}

	text := "nack"
	if cause != nil {
		text = cause.Error()
	}
	now := q.opts.Now()
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.deleteLease(b, *lease); err != nil {
		return err
	}
	notify, err := q.fail(b, msg, text, now)
	if err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if notify != nil {
		notify()
	}
	return nil
}

// Extend pushes the lease on mid out to now+d. Only the current holder may
// extend, and only before the lease expires.
func (q *Queue) Extend(ctx context.Context, mid id.ID, consumerID string, d time.Duration) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, err := q.loadLease(mid)
	if err != nil {
		return time.Time{}, err
	}
	if lease.ConsumerID != consumerID {
		return time.Time{}, fmt.Errorf("%w: held by %s", ErrLeaseMismatch, lease.ConsumerID)
	}
	now := q.opts.Now()
	if !lease.ExpiresAt.After(now) {
		return time.Time{}, ErrNotLeased
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.deleteLease(b, *lease); err != nil {
		return time.Time{}, err
	}
	lease.ExpiresAt = now.Add(d)
	if err := q.putLease(b, *lease); err != nil {
		return time.Time{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return time.Time{}, fmt.Errorf("extend: %w", err)
	}
	return lease.ExpiresAt, nil
}

// Get returns a message that is still in the main queue.
func (q *Queue) Get(mid id.ID) (Message, error) { return q.load(mid) }

// Wait blocks until a message may have become available, the timeout
// passes, or ctx ends.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) bool {
	q.notifyMu.Lock()
	ch := q.notifyCh
	q.notifyMu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) signal() {
	q.notifyMu.Lock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	q.notifyMu.Unlock()
}

func (q *Queue) load(mid id.ID) (Message, error) {
	raw, err := q.db.Get(q.keys.msg(mid))
	if pebblestore.IsNotFound(err) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return decode[Message](raw, "message")
}

func (q *Queue) loadLease(mid id.ID) (*Lease, error) {
	raw, err := q.db.Get(q.keys.lease(mid))
	if pebblestore.IsNotFound(err) {
		return nil, ErrNotLeased
	}
	if err != nil {
		return nil, err
	}
	l, err := decode[Lease](raw, "lease")
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (q *Queue) putMessage(b *pebble.Batch, msg Message) error {
	raw, err := encode(msg, "message")
	if err != nil {
		return err
	}
	return b.Set(q.keys.msg(msg.ID), raw, nil)
}

func (q *Queue) putAvailable(b *pebble.Batch, msg Message) error {
	if err := q.putMessage(b, msg); err != nil {
		return err
	}
	return b.Set(q.keys.avail(msg.AvailableAt.UnixMilli(), msg.ID), nil, nil)
}

func (q *Queue) putLease(b *pebble.Batch, l Lease) error {
	raw, err := encode(l, "lease")
	if err != nil {
		return err
	}
	if err := b.Set(q.keys.lease(l.MessageID), raw, nil); err != nil {
		return err
	}
	return b.Set(q.keys.leaseIdx(l.ExpiresAt.UnixMilli(), l.MessageID), nil, nil)
}

func (q *Queue) deleteLease(b *pebble.Batch, l Lease) error {
	if err := b.Delete(q.keys.lease(l.MessageID), nil); err != nil {
		return err
	}
	return b.Delete(q.keys.leaseIdx(l.ExpiresAt.UnixMilli(), l.MessageID), nil)
}
