package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/santa/internal/eventlog"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	"github.com/rzbill/santa/pkg/id"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// DeadLetterEvent is the payload of a dead-letter log entry.
type DeadLetterEvent struct {
	MessageID    id.ID  `json:"messageId"`
	Reason       string `json:"reason"`
	ReceiveCount int    `json:"receiveCount"`
}

// fail applies the redrive policy to a message whose lease was just
// released inside b. It returns a notify func to call after commit when
// the message was dead-lettered.
func (q *Queue) fail(b *pebble.Batch, msg Message, cause string, now time.Time) (func(), error) {
	msg.LastError = cause

	var reason string
	switch {
	case q.opts.Classifier.Classify(cause, msg, now) == DecisionDeadLetter:
		reason = "classified non-retryable: " + cause
	case msg.ReceivesSinceRedrive >= q.opts.MaxReceiveCount:
		reason = fmt.Sprintf("failed %d of %d receives: %s", msg.ReceivesSinceRedrive, q.opts.MaxReceiveCount, cause)
	default:
		msg.AvailableAt = now.Add(q.opts.NackDelay)
		q.logger.Info("message returned to queue",
			logpkg.MessageID(msg.ID.String()),
			logpkg.Int("receive_count", msg.ReceiveCount),
			logpkg.Time("available_at", msg.AvailableAt),
			logpkg.Str("cause", cause))
		return nil, q.putAvailable(b, msg)
	}
	return q.deadLetter(b, msg, reason, now)
}

// deadLetter moves msg from the main queue to the dead-letter sink and
// records the arrival, all inside b.
func (q *Queue) deadLetter(b *pebble.Batch, msg Message, reason string, now time.Time) (func(), error) {
	msg.AvailableAt = time.Time{}
	dl := DeadLetter{Message: msg, Reason: reason, DeadLetteredAt: now}
	raw, err := encode(dl, "dead letter")
	if err != nil {
		return nil, err
	}
	if err := b.Delete(q.keys.msg(msg.ID), nil); err != nil {
		return nil, err
	}
	if err := b.Set(q.keys.dlq(msg.ID), raw, nil); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(DeadLetterEvent{MessageID: msg.ID, Reason: reason, ReceiveCount: msg.ReceiveCount})
	if err != nil {
		return nil, err
	}
	_, notify, err := q.dlqLog.Stage(b, eventlog.Record{Time: now, Kind: EventDeadLettered, Payload: payload})
	if err != nil {
		return nil, err
	}
	q.logger.Warn("message dead-lettered",
		logpkg.MessageID(msg.ID.String()),
		logpkg.Int("receive_count", msg.ReceiveCount),
		logpkg.Str("reason", reason))
	return notify, nil
}

// ReclaimExpired releases up to max leases whose expiry has passed and
// applies the redrive policy to each as an implicit nack.
func (q *Queue) ReclaimExpired(ctx context.Context, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	prefix := q.keys.prefix(segLeaseIdx)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	b := q.db.NewBatch()
	defer b.Close()

	var notifies []func()
	reclaimed := 0
	for ok := it.First(); ok; ok = it.Next() {
		if max > 0 && reclaimed >= max {
			break
		}
		expMs, mid, good := splitTimeID(it.Key(), prefix)
		if !good {
			_ = b.Delete(it.Key(), nil)
			continue
		}
		if expMs > now.UnixMilli() {
			break
		}
		lease, err := q.loadLease(mid)
		if errors.Is(err, ErrNotLeased) || (err == nil && lease.ExpiresAt.UnixMilli() != expMs) {
			// stale index entry left by an extend or a crash
			_ = b.Delete(it.Key(), nil)
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if err := q.deleteLease(b, *lease); err != nil {
			return reclaimed, err
		}
		msg, err := q.load(mid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		notify, err := q.fail(b, msg, CauseLeaseExpired, now)
		if err != nil {
			return reclaimed, err
		}
		if notify != nil {
			notifies = append(notifies, notify)
		}
		reclaimed++
	}
	if err := it.Error(); err != nil {
		return reclaimed, err
	}
	if b.Empty() {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	for _, n := range notifies {
		n()
	}
	return reclaimed, nil
}

// ListDeadLetters returns up to limit dead letters in message id order.
func (q *Queue) ListDeadLetters(limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.ScanPrefix(q.keys.prefix(segDLQ), func(_, value []byte) (bool, error) {
		dl, err := decode[DeadLetter](value, "dead letter")
		if err != nil {
			return false, err
		}
		out = append(out, dl)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// GetDeadLetter returns one dead letter.
func (q *Queue) GetDeadLetter(mid id.ID) (DeadLetter, error) {
	raw, err := q.db.Get(q.keys.dlq(mid))
	if pebblestore.IsNotFound(err) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, err
	}
	return decode[DeadLetter](raw, "dead letter")
}

// RedriveDeadLetter moves a dead letter back to the main queue, keeping its
// id, enqueue time and cumulative receive count. The message gets a fresh
// MaxReceiveCount budget.
func (q *Queue) RedriveDeadLetter(ctx context.Context, mid id.ID) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dl, err := q.GetDeadLetter(mid)
	if err != nil {
		return Message{}, err
	}
	msg := dl.Message
	msg.ReceivesSinceRedrive = 0
	msg.Redrives++
	msg.LastError = ""
	msg.AvailableAt = q.opts.Now()

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(q.keys.dlq(mid), nil); err != nil {
		return Message{}, err
	}
	if err := q.putAvailable(b, msg); err != nil {
		return Message{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return Message{}, fmt.Errorf("redrive: %w", err)
	}
	q.signal()
	q.logger.Info("dead letter redriven", logpkg.MessageID(mid.String()))
	return msg, nil
}
