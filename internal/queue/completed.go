package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

func (q *Queue) recordCompleted(b *pebble.Batch, msg Message, consumerID string, now time.Time) error {
	raw, err := encode(Completed{
		MessageID:    msg.ID,
		ConsumerID:   consumerID,
		EnqueuedAt:   msg.EnqueuedAt,
		AckedAt:      now,
		ReceiveCount: msg.ReceiveCount,
	}, "completed")
	if err != nil {
		return err
	}
	return b.Set(q.keys.done(now.UnixMilli(), msg.ID), raw, nil)
}

// ListCompleted returns up to limit acknowledged messages, newest first.
func (q *Queue) ListCompleted(limit int) ([]Completed, error) {
	prefix := q.keys.prefix(segDone)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Completed
	for ok := it.Last(); ok && (limit <= 0 || len(out) < limit); ok = it.Prev() {
		c, err := decode[Completed](it.Value(), "completed")
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, it.Error()
}

// TrimCompleted deletes completion records acknowledged before cutoff.
func (q *Queue) TrimCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	prefix := q.keys.prefix(segDone)
	end := q.keys.done(cutoff.UnixMilli(), [16]byte{})
	n := 0
	err := q.db.ScanPrefix(prefix, func(key, _ []byte) (bool, error) {
		if string(key) >= string(end) {
			return false, nil
		}
		n++
		return true, nil
	})
	if err != nil || n == 0 {
		return 0, err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, end, nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("trim completed: %w", err)
	}
	return n, nil
}
