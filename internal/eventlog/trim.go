package eventlog

import (
	"context"
	"time"
)

// TrimOlderThan deletes entries older than cutoff, oldest first, committing
// in batches of batchLimit keys. It stops at the first entry at or after
// cutoff and returns the number deleted.
func (l *Log) TrimOlderThan(ctx context.Context, cutoff time.Time, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	it, err := l.iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()

	deleted := 0
	ok := it.First()
	for ok {
		b := l.db.NewBatch()
		n := 0
		for ok && n < batchLimit {
			at, _, good := decodeHeaderOnly(it.Value())
			if good && !at.Before(cutoff) {
				ok = false
				break
			}
			if err := b.Delete(it.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			n++
			ok = it.Next()
		}
		if n > 0 {
			if err := l.db.CommitBatch(ctx, b); err != nil {
				b.Close()
				return deleted, err
			}
			deleted += n
		}
		b.Close()
	}
	return deleted, it.Error()
}
