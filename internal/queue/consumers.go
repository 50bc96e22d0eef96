package queue

import (
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

// Consumer is the registry entry of a process that has received messages.
type Consumer struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Received  int64     `json:"received"`
}

func (q *Queue) touchConsumer(b *pebble.Batch, consumerID string, now time.Time, n int) error {
	if consumerID == "" {
		return nil
	}
	c := Consumer{ID: consumerID, FirstSeen: now}
	raw, err := q.db.Get(q.keys.consumer(consumerID))
	switch {
	case err == nil:
		if prev, derr := decode[Consumer](raw, "consumer"); derr == nil {
			c = prev
		}
	case !pebblestore.IsNotFound(err):
		return err
	}
	c.LastSeen = now
	c.Received += int64(n)
	out, err := encode(c, "consumer")
	if err != nil {
		return err
	}
	return b.Set(q.keys.consumer(consumerID), out, nil)
}

// Consumers lists consumers seen within the given window; a zero window
// lists all of them.
func (q *Queue) Consumers(within time.Duration) ([]Consumer, error) {
	cutoff := time.Time{}
	if within > 0 {
		cutoff = q.opts.Now().Add(-within)
	}
	var out []Consumer
	err := q.db.ScanPrefix(q.keys.prefix(segCons), func(_, value []byte) (bool, error) {
		c, err := decode[Consumer](value, "consumer")
		if err != nil {
			return false, err
		}
		if c.LastSeen.After(cutoff) || cutoff.IsZero() {
			out = append(out, c)
		}
		return true, nil
	})
	return out, err
}
