package queue

import (
	"time"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Name string `json:"name"`
	// Available counts messages receivable now; Delayed those hidden by a
	// nack delay.
	Available   int        `json:"available"`
	Delayed     int        `json:"delayed"`
	InFlight    int        `json:"inFlight"`
	DeadLetters int        `json:"deadLetters"`
	Completed   int        `json:"completed"`
	Consumers   []Consumer `json:"consumers,omitempty"`
}

// Stats counts messages in each state.
func (q *Queue) Stats() (Stats, error) {
	st := Stats{Name: q.opts.Name}
	nowMs := q.opts.Now().UnixMilli()
	prefix := q.keys.prefix(segAvail)
	err := q.db.ScanPrefix(prefix, func(key, _ []byte) (bool, error) {
		if readyMs, _, ok := splitTimeID(key, prefix); ok && readyMs > nowMs {
			st.Delayed++
		} else {
			st.Available++
		}
		return true, nil
	})
	if err != nil {
		return st, err
	}
	if st.InFlight, err = q.db.CountPrefix(q.keys.prefix(segLease)); err != nil {
		return st, err
	}
	if st.DeadLetters, err = q.db.CountPrefix(q.keys.prefix(segDLQ)); err != nil {
		return st, err
	}
	if st.Completed, err = q.db.CountPrefix(q.keys.prefix(segDone)); err != nil {
		return st, err
	}
	st.Consumers, err = q.Consumers(time.Hour)
	return st, err
}
