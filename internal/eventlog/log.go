package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

// Record is one event to append.
type Record struct {
	// Time defaults to the log's clock when zero.
	Time    time.Time
	Kind    string
	Payload []byte
}

// Event is a stored record with its assigned sequence.
type Event struct {
	Seq     uint64
	Time    time.Time
	Kind    string
	Payload []byte
}

// Log is a named append-only log.
type Log struct {
	db   *pebblestore.DB
	name string
	now  func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for records without a Time.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// OpenLog opens the log called name, recovering its last sequence.
func OpenLog(db *pebblestore.DB, name string, opts ...Option) (*Log, error) {
	l := &Log{db: db, name: name, now: time.Now, notifyCh: make(chan struct{})}
	for _, o := range opts {
		o(l)
	}
	prefix := KeyEntryPrefix(name)
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("eventlog %s: %w", name, err)
	}
	defer it.Close()
	if it.Last() {
		l.lastSeq = seqFromKey(it.Key())
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("eventlog %s: %w", name, err)
	}
	return l, nil
}

// Name returns the log name.
func (l *Log) Name() string { return l.name }

// Append writes recs in one atomic batch and returns their sequences.
func (l *Log) Append(ctx context.Context, recs ...Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	b := l.db.NewBatch()
	defer b.Close()
	seqs, notify, err := l.Stage(b, recs...)
	if err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	notify()
	return seqs, nil
}

// Stage adds recs to a caller-owned batch. The caller must invoke notify
// after a successful commit to wake WaitForAppend waiters. Sequences of a
// batch that is never committed are skipped.
func (l *Log) Stage(b *pebble.Batch, recs ...Record) (seqs []uint64, notify func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seqs = make([]uint64, len(recs))
	for i, r := range recs {
		at := r.Time
		if at.IsZero() {
			at = l.now()
		}
		l.lastSeq++
		val := EncodeRecord(encodeHeader(at, r.Kind), r.Payload)
		if err := b.Set(KeyEntry(l.name, l.lastSeq), val, nil); err != nil {
			return nil, nil, err
		}
		seqs[i] = l.lastSeq
	}
	return seqs, l.broadcast, nil
}

func (l *Log) broadcast() {
	l.mu.Lock()
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	l.mu.Unlock()
}

func (l *Log) waitCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}
