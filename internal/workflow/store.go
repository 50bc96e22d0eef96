package workflow

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

// Key layout:
//
//	wf/run/{run_id}             run record (JSON); v7 uuids sort by creation
//	wf/due/{deadline_ms}/{run}  wait deadlines, scanned by the scheduler
const (
	prefixRun = "wf/run/"
	prefixDue = "wf/due/"
)

func keyRun(runID string) []byte { return []byte(prefixRun + runID) }

func keyDue(deadline time.Time, runID string) []byte {
	k := make([]byte, 0, len(prefixDue)+8+1+len(runID))
	k = append(k, prefixDue...)
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(deadline.UnixMilli()))
	k = append(k, ms[:]...)
	k = append(k, '/')
	return append(k, runID...)
}

func splitDueKey(key []byte) (time.Time, string, bool) {
	rest := key[len(prefixDue):]
	if len(rest) < 10 || rest[8] != '/' {
		return time.Time{}, "", false
	}
	ms := int64(binary.BigEndian.Uint64(rest[:8]))
	return time.UnixMilli(ms), string(rest[9:]), true
}

// Store persists run records and the deadline index.
type Store struct {
	db *pebblestore.DB
}

// NewStore wraps db.
func NewStore(db *pebblestore.DB) *Store { return &Store{db: db} }

// Get loads one run.
func (s *Store) Get(runID string) (Run, error) {
	raw, err := s.db.Get(keyRun(runID))
	if pebblestore.IsNotFound(err) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return Run{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return r, nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(limit int) ([]Run, error) {
	prefix := []byte(prefixRun)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Run
	for ok := it.Last(); ok && (limit <= 0 || len(out) < limit); ok = it.Prev() {
		var r Run
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", it.Key()[len(prefix):], err)
		}
		out = append(out, r)
	}
	return out, it.Error()
}

// Active returns every run that is not terminal.
func (s *Store) Active() ([]Run, error) {
	var out []Run
	err := s.db.ScanPrefix([]byte(prefixRun), func(key, value []byte) (bool, error) {
		var r Run
		if err := json.Unmarshal(value, &r); err != nil {
			return false, fmt.Errorf("decode run %s: %w", key[len(prefixRun):], err)
		}
		if !r.State.Terminal() {
			out = append(out, r)
		}
		return true, nil
	})
	return out, err
}

// NextDeadline returns the earliest persisted wait deadline.
func (s *Store) NextDeadline() (time.Time, bool, error) {
	var (
		next  time.Time
		found bool
	)
	err := s.db.ScanPrefix([]byte(prefixDue), func(key, _ []byte) (bool, error) {
		next, _, found = splitDueKey(key)
		return !found, nil
	})
	return next, found, err
}

// DueBefore returns ids of runs whose deadline is at or before now.
func (s *Store) DueBefore(now time.Time) ([]string, error) {
	var ids []string
	err := s.db.ScanPrefix([]byte(prefixDue), func(key, _ []byte) (bool, error) {
		deadline, runID, ok := splitDueKey(key)
		if !ok {
			return true, nil
		}
		if deadline.After(now) {
			return false, nil
		}
		ids = append(ids, runID)
		return true, nil
	})
	return ids, err
}

// write stages run and its deadline index entry into b. prev is the stored
// version being replaced, if any.
func (s *Store) write(b *pebble.Batch, prev *Run, r Run) error {
	if prev != nil && !prev.WaitDeadline.IsZero() {
		if err := b.Delete(keyDue(prev.WaitDeadline, prev.ID), nil); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", r.ID, err)
	}
	if err := b.Set(keyRun(r.ID), raw, nil); err != nil {
		return err
	}
	if r.State == StateWaiting && !r.WaitDeadline.IsZero() {
		return b.Set(keyDue(r.WaitDeadline, r.ID), nil, nil)
	}
	return nil
}

func (s *Store) commit(ctx context.Context, b *pebble.Batch) error {
	return s.db.CommitBatch(ctx, b)
}
