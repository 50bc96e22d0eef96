package eventlog

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

// Token is a resume position (the seq to start at, big-endian).
type Token [8]byte

// TokenFromSeq builds a token starting at seq.
func TokenFromSeq(seq uint64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[:], seq)
	return t
}

func (t Token) Seq() uint64 { return binary.BigEndian.Uint64(t[:]) }

// ReadOptions controls Read. A zero Start begins at the first (or, with
// Reverse, the last) entry.
type ReadOptions struct {
	Start   Token
	Limit   int
	Reverse bool
}

func (l *Log) iter() (*pebble.Iterator, error) {
	prefix := KeyEntryPrefix(l.name)
	return l.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
}

// Read returns up to Limit events starting at Start inclusive, and the token
// of the next unread entry (zero when exhausted). Corrupt entries are skipped.
func (l *Log) Read(opts ReadOptions) ([]Event, Token, error) {
	var next Token
	it, err := l.iter()
	if err != nil {
		return nil, next, err
	}
	defer it.Close()

	startSeq := opts.Start.Seq()
	var ok bool
	switch {
	case opts.Reverse && startSeq == 0:
		ok = it.Last()
	case opts.Reverse:
		ok = it.SeekLT(KeyEntry(l.name, startSeq+1))
	case startSeq == 0:
		ok = it.First()
	default:
		ok = it.SeekGE(KeyEntry(l.name, startSeq))
	}

	var events []Event
	for ; ok && (opts.Limit <= 0 || len(events) < opts.Limit); ok = step(it, opts.Reverse) {
		if ev, good := decodeEvent(it.Key(), it.Value()); good {
			events = append(events, ev)
		}
	}
	if ok {
		next = TokenFromSeq(seqFromKey(it.Key()))
	}
	return events, next, it.Error()
}

// CountBetween counts events whose time falls in [from, to).
func (l *Log) CountBetween(from, to time.Time) (int, error) {
	it, err := l.iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for ok := it.Last(); ok; ok = it.Prev() {
		at, _, good := decodeHeaderOnly(it.Value())
		if !good {
			continue
		}
		if !at.Before(from) && at.Before(to) {
			n++
		}
	}
	return n, it.Error()
}

func step(it *pebble.Iterator, reverse bool) bool {
	if reverse {
		return it.Prev()
	}
	return it.Next()
}

func decodeEvent(key, value []byte) (Event, bool) {
	dec, ok := DecodeRecord(value)
	if !ok {
		return Event{}, false
	}
	at, kind, ok := decodeHeader(dec.Header)
	if !ok {
		return Event{}, false
	}
	return Event{Seq: seqFromKey(key), Time: at, Kind: kind, Payload: dec.Payload}, true
}

func decodeHeaderOnly(value []byte) (time.Time, string, bool) {
	dec, ok := DecodeRecord(value)
	if !ok {
		return time.Time{}, "", false
	}
	return decodeHeader(dec.Header)
}
