package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rzbill/santa/internal/eventlog"
)

// HistoryLogName is the event log every run transition is appended to.
const HistoryLogName = "workflow/history"

// History event kinds.
const (
	EventRunStarted      = "run_started"
	EventInviteCompleted = "invite_completed"
	EventWaitStarted     = "wait_started"
	EventCollectStarted  = "collect_started"
	EventPairsRecorded   = "pairs_recorded"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
	EventRunCancelled    = "run_cancelled"
)

// HistoryEntry is one decoded transition.
type HistoryEntry struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	RunID string    `json:"runId"`
	Step  Step      `json:"step"`
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
}

type historyPayload struct {
	RunID string `json:"runId"`
	Step  Step   `json:"step"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

func historyRecord(kind string, r Run, at time.Time) (eventlog.Record, error) {
	payload, err := json.Marshal(historyPayload{RunID: r.ID, Step: r.Step, State: r.State, Error: r.Error})
	if err != nil {
		return eventlog.Record{}, err
	}
	return eventlog.Record{Time: at, Kind: kind, Payload: payload}, nil
}

// History returns up to limit transitions of runID, oldest first. An empty
// runID returns transitions of every run.
func (e *Engine) History(runID string, limit int) ([]HistoryEntry, error) {
	var (
		out   []HistoryEntry
		start eventlog.Token
	)
	for {
		events, next, err := e.history.Read(eventlog.ReadOptions{Start: start, Limit: 256})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			var p historyPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if runID != "" && p.RunID != runID {
				continue
			}
			out = append(out, HistoryEntry{Seq: ev.Seq, Time: ev.Time, Kind: ev.Kind, RunID: p.RunID, Step: p.Step, State: p.State, Error: p.Error})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if next.Seq() == 0 {
			return out, nil
		}
		start = next
	}
}

// TrimHistory drops history entries older than retention.
func (e *Engine) TrimHistory(ctx context.Context, retention time.Duration) (int, error) {
	return e.history.TrimOlderThan(ctx, e.now().Add(-retention), 1024)
}
