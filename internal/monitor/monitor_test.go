package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/santa/internal/eventlog"
	"github.com/rzbill/santa/internal/messaging"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
)

var t0 = time.Date(2024, 12, 8, 9, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := eventlog.OpenLog(db, "dlq/notifications")
	require.NoError(t, err)
	return l
}

func arrive(t *testing.T, l *eventlog.Log, at time.Time) {
	t.Helper()
	_, err := l.Append(context.Background(), eventlog.Record{Time: at, Kind: "dead_lettered", Payload: []byte(`{}`)})
	require.NoError(t, err)
}

func TestOneDeadLetterRaisesAlarm(t *testing.T) {
	l := newTestLog(t)
	m := New(l, Options{Queue: "notifications", Period: 5 * time.Minute})
	arrive(t, l, t0.Add(-time.Minute))

	a, err := m.Evaluate(context.Background(), Window{End: t0})
	require.NoError(t, err)
	require.Equal(t, StateAlarm, a.State)
	require.Equal(t, 1, a.Count)
	require.Contains(t, a.Description, "ALARM")
	require.Contains(t, a.Description, "notifications")
}

func TestNoArrivalsIsOK(t *testing.T) {
	l := newTestLog(t)
	m := New(l, Options{Period: 5 * time.Minute})
	arrive(t, l, t0.Add(-10*time.Minute))
	arrive(t, l, t0) // end is exclusive

	a, err := m.Evaluate(context.Background(), Window{End: t0})
	require.NoError(t, err)
	require.Equal(t, StateOK, a.State)
	require.Zero(t, a.Count)
}

func TestEvaluateIsRepeatable(t *testing.T) {
	l := newTestLog(t)
	m := New(l, Options{Period: 5 * time.Minute})
	arrive(t, l, t0.Add(-2*time.Minute))
	w := Window{End: t0, Period: 5 * time.Minute}

	first, err := m.Evaluate(context.Background(), w)
	require.NoError(t, err)
	second, err := m.Evaluate(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

type countingNotifier struct{ alarms []Alarm }

func (c *countingNotifier) Notify(_ context.Context, a Alarm) error {
	c.alarms = append(c.alarms, a)
	return nil
}

func TestCheckNotifiesOnTransitionOnly(t *testing.T) {
	l := newTestLog(t)
	now := t0
	n := &countingNotifier{}
	m := New(l, Options{Period: 5 * time.Minute, Notifiers: []Notifier{n}, Now: func() time.Time { return now }})
	ctx := context.Background()

	a, err := m.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, StateOK, a.State)

	arrive(t, l, now.Add(-time.Second))
	_, err = m.Check(ctx)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, n.alarms, 1, "still in alarm, no second notification")
	require.Equal(t, StateAlarm, m.Last().State)

	now = now.Add(10 * time.Minute)
	a, err = m.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, StateOK, a.State)
	require.Len(t, n.alarms, 1)
}

type failingCounter struct{}

func (failingCounter) CountBetween(_, _ time.Time) (int, error) { return 0, errors.New("disk") }

func TestEvaluateSurfacesCounterErrors(t *testing.T) {
	m := New(failingCounter{}, Options{})
	_, err := m.Evaluate(context.Background(), Window{End: t0})
	require.Error(t, err)
}

func TestChatNotifierPostsDescription(t *testing.T) {
	rec := messaging.NewRecorder(nil)
	n := ChatNotifier{Messenger: rec, ChannelID: "C-ops"}
	require.NoError(t, n.Notify(context.Background(), Alarm{State: StateAlarm, Description: "ALARM: x"}))
	sent := rec.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "C-ops", sent[0].Channel)
	require.Contains(t, sent[0].Text, "ALARM: x")
}
