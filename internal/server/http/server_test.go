package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/santa/internal/config"
	"github.com/rzbill/santa/internal/messaging"
	"github.com/rzbill/santa/internal/monitor"
	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/internal/runtime"
	"github.com/rzbill/santa/internal/santa"
	pebblestore "github.com/rzbill/santa/internal/storage/pebble"
	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

type fixture struct {
	s   *Server
	rt  *runtime.Runtime
	q   *queue.Queue
	rec *messaging.Recorder
}

func newFixture(t *testing.T, mutate func(*cfgpkg.Config)) *fixture {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.ChannelID = "C1"
	if mutate != nil {
		mutate(&cfg)
	}
	logger := logpkg.Nop()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	q, err := rt.OpenQueue()
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	rec := messaging.NewRecorder(logger)
	h := santa.NewHandlers(rec, q, santa.NewPairer(1), logger)
	engine, err := rt.OpenEngine(h, h)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	mon := monitor.New(q.DeadLetterLog(), monitor.Options{Queue: q.Name(), Logger: logger})
	s := New(Deps{Runtime: rt, Engine: engine, Queue: q, Monitor: mon, Logger: logger})
	return &fixture{s: s, rt: rt, q: q, rec: rec}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/v1/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodOptions, "/v1/runs", "")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", w.Code, w.Header())
	}
}

func TestStartRunWaitsForReactions(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/v1/runs/start", `{"waitDuration":"1h"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status: %d %s", w.Code, w.Body.String())
	}
	created := decodeBody[struct{ ID string }](t, w)
	if created.ID == "" {
		t.Fatalf("missing run id")
	}

	w = f.do(t, http.MethodGet, "/v1/runs/get?id="+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status: %d", w.Code)
	}
	run := decodeBody[workflow.Run](t, w)
	if run.State != workflow.StateWaiting || run.Step != workflow.StepWait {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Input.ChannelID != "C1" {
		t.Fatalf("configured channel not used: %+v", run.Input)
	}
	if sent := f.rec.Sent(); len(sent) != 1 || sent[0].Text != santa.InviteText {
		t.Fatalf("expected one invitation, got %+v", sent)
	}

	w = f.do(t, http.MethodGet, "/v1/runs", "")
	list := decodeBody[struct{ Runs []workflow.Run }](t, w)
	if len(list.Runs) != 1 || list.Runs[0].ID != created.ID {
		t.Fatalf("list: %+v", list.Runs)
	}

	w = f.do(t, http.MethodGet, "/v1/runs/history?id="+created.ID, "")
	hist := decodeBody[struct{ History []workflow.HistoryEntry }](t, w)
	if len(hist.History) == 0 || hist.History[0].Kind != workflow.EventRunStarted {
		t.Fatalf("history: %+v", hist.History)
	}
}

func TestStartRunRejectsBadDuration(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/v1/runs/start", `{"waitDuration":"soon"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestCancelAndRetrigger(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/v1/runs/start", "")
	created := decodeBody[struct{ ID string }](t, w)

	w = f.do(t, http.MethodPost, "/v1/runs/retrigger", `{"id":"`+created.ID+`"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("retrigger of active run: %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/runs/cancel", `{"id":"`+created.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status: %d %s", w.Code, w.Body.String())
	}
	if run := decodeBody[workflow.Run](t, w); run.State != workflow.StateCancelled {
		t.Fatalf("state after cancel: %s", run.State)
	}

	w = f.do(t, http.MethodPost, "/v1/runs/cancel", `{"id":"`+created.ID+`"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/runs/retrigger", `{"id":"`+created.ID+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("retrigger status: %d %s", w.Code, w.Body.String())
	}
	if next := decodeBody[struct{ ID string }](t, w); next.ID == "" || next.ID == created.ID {
		t.Fatalf("retrigger id: %q", next.ID)
	}
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/v1/runs/get?id=missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing run: %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/runs/start", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/runs/cancel", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty id: %d", w.Code)
	}
}

func TestDeadLetterListAndRedrive(t *testing.T) {
	f := newFixture(t, func(c *cfgpkg.Config) { c.Queue.Classifier = "true" })
	ctx := context.Background()
	mid, err := f.q.Enqueue(ctx, []byte(`{"runId":"r1","giver":"U1","receiver":"U2"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.q.Receive(ctx, "test", 1); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := f.q.Nack(ctx, mid, errors.New("user_not_found")); err != nil {
		t.Fatalf("nack: %v", err)
	}

	w := f.do(t, http.MethodGet, "/v1/queue/dlq", "")
	list := decodeBody[struct{ DeadLetters []queue.DeadLetter }](t, w)
	if len(list.DeadLetters) != 1 || list.DeadLetters[0].Message.ID != mid {
		t.Fatalf("dlq: %+v", list.DeadLetters)
	}

	w = f.do(t, http.MethodGet, "/v1/alarm/evaluate", "")
	if a := decodeBody[monitor.Alarm](t, w); a.State != monitor.StateAlarm || a.Count != 1 {
		t.Fatalf("alarm: %+v", a)
	}

	w = f.do(t, http.MethodPost, "/v1/queue/dlq/redrive", `{"id":"`+mid.String()+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("redrive: %d %s", w.Code, w.Body.String())
	}
	if msg := decodeBody[queue.Message](t, w); msg.ReceiveCount != 1 || msg.ReceivesSinceRedrive != 0 || msg.Redrives != 1 {
		t.Fatalf("redriven message counts: %+v", msg)
	}

	w = f.do(t, http.MethodGet, "/v1/queue/stats", "")
	st := decodeBody[queue.Stats](t, w)
	if st.DeadLetters != 0 || st.Available != 1 {
		t.Fatalf("stats after redrive: %+v", st)
	}

	w = f.do(t, http.MethodPost, "/v1/queue/dlq/redrive", `{"id":"`+mid.String()+`"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second redrive: %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/queue/dlq/redrive", `{"id":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
}

func TestWorkerStatsWithoutWorker(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/v1/worker/stats", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestAlarmStartsOK(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/v1/alarm", "")
	if a := decodeBody[monitor.Alarm](t, w); a.State != monitor.StateOK {
		t.Fatalf("initial alarm: %+v", a)
	}
}
