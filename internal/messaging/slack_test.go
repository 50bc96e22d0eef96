package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSlack(t *testing.T, h http.Handler) *Slack {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSlack("xoxb-test", WithAPIURL(srv.URL+"/"), WithRateLimit(1000))
}

func TestSlackSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "C1", r.Form.Get("channel"))
		require.Equal(t, "Let's play secret santa! :gift:", r.Form.Get("text"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	})
	s := newTestSlack(t, mux)

	ts, err := s.SendMessage(context.Background(), "C1", "Let's play secret santa! :gift:")
	require.NoError(t, err)
	require.Equal(t, "1700000000.000100", ts)
}

func TestSlackCollectReactionsDeduplicates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reactions.get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"type":"message","channel":"C1","message":{"type":"message","ts":"1.0",
			"reactions":[{"name":"gift","count":2,"users":["U1","U2"]},{"name":"tada","count":2,"users":["U2","U3"]}]}}`))
	})
	s := newTestSlack(t, mux)

	users, err := s.CollectReactions(context.Background(), "C1", "1.0")
	require.NoError(t, err)
	require.Equal(t, []string{"U1", "U2", "U3"}, users)
}

func TestSlackCollectReactionsMissingMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reactions.get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"message_not_found"}`))
	})
	s := newTestSlack(t, mux)

	_, err := s.CollectReactions(context.Background(), "C1", "1.0")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSlackSendDirectOpensConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.open", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "U1", r.Form.Get("users"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":{"id":"D42"}}`))
	})
	var posted atomic.Value
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		posted.Store(r.Form.Get("channel") + "|" + r.Form.Get("text"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"D42","ts":"2.0"}`))
	})
	s := newTestSlack(t, mux)

	require.NoError(t, s.SendDirect(context.Background(), "U1", "Hello, your secret santa is <@U2>"))
	require.Equal(t, "D42|Hello, your secret santa is <@U2>", posted.Load())
}

func TestSlackRetriesOnceWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"3.0"}`))
	})
	s := newTestSlack(t, mux)

	ts, err := s.SendMessage(context.Background(), "C1", "hi")
	require.NoError(t, err)
	require.Equal(t, "3.0", ts)
	require.Equal(t, int32(2), calls.Load())
}

func TestSlackGivesUpAfterRetry(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	s := newTestSlack(t, mux)

	_, err := s.SendMessage(context.Background(), "C1", "hi")
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestRecorderCapturesMessages(t *testing.T) {
	r := NewRecorder(nil)
	ctx := context.Background()
	ts, err := r.SendMessage(ctx, "C1", "hello")
	require.NoError(t, err)
	r.React("C1", ts, "U1", "U2", "U1")
	users, err := r.CollectReactions(ctx, "C1", ts)
	require.NoError(t, err)
	require.Equal(t, []string{"U1", "U2"}, users)

	r.FailDirect = func(string) error { return errors.New("user_not_found") }
	require.Error(t, r.SendDirect(ctx, "U1", "x"))
	r.FailDirect = nil
	require.NoError(t, r.SendDirect(ctx, "U1", "x"))
	require.Len(t, r.Directs(), 1)
	require.Len(t, r.Sent(), 2)
}
