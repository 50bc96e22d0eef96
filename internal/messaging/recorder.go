package messaging

import (
	"context"
	"fmt"
	"sync"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// Sent is one message captured by a Recorder.
type Sent struct {
	Channel string
	Text    string
	TS      string
	Direct  bool
}

// Recorder is an in-memory Messenger. It backs dry runs and tests: posted
// messages are kept and logged, and reactions are whatever was seeded
// with React.
type Recorder struct {
	mu        sync.Mutex
	logger    logpkg.Logger
	seq       int
	sent      []Sent
	reactions map[string][]string

	// FailDirect, when set, is consulted before each direct message.
	FailDirect func(userID string) error
}

// NewRecorder creates an empty recorder.
func NewRecorder(logger logpkg.Logger) *Recorder {
	if logger == nil {
		logger = logpkg.Nop()
	}
	return &Recorder{logger: logger.WithComponent("messaging-recorder"), reactions: make(map[string][]string)}
}

// React seeds users as having reacted to the message ts in channelID.
func (r *Recorder) React(channelID, ts string, users ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := channelID + "/" + ts
	r.reactions[k] = append(r.reactions[k], users...)
}

func (r *Recorder) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ts := fmt.Sprintf("1700000000.%06d", r.seq)
	r.sent = append(r.sent, Sent{Channel: channelID, Text: text, TS: ts})
	r.logger.Info("message", logpkg.Str("channel", channelID), logpkg.Str("text", text))
	return ts, nil
}

func (r *Recorder) CollectReactions(ctx context.Context, channelID, ts string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return distinct(r.reactions[channelID+"/"+ts]), nil
}

func (r *Recorder) SendDirect(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.FailDirect != nil {
		if err := r.FailDirect(userID); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sent = append(r.sent, Sent{Channel: userID, Text: text, TS: fmt.Sprintf("1700000000.%06d", r.seq), Direct: true})
	r.logger.Info("direct message", logpkg.Str("user", userID), logpkg.Str("text", text))
	return nil
}

// Sent returns a copy of everything posted so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Directs returns only the direct messages.
func (r *Recorder) Directs() []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.Direct {
			out = append(out, s)
		}
	}
	return out
}
