// Package santa holds the Secret Santa step handlers: posting the
// invitation, collecting reactions into pairs, and delivering each pair.
package santa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rzbill/santa/internal/messaging"
	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/internal/workflow"
	"github.com/rzbill/santa/pkg/id"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// Messages posted to the channel and to each giver.
const (
	InviteText       = "Let's play secret santa! :gift:"
	AckText          = "Finished collecting responses, you will receive your assigned gift recipient soon!"
	InsufficientText = "Insufficient response, no secret santa :cry:"
	PairingText      = "Hello, your secret santa is <@%s>"
)

// ErrBadNotification is returned by Deliver for a payload that can never
// be delivered.
var ErrBadNotification = errors.New("santa: malformed notification")

// Notification is the queue payload for one pair.
type Notification struct {
	RunID    string `json:"runId"`
	Channel  string `json:"channel"`
	Giver    string `json:"giver"`
	Receiver string `json:"receiver"`
}

// Enqueuer is the part of the notification queue the collect step needs.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, items []queue.Item) ([]id.ID, error)
}

// Handlers implements workflow.Inviter and workflow.Collector, and
// delivers queued notifications for the worker.
type Handlers struct {
	messenger messaging.Messenger
	queue     Enqueuer
	pairer    *Pairer
	logger    logpkg.Logger
}

// NewHandlers wires the handlers. A nil pairer gets a clock-seeded one.
func NewHandlers(m messaging.Messenger, q Enqueuer, p *Pairer, logger logpkg.Logger) *Handlers {
	if p == nil {
		p = NewPairer(0)
	}
	if logger == nil {
		logger = logpkg.Nop()
	}
	return &Handlers{messenger: m, queue: q, pairer: p, logger: logger.WithComponent("santa")}
}

// Invite posts the invitation and returns its timestamp.
func (h *Handlers) Invite(ctx context.Context, in workflow.Input) (workflow.InviteOutput, error) {
	h.logger.Info("sending invitation", logpkg.Str("channel", in.ChannelID))
	ts, err := h.messenger.SendMessage(ctx, in.ChannelID, InviteText)
	if err != nil {
		return workflow.InviteOutput{}, fmt.Errorf("send invitation: %w", err)
	}
	return workflow.InviteOutput{MessageTS: ts}, nil
}

// Collect reads everyone who reacted to the invitation and pairs them.
// The pairs are persisted on the run before Dispatch queues them.
func (h *Handlers) Collect(ctx context.Context, run workflow.Run) (workflow.CollectOutput, error) {
	if run.Invite == nil || run.Invite.MessageTS == "" {
		return workflow.CollectOutput{}, errors.New("collect: run has no invitation timestamp")
	}
	channel := run.Input.ChannelID
	participants, err := h.messenger.CollectReactions(ctx, channel, run.Invite.MessageTS)
	if err != nil {
		return workflow.CollectOutput{}, fmt.Errorf("collect reactions: %w", err)
	}
	h.logger.Info("collected participants", logpkg.RunID(run.ID), logpkg.Int("count", len(participants)))

	out := workflow.CollectOutput{Participants: len(participants)}
	pairs := h.pairer.Pair(participants)
	if len(pairs) == 0 {
		if _, err := h.messenger.SendMessage(ctx, channel, InsufficientText); err != nil {
			return out, fmt.Errorf("send insufficient response message: %w", err)
		}
		return out, nil
	}

	if _, err := h.messenger.SendMessage(ctx, channel, AckText); err != nil {
		return out, fmt.Errorf("send acknowledgement: %w", err)
	}
	out.Pairs = pairs
	return out, nil
}

// Dispatch enqueues one notification per persisted pair in a single
// batch. Each message is keyed by run and giver, so dispatching the same
// run again returns the original ids without queueing duplicates.
func (h *Handlers) Dispatch(ctx context.Context, run workflow.Run) ([]string, error) {
	if run.Collect == nil || len(run.Collect.Pairs) == 0 {
		return nil, nil
	}
	items := make([]queue.Item, 0, len(run.Collect.Pairs))
	for _, p := range run.Collect.Pairs {
		body, err := json.Marshal(Notification{RunID: run.ID, Channel: run.Input.ChannelID, Giver: p.Giver, Receiver: p.Receiver})
		if err != nil {
			return nil, err
		}
		items = append(items, queue.Item{Key: NotificationKey(run.ID, p.Giver), Body: body})
	}
	mids, err := h.queue.EnqueueBatch(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("enqueue %d pairs: %w", len(items), err)
	}
	ids := make([]string, len(mids))
	for i, mid := range mids {
		ids[i] = mid.String()
	}
	h.logger.Info("pairs enqueued", logpkg.RunID(run.ID), logpkg.Int("pairs", len(ids)))
	return ids, nil
}

// NotificationKey is the idempotency key of a giver's notification.
func NotificationKey(runID, giver string) string {
	return runID + "/" + giver
}

// Deliver sends one giver their recipient. Sending is not idempotent: a
// redelivered notification produces a second direct message.
func (h *Handlers) Deliver(ctx context.Context, body []byte) error {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	if n.Giver == "" || n.Receiver == "" || n.Giver == n.Receiver {
		return fmt.Errorf("%w: giver %q receiver %q", ErrBadNotification, n.Giver, n.Receiver)
	}
	if err := h.messenger.SendDirect(ctx, n.Giver, fmt.Sprintf(PairingText, n.Receiver)); err != nil {
		return fmt.Errorf("notify %s: %w", n.Giver, err)
	}
	h.logger.Debug("pairing delivered", logpkg.RunID(n.RunID), logpkg.Str("giver", n.Giver))
	return nil
}
