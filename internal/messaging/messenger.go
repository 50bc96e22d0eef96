// Package messaging is the chat platform collaborator: posting to a
// channel, reading reactions off a message and sending direct messages.
package messaging

import (
	"context"
	"errors"
)

// ErrMessageNotFound is returned when reactions are requested for a
// message the platform no longer has.
var ErrMessageNotFound = errors.New("messaging: message not found")

// Messenger is implemented by Slack and by the in-memory Recorder.
type Messenger interface {
	// SendMessage posts text to a channel and returns the message timestamp.
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	// CollectReactions returns the distinct users that reacted to the
	// message ts in channelID, with any reaction.
	CollectReactions(ctx context.Context, channelID, ts string) ([]string, error)
	// SendDirect opens a direct conversation with userID and posts text.
	SendDirect(ctx context.Context, userID, text string) error
}
