package monitor

import (
	"context"

	"github.com/rzbill/santa/internal/messaging"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// LogNotifier writes alarms to the operator log.
type LogNotifier struct {
	Logger logpkg.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alarm) error {
	n.Logger.Error(a.Description,
		logpkg.Str("state", string(a.State)),
		logpkg.Int("count", a.Count),
		logpkg.Str("queue", a.Queue))
	return nil
}

// ChatNotifier posts alarms to an operations channel.
type ChatNotifier struct {
	Messenger messaging.Messenger
	ChannelID string
}

func (n ChatNotifier) Notify(ctx context.Context, a Alarm) error {
	_, err := n.Messenger.SendMessage(ctx, n.ChannelID, ":rotating_light: "+a.Description)
	return err
}
