package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	logpkg "github.com/rzbill/santa/pkg/log"
)

const (
	// DefaultRateLimit is requests per second to the Web API.
	DefaultRateLimit = 1
	DefaultTimeout   = 10 * time.Second
)

// SlackOption configures a Slack messenger.
type SlackOption func(*Slack)

// WithAPIURL points the client at another Web API root; it must end in "/".
func WithAPIURL(u string) SlackOption {
	return func(s *Slack) { s.clientOpts = append(s.clientOpts, slack.OptionAPIURL(u)) }
}

// WithHTTPClient sets the HTTP client used for Web API calls.
func WithHTTPClient(c *http.Client) SlackOption {
	return func(s *Slack) { s.clientOpts = append(s.clientOpts, slack.OptionHTTPClient(c)) }
}

// WithRateLimit sets the sustained request rate.
func WithRateLimit(perSecond float64) SlackOption {
	return func(s *Slack) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithRateLimitRetries sets how often a 429 is retried after Retry-After.
func WithRateLimitRetries(n int) SlackOption {
	return func(s *Slack) { s.retries = n }
}

// WithLogger sets the logger.
func WithLogger(l logpkg.Logger) SlackOption {
	return func(s *Slack) { s.logger = l }
}

// Slack talks to the Slack Web API.
type Slack struct {
	client     *slack.Client
	clientOpts []slack.Option
	limiter    *rate.Limiter
	retries    int
	logger     logpkg.Logger
}

// NewSlack creates a messenger authenticated with a bot token.
func NewSlack(token string, opts ...SlackOption) *Slack {
	s := &Slack{
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		retries: 1,
		logger:  logpkg.Nop(),
		clientOpts: []slack.Option{
			slack.OptionHTTPClient(&http.Client{Timeout: DefaultTimeout}),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("slack")
	s.client = slack.New(token, s.clientOpts...)
	return s
}

// call waits for the limiter and retries rate-limited calls after the
// server's Retry-After.
func (s *Slack) call(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		var rl *slack.RateLimitedError
		if !errors.As(err, &rl) || attempt >= s.retries {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.logger.Warn("rate limited by slack, retrying",
			logpkg.Str("op", op),
			logpkg.Dur("retry_after", rl.RetryAfter))
		t := time.NewTimer(rl.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
}

func (s *Slack) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	var ts string
	err := s.call(ctx, "chat.postMessage", func() error {
		_, t, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
		ts = t
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("message posted", logpkg.Str("channel", channelID), logpkg.Str("ts", ts))
	return ts, nil
}

func (s *Slack) CollectReactions(ctx context.Context, channelID, ts string) ([]string, error) {
	var reactions []slack.ItemReaction
	err := s.call(ctx, "reactions.get", func() error {
		var err error
		reactions, err = s.client.GetReactionsContext(ctx, slack.NewRefToMessage(channelID, ts), slack.GetReactionsParameters{Full: true})
		return err
	})
	if err != nil {
		if isMessageNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrMessageNotFound, channelID, ts)
		}
		return nil, err
	}
	var users [][]string
	for _, r := range reactions {
		users = append(users, r.Users)
	}
	return distinct(users...), nil
}

func (s *Slack) SendDirect(ctx context.Context, userID, text string) error {
	var channelID string
	err := s.call(ctx, "conversations.open", func() error {
		ch, _, _, err := s.client.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
		if err != nil {
			return err
		}
		channelID = ch.ID
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.SendMessage(ctx, channelID, text)
	return err
}

func isMessageNotFound(err error) bool {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == "message_not_found" || se.Err == "no_item_specified"
	}
	return false
}

// distinct flattens lists of user ids keeping first-seen order.
func distinct(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, u := range l {
			if _, ok := seen[u]; ok || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
