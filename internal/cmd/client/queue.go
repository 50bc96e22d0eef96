package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type deadLetter struct {
	Message struct {
		ID           string          `json:"id"`
		Body         json.RawMessage `json:"body"`
		ReceiveCount int             `json:"receiveCount"`
		EnqueuedAt   time.Time       `json:"enqueuedAt"`
	} `json:"message"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// NewQueueCommand constructs the `queue` command group.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Notification queue inspection",
	}
	queueCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show message counts by state and known consumers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out map[string]any
				if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/queue/stats", nil), nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
		newQueueCompletedCommand(baseURL),
		&cobra.Command{
			Use:   "worker",
			Short: "Show pairing worker counters",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out map[string]any
				if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/worker/stats", nil), nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return queueCmd
}

func newQueueCompletedCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completed",
		Short: "List recently acknowledged messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var out map[string]any
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/queue/completed", q), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum messages")
	return cmd
}

// NewDLQCommand constructs the `dlq` command group.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter sink operations",
		Long: `Dead-letter sink operations.

A notification lands here after exhausting its receives, or earlier when
the queue classifier marks the failure non-retryable. Redrive returns it
to the queue with its receive count reset.`,
	}
	dlqCmd.AddCommand(
		newDLQListCommand(baseURL),
		newDLQGetCommand(baseURL),
		newDLQRedriveCommand(baseURL),
	)
	return dlqCmd
}

func newDLQListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var out struct {
				DeadLetters []deadLetter `json:"deadLetters"`
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/queue/dlq", q), nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, dl := range out.DeadLetters {
				_, _ = fmt.Fprintf(w, "%s  at=%s receives=%d reason=%q body=%s\n",
					dl.Message.ID, dl.DeadLetteredAt.Format(time.RFC3339), dl.Message.ReceiveCount, dl.Reason, dl.Message.Body)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum dead letters")
	return cmd
}

func newDLQGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get MESSAGE_ID",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			q := url.Values{"id": {args[0]}}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/queue/dlq/get", q), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newDLQRedriveCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive MESSAGE_ID...",
		Short: "Return dead letters to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, mid := range args {
				if err := doJSON(cmd.Context(), http.MethodPost, endpoint(baseURL, "/v1/queue/dlq/redrive", nil), map[string]string{"id": mid}, nil); err != nil {
					return fmt.Errorf("redrive %s: %w", mid, err)
				}
				_, _ = fmt.Fprintln(w, "redriven:", mid)
			}
			return nil
		},
	}
}
