package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// runSummary is the subset of a run the list view prints.
type runSummary struct {
	ID           string    `json:"id"`
	Step         string    `json:"step"`
	State        string    `json:"state"`
	WaitDeadline time.Time `json:"waitDeadline"`
	Error        string    `json:"error"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewRunCommand constructs the `run` command group and subcommands.
func NewRunCommand(baseURL BaseURLFunc) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Workflow run operations",
		Long: `Workflow run operations.

Run Lifecycle:
  invite → wait (until deadline) → collect → completed
  any step may fail; running or waiting runs may be cancelled

Commands:
  start       Start a run now (uses the server's configured channel)
  list        List runs, newest first
  get         Show one run
  cancel      Cancel a running or waiting run
  retrigger   Start a new run from a finished one
  history     Show recorded transitions`,
	}
	runCmd.AddCommand(
		newRunStartCommand(baseURL),
		newRunListCommand(baseURL),
		newRunGetCommand(baseURL),
		newRunCancelCommand(baseURL),
		newRunRetriggerCommand(baseURL),
		newRunHistoryCommand(baseURL),
	)
	return runCmd
}

func newRunStartCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			wait, _ := cmd.Flags().GetDuration("wait")
			req := map[string]string{}
			if channel != "" {
				req["channelId"] = channel
			}
			if wait > 0 {
				req["waitDuration"] = wait.String()
			}
			var out struct {
				ID string `json:"id"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, endpoint(baseURL, "/v1/runs/start", nil), req, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "run:", out.ID)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "Channel to invite (default: server config)")
	cmd.Flags().Duration("wait", 0, "Collection window (default: server config)")
	return cmd
}

func newRunListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var out struct {
				Runs []runSummary `json:"runs"`
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/runs", q), nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range out.Runs {
				line := fmt.Sprintf("%s  %-9s %-7s created=%s", r.ID, r.State, r.Step, r.CreatedAt.Format(time.RFC3339))
				if r.State == "waiting" {
					line += " deadline=" + r.WaitDeadline.Format(time.RFC3339)
				}
				if r.Error != "" {
					line += " error=" + strconv.Quote(r.Error)
				}
				_, _ = fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to list")
	return cmd
}

func newRunGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			q := url.Values{"id": {args[0]}}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/runs/get", q), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newRunCancelCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a running or waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out runSummary
			if err := doJSON(cmd.Context(), http.MethodPost, endpoint(baseURL, "/v1/runs/cancel", nil), map[string]string{"id": args[0]}, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "state:", out.State)
			return nil
		},
	}
}

func newRunRetriggerCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger RUN_ID",
		Short: "Start a new run with the input of a finished one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ID string `json:"id"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, endpoint(baseURL, "/v1/runs/retrigger", nil), map[string]string{"id": args[0]}, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "run:", out.ID)
			return nil
		},
	}
}

func newRunHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show recorded transitions, optionally for one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if len(args) == 1 {
				q.Set("id", args[0])
			}
			var out struct {
				History []struct {
					Time  time.Time `json:"time"`
					Kind  string    `json:"kind"`
					RunID string    `json:"runId"`
					Error string    `json:"error"`
				} `json:"history"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, "/v1/runs/history", q), nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, h := range out.History {
				line := fmt.Sprintf("%s  %s  %s", h.Time.Format(time.RFC3339), h.RunID, h.Kind)
				if h.Error != "" {
					line += "  " + strconv.Quote(h.Error)
				}
				_, _ = fmt.Fprintln(w, line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "Maximum entries")
	return cmd
}
