package client

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewAlarmCommand constructs the `alarm` command.
func NewAlarmCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Show the dead-letter alarm",
		Long: `Show the dead-letter alarm.

Without flags this prints the monitor's last scheduled evaluation. With
--evaluate the server counts dead-letter arrivals in a window ending now
(--period overrides the configured window) without notifying anyone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			evaluate, _ := cmd.Flags().GetBool("evaluate")
			period, _ := cmd.Flags().GetDuration("period")
			path := "/v1/alarm"
			q := url.Values{}
			if evaluate || period > 0 {
				path = "/v1/alarm/evaluate"
				if period > 0 {
					q.Set("period", period.String())
				}
			}
			var out struct {
				State       string `json:"state"`
				Count       int    `json:"count"`
				Description string `json:"description"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, endpoint(baseURL, path, q), nil, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "state: %s\ncount: %d\n%s\n", out.State, out.Count, out.Description)
			return nil
		},
	}
	cmd.Flags().Bool("evaluate", false, "Evaluate now instead of showing the last result")
	cmd.Flags().Duration("period", 0, "Window length for --evaluate")
	return cmd
}
