package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the santa client.
// It registers the run, queue, dlq, alarm and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "santa",
		Short: "santa client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers every client command group on parent.
func AddCommands(parent *cobra.Command, baseURL BaseURLFunc) {
	parent.AddCommand(
		NewRunCommand(baseURL),
		NewQueueCommand(baseURL),
		NewDLQCommand(baseURL),
		NewAlarmCommand(baseURL),
		NewHealthCommand(),
	)
}
