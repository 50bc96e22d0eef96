package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/santa/internal/cmd/client"
	serverrun "github.com/rzbill/santa/internal/cmd/server"
	cfgpkg "github.com/rzbill/santa/internal/config"
	logpkg "github.com/rzbill/santa/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "santa",
		Short:         "Secret Santa workflow runtime",
		Long:          "santa invites a channel, waits for reactions, pairs participants and delivers each pairing by direct message. This CLI runs the server and operates it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("SANTA_CONFIG"), "Config file (.yaml or .json)")

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the santa server (workflow, worker, monitor, HTTP and gRPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, DryRun: dryRun}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP admin API listen address")
	serverStartCmd.Flags().String("grpc", "", "gRPC health listen address")
	serverStartCmd.Flags().String("channel", "", "Channel to invite")
	serverStartCmd.Flags().String("schedule", "", "Cron schedule that starts runs, e.g. '0 9 1 12 *'")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverStartCmd.Flags().Bool("dry-run", false, "Log chat messages instead of sending them")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	configCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "print",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				b, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "config: OK")
				return nil
			},
		},
	)
	rootCmd.AddCommand(configCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		logger := logpkg.NewLogger(logpkg.WithFormatter(&logpkg.TextFormatter{}))
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, SANTA_* env vars and any
// flags the command defines.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)

	set := func(flag string, dst *string) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("data-dir", &cfg.DataDir)
	set("http", &cfg.HTTP.Addr)
	set("grpc", &cfg.GRPC.Addr)
	set("channel", &cfg.ChannelID)
	set("schedule", &cfg.Schedule)
	set("fsync", &cfg.Fsync)
	set("log-level", &cfg.Log.Level)
	set("log-format", &cfg.Log.Format)
	return cfg, nil
}

func apiURL() string {
	if v := os.Getenv("SANTA_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
