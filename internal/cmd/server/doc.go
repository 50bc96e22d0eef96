// Package serverrun exposes the Run entrypoint used by the CLI to start a
// santa instance: the workflow engine and its deadline scheduler, the
// pairing worker, the lease sweeper, the failure monitor, the optional
// cron trigger, and the HTTP and gRPC servers.
//
// Example:
//
//	cfg := config.Default()
//	cfg.ChannelID = "C0123"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg, DryRun: true})
package serverrun
