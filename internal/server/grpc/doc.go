// Package grpcserver hosts the gRPC server for santa. It serves the
// standard grpc.health.v1 service, tracking storage health, plus server
// reflection for tooling such as grpcurl.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	s := grpcserver.New(rt, logger, 5*time.Second)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
