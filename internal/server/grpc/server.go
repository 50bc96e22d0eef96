package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// Server owns the gRPC server instance and its health state.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	syncer *healthSync
	lis    net.Listener
	logger logpkg.Logger
}

// New constructs a gRPC server exposing the standard health service and
// reflection. Health follows checker, polled every interval (default 5s).
func New(checker Checker, logger logpkg.Logger, interval time.Duration, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.Nop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger = logger.WithComponent("grpc")
	hs := health.NewServer()
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: hs,
		logger: logger,
		syncer: &healthSync{checker: checker, health: hs, interval: interval, logger: logger},
	}
	healthpb.RegisterHealthServer(s.grpc, hs)
	reflection.Register(s.grpc)
	s.syncer.sync(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc listening", logpkg.Str("addr", l.Addr().String()))
	go s.syncer.run(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
