package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// ServiceStorage is the health service name reporting the database.
const ServiceStorage = "santa.storage"

// Checker reports whether the instance can serve.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// healthSync mirrors Checker results into the standard health server.
type healthSync struct {
	checker  Checker
	health   *health.Server
	interval time.Duration
	logger   logpkg.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

func (h *healthSync) sync(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.checker.CheckHealth(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if h.last != status {
			h.logger.Warn("health check failed", logpkg.Err(err))
		}
	}
	h.last = status
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceStorage, status)
}

func (h *healthSync) run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sync(ctx)
		}
	}
}
