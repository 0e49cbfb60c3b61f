// Package grpcx serves the standard gRPC health service for the order
// service, driven by the store's reachability.
package grpcx

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "marketplace.OrderService"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Health struct {
	hs     *health.Server
	pinger Pinger
	log    *zap.Logger
}

// NewServer returns a gRPC server with the health service registered. Every
// service starts NOT_SERVING until the first probe.
func NewServer(p Pinger, log *zap.Logger) (*grpc.Server, *Health) {
	h := &Health{hs: health.NewServer(), pinger: p, log: log}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h.hs)
	return s, h
}

// Probe pings the store once and publishes the result.
func (h *Health) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		h.log.Warn("health_probe_failed", zap.Error(err))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch probes every interval until ctx is done, then marks the service as
// shutting down.
func (h *Health) Watch(ctx context.Context, every time.Duration) {
	h.Probe(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-t.C:
			h.Probe(ctx)
		}
	}
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
}
