package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ssoportal.id/internal/obs"
)

// HealthServer publishes the readiness probe through the standard gRPC
// health service, both for the empty service name and for "ssoportal".
type HealthServer struct {
	srv   *health.Server
	probe ReadyProbe
}

func NewHealthServer(probe ReadyProbe) *HealthServer {
	h := &HealthServer{srv: health.NewServer(), probe: probe}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer builds a gRPC server with the health service registered.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}

// Refresh runs the probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.probe.Check(ctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Run refreshes on every tick until ctx is done, then marks everything
// not serving.
func (h *HealthServer) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.From(ctx).Warn("readiness check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-t.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
