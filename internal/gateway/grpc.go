// ABOUTME: gRPC server with keepalive policy and the standard grpc.health.v1 service
// ABOUTME: whose status follows pool readiness; calls are logged and counted

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/fleet-gateway/internal/observability"
)

// SchedulerService is the health service name reported alongside the overall ("") status.
const SchedulerService = "fleet.gateway.Scheduler"

// readinessInterval is how often the health status is re-evaluated.
const readinessInterval = time.Second

// newGRPCServer creates the gRPC server and registers the health service on it.
// Both services start NOT_SERVING until the pool has a usable agent.
func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unaryObserver(logger)),
		grpc.ChainStreamInterceptor(streamObserver(logger)),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func observeCall(logger *slog.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	observability.Default.IncCounter("grpc_requests_total", map[string]string{
		"method": method,
		"code":   code.String(),
	}, 1)
	logger.Debug("grpc call", "method", method, "code", code.String(), "duration", time.Since(start))
}

func unaryObserver(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func streamObserver(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observeCall(logger, info.FullMethod, start, err)
		return err
	}
}

// servingStatus maps scheduler readiness onto a health status.
func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// updateHealth publishes the current readiness and reports whether it changed.
func (g *Gateway) updateHealth(last *bool) bool {
	ready := g.scheduler.Ready()
	if *last == ready {
		return false
	}
	st := servingStatus(ready)
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(SchedulerService, st)
	*last = ready
	return true
}

// watchReadiness keeps the health service in step with the pool until ctx ends.
func (g *Gateway) watchReadiness(ctx context.Context) {
	last := false
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.updateHealth(&last) {
				g.logger.Info("readiness changed", "ready", last)
			}
		}
	}
}
