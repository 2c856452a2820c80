package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health entry for the whole marketplace API.
const ServiceName = "marketplace.v1.Marketplace"

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Server is the gRPC side of the service. It only exposes grpc.health.v1.Health
// and reflection; the business API is REST.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	probes map[string]Probe
	logger *zap.Logger
}

func NewServer(probes map[string]Probe, logger *zap.Logger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{srv: srv, health: hs, probes: probes, logger: logger}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Check runs every probe once and publishes the result. Each probe gets its
// own health entry; the overall entry is SERVING only when all of them pass.
func (s *Server) Check(ctx context.Context) bool {
	healthy := true
	for name, probe := range s.probes {
		status := healthpb.HealthCheckResponse_SERVING
		if err := probe(ctx); err != nil {
			healthy = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("Health probe failed", zap.String("dependency", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
	return healthy
}

// Watch re-runs the probes every interval until ctx is cancelled.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			s.Check(probeCtx)
			cancel()
		}
	}
}

// GracefulStop marks every entry NOT_SERVING before draining in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
