package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"LotLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the grpc.health.v1 service name reported alongside "".
const ServiceName = "lotledger.LotLedger"

// GRPCServer serves grpc.health.v1 and reflection. Serving status
// follows the HealthChecker's readiness.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	addr          string
	healthChecker *observability.HealthChecker
	pollInterval  time.Duration
	logger        zerolog.Logger
}

func NewGRPCServer(addr string, healthChecker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		addr:          addr,
		healthChecker: healthChecker,
		pollInterval:  time.Second,
		logger:        logger,
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go s.syncHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// syncHealth mirrors readiness into the health service.
func (s *GRPCServer) syncHealth(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s.healthChecker.IsReady() && len(s.healthChecker.CheckProbes(ctx)) == 0 {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			s.healthServer.SetServingStatus("", status)
			s.healthServer.SetServingStatus(ServiceName, status)
			s.logger.Info().Str("status", status.String()).Msg("gRPC health status changed")
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
