// Package grpcapi serves the gRPC health protocol used by orchestrator probes.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"speech-stream-bridge/internal/observability"
	"speech-stream-bridge/internal/observability/metrics"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "speech.bridge.SpeechToTextStream"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a health server with logging and metrics interceptors.
func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	return &Server{grpc: g, health: hs}
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC health server")
	return s.grpc.Serve(lis)
}

// Drain reports NOT_SERVING so probes take the instance out of rotation.
func (s *Server) Drain() {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop drains and gracefully stops the server.
func (s *Server) Stop() {
	s.Drain()
	log.Info().Msg("Shutting down gRPC health server")
	s.grpc.GracefulStop()
}
