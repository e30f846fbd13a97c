// Package grpc exposes this replica's gRPC health surface: a recovery and
// Prometheus interceptor chain wrapping the standard grpc_health_v1
// service. This module has no other gRPC-shaped operations.
package grpc

import (
	"fmt"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Config holds the gRPC server's listen port.
type Config struct {
	Port int
}

// Server wraps the gRPC server and its health reporting.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	logger       *zap.Logger
	port         int
}

// NewServer builds a gRPC server with a recovery+prometheus interceptor
// chain and the standard grpc_health_v1 service registered, reporting
// NOT_SERVING until SetServing(true) is called.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	recoveryFunc := func(p interface{}) error {
		logger.Error("gRPC panic recovered", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "internal server error")
	}

	grpcServer := grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_prometheus.UnaryServerInterceptor,
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		logger:       logger,
		port:         cfg.Port,
	}
}

// SetServing updates the overall serving status watchers observe via Watch.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// Serve blocks accepting connections on the configured port.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc: listen: %w", err)
	}
	s.logger.Info("grpc server listening", zap.Int("port", s.port))
	return s.ServeListener(lis)
}

// ServeListener blocks accepting connections on lis, letting callers (tests,
// mainly) supply their own listener instead of one bound from Config.Port.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop drains in-flight RPCs for up to 10 seconds and then falls
// back to a hard Stop (grpc.Server.GracefulStop has no built-in deadline).
func (s *Server) GracefulStop() {
	s.healthServer.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.grpcServer.Stop()
	}
}
