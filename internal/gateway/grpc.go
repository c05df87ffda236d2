package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the service name reported alongside the overall status.
const healthService = "callbridge.Bridge"

// loggingInterceptor logs unary RPC calls.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		logger.Debug("rpc call", "method", info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("rpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// streamLoggingInterceptor logs streaming RPC calls, which covers health
// Watch.
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream started", "method", info.FullMethod)
		err := handler(srv, ss)
		if err != nil {
			logger.Error("stream error", "method", info.FullMethod, "error", err)
		}
		logger.Debug("stream ended", "method", info.FullMethod)
		return err
	}
}

// startGRPCServer serves the standard gRPC health protocol for load
// balancers that probe over gRPC. A zero port disables it.
func (s *Server) startGRPCServer() error {
	if s.config.Server.GRPCPort == 0 {
		return nil
	}
	return s.startGRPCOn(fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort))
}

func (s *Server) startGRPCOn(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(s.logger)),
		grpc.StreamInterceptor(streamLoggingInterceptor(s.logger)),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	s.mu.Lock()
	s.grpcServer = server
	s.grpcHealth = hs
	s.grpcListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	s.logger.Info("starting grpc health server", "addr", listener.Addr().String())
	return nil
}

// grpcAddr returns the bound gRPC address, or "" when disabled.
func (s *Server) grpcAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// stopGRPCServer drains in-flight RPCs, forcing open Watch streams closed
// when ctx expires.
func (s *Server) stopGRPCServer(ctx context.Context) {
	s.mu.Lock()
	server, hs := s.grpcServer, s.grpcHealth
	s.grpcServer, s.grpcHealth, s.grpcListener = nil, nil, nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	hs.Shutdown()
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
	}
}

// setServing mirrors HTTP readiness into the gRPC health service.
func (s *Server) setServing(ready bool) {
	s.mu.Lock()
	hs := s.grpcHealth
	s.mu.Unlock()
	if hs == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus(healthService, status)
}
