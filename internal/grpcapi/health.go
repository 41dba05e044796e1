// Package grpcapi exposes dispenser liveness over the standard gRPC health
// protocol. Each dispenser is a service name; a hardware fault flips it to
// NOT_SERVING while the process and its other dispensers keep running.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service key for a dispenser.
func ServiceName(dispenserID string) string {
	return "silenus.dispenser." + dispenserID
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
	addr       string
}

func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{grpcServer: gs, health: hs, logger: logger, addr: addr}
}

// SetDispenser reports dispenserID as serving or not.
func (s *Server) SetDispenser(dispenserID string, serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(dispenserID), st)
}

// DispenserFaulted matches the engine's fault callback.
func (s *Server) DispenserFaulted(dispenserID string, err error) {
	s.logger.Error("dispenser not serving", "dispenser_id", dispenserID, "error", err)
	s.SetDispenser(dispenserID, false)
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Shutdown marks everything NOT_SERVING and drains in-flight RPCs until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}
