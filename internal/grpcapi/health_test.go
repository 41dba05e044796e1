package grpcapi_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/BrandonDHaskell/Silenus/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

func dial(t *testing.T, srv *grpcapi.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestDispenserHealth(t *testing.T) {
	srv := grpcapi.NewServer("", logger.Discard())
	srv.SetDispenser("tap-1", true)
	srv.SetDispenser("tap-2", true)
	c := dial(t, srv)

	if st := check(t, c, ""); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall: got %v", st)
	}
	if st := check(t, c, grpcapi.ServiceName("tap-1")); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("tap-1: got %v", st)
	}

	srv.DispenserFaulted("tap-1", errors.New("valve stuck"))

	if st := check(t, c, grpcapi.ServiceName("tap-1")); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("tap-1 after fault: got %v", st)
	}
	if st := check(t, c, grpcapi.ServiceName("tap-2")); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("tap-2 should be unaffected: got %v", st)
	}
}

func TestUnknownDispenserIsNotFound(t *testing.T) {
	srv := grpcapi.NewServer("", logger.Discard())
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcapi.ServiceName("ghost")})
	if err == nil {
		t.Fatal("expected NotFound for an unregistered dispenser")
	}
}
