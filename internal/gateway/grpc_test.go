package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
)

func TestGRPCHealth(t *testing.T) {
	g := newTestGateway(t, nil)
	if err := g.server.startGRPCOn("127.0.0.1:0"); err != nil {
		t.Fatalf("start grpc: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer g.server.stopGRPCServer(ctx)

	conn, err := grpc.NewClient(g.server.grpcAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	want := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !proto.Equal(resp, want) {
		t.Errorf("Check() = %v, want %v", resp, want)
	}

	// Readiness failures are mirrored into the service status.
	g.server.setServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.GetStatus())
	}

	rec := httptest.NewRecorder()
	g.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !proto.Equal(resp, want) {
		t.Errorf("after /readyz Check() = %v, want SERVING", resp)
	}
}

func TestGRPCDisabledByDefault(t *testing.T) {
	g := newTestGateway(t, nil)
	if err := g.server.startGRPCServer(); err != nil {
		t.Fatalf("startGRPCServer: %v", err)
	}
	if g.server.grpcAddr() != "" {
		t.Error("grpc server started with grpc_port 0")
	}
}
