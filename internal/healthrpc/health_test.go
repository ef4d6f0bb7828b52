// Package healthrpc — health_test.go
//
// Test coverage:
//   - Health server reports SERVING/NOT_SERVING via the standard protocol
//   - AlertService roundtrip over a live (insecure, for test speed)
//     listener: client Notify reaches a fake AlertServer
//   - BuildServerTLS/BuildClientTLS surface clear errors on bad paths
//
// Transport security is exercised with insecure.NewCredentials() here
// to keep the test fast and certificate-free; TLS config construction
// itself is covered separately against missing files.

package healthrpc_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/octoreflex/watchdog/internal/healthrpc"
)

type fakeAlertServer struct {
	received []*healthrpc.AlertRequest
}

func (f *fakeAlertServer) Notify(_ context.Context, req *healthrpc.AlertRequest) (*healthrpc.AlertResponse, error) {
	f.received = append(f.received, req)
	return &healthrpc.AlertResponse{Accepted: true}, nil
}

func TestHealthAndAlert_Roundtrip(t *testing.T) {
	const addr = "127.0.0.1:18743"

	fake := &fakeAlertServer{}
	srv := healthrpc.NewServer(insecure.NewCredentials(), fake, zap.NewNop())
	srv.SetHealthy(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, addr) }()
	time.Sleep(100 * time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, err := healthrpc.DialClient(dialCtx, addr, insecure.NewCredentials())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	healthClient := healthpb.NewHealthClient(conn)
	resp, err := healthClient.Check(context.Background(), &healthpb.HealthCheckRequest{Service: healthrpc.ServiceName})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", resp.Status)
	}

	srv.SetHealthy(false)
	resp, err = healthClient.Check(context.Background(), &healthpb.HealthCheckRequest{Service: healthrpc.ServiceName})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", resp.Status)
	}

	alertClient := healthrpc.NewAlertClient(conn)
	ackResp, err := alertClient.Notify(context.Background(), &healthrpc.AlertRequest{Level: 5, Message: "recovery exhausted"})
	if err != nil {
		t.Fatalf("alert notify failed: %v", err)
	}
	if !ackResp.Accepted {
		t.Fatal("expected alert to be accepted")
	}
	if len(fake.received) != 1 || fake.received[0].Message != "recovery exhausted" {
		t.Fatalf("fake server received = %+v", fake.received)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestBuildServerTLS_MissingFiles(t *testing.T) {
	if _, err := healthrpc.BuildServerTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "/nonexistent/ca.pem"); err == nil {
		t.Fatal("expected an error for missing cert/key files")
	}
}

func TestBuildClientTLS_MissingFiles(t *testing.T) {
	if _, err := healthrpc.BuildClientTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "/nonexistent/ca.pem", "watchdog"); err == nil {
		t.Fatal("expected an error for missing cert/key files")
	}
}
