// Package healthrpc — health.go
//
// Exposes the Health Watchdog's last assessment through the standard
// gRPC Health Checking Protocol (google.golang.org/grpc/health,
// grpc.health.v1) instead of the teacher's bespoke gossipv1 service —
// there is no cross-node quorum concept here (spec.md §5: at most one
// supervisor instance), so the standard health service is a better fit
// than reproducing a custom protobuf API. Transport construction
// (mTLS, TLS 1.3, graceful-stop-on-context-cancel) is grounded on
// gossip.ListenAndServe.

package healthrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TLSCredentials adapts a *tls.Config built by BuildServerTLS/
// BuildClientTLS into the grpc.ServerOption/DialOption credentials
// NewServer and DialClient need. Tests substitute insecure.NewCredentials()
// instead of calling this.
func TLSCredentials(cfg *tls.Config) credentials.TransportCredentials {
	return credentials.NewTLS(cfg)
}

// ServiceName is the health-check service name the watchdog reports
// under. The empty string "" is the overall-server status in the
// standard protocol; this module additionally reports under a named
// service so a client can distinguish "the gRPC server is up" from
// "the supervised service is healthy".
const ServiceName = "watchdog.supervised_service"

// Server bundles a standard Health server with an optional AlertServer,
// both served over one mTLS gRPC listener.
type Server struct {
	grpcSrv *grpc.Server
	health  *health.Server
	log     *zap.Logger
}

// NewServer constructs a Server authenticating connections with creds
// (production: TLSCredentials(BuildServerTLS(...)); tests:
// insecure.NewCredentials()). If alertSrv is non-nil, AlertService is
// also registered on the same gRPC server — useful for a combined
// watchdog/alert-sink deployment; most deployments only need the
// health side and point AlertClient at a separately-run alert gateway.
func NewServer(creds credentials.TransportCredentials, alertSrv AlertServer, log *zap.Logger) *Server {
	grpcSrv := grpc.NewServer(grpc.Creds(creds))

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	if alertSrv != nil {
		RegisterAlertServiceServer(grpcSrv, alertSrv)
	}

	return &Server{grpcSrv: grpcSrv, health: healthSrv, log: log}
}

// SetHealthy reports whether the supervised service is currently
// healthy through the standard protocol's SERVING/NOT_SERVING states.
func (s *Server) SetHealthy(healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// ListenAndServe binds addr and serves until ctx is cancelled, at which
// point it gracefully stops.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("healthrpc: listen %s: %w", addr, err)
	}

	s.log.Info("health rpc server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcSrv.GracefulStop()
	}()

	if err := s.grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("healthrpc: serve: %w", err)
	}
	return nil
}

// DialClient opens a client connection suitable for both a
// healthpb.HealthClient and an AlertClient, authenticated with creds.
func DialClient(ctx context.Context, addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(creds), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("healthrpc: dial %s: %w", addr, err)
	}
	return conn, nil
}
