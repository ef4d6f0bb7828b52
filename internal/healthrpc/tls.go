// Package healthrpc — tls.go
//
// mTLS configuration for the gRPC health/alert surface, adapted
// directly from octoreflex's gossip.buildServerTLS (TLS 1.3 only,
// mutual client cert verification, Ed25519-capable) plus a matching
// client-side builder the teacher's gossip package never needed (it had
// no RPC client, only peer-to-peer servers).

package healthrpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// BuildServerTLS constructs a TLS 1.3-only mTLS config requiring a
// client certificate signed by caFile.
func BuildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("healthrpc: load server cert/key: %w", err)
	}
	caPool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// BuildClientTLS constructs a TLS 1.3-only mTLS config presenting a
// client certificate and verifying the server against caFile.
func BuildClientTLS(certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("healthrpc: load client cert/key: %w", err)
	}
	caPool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("healthrpc: read CA file %q: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("healthrpc: failed to parse CA certificate from %q", caFile)
	}
	return pool, nil
}
