// Package alertchannel — grpc_channel.go
//
// GRPCChannel delivers alerts to a remote sink over the
// internal/healthrpc AlertClient, grounded on the teacher's
// gossip.Server/ListenAndServe mTLS transport — repurposed here from
// peer-to-peer anomaly gossip to a one-way Notify(level, message) call.

package alertchannel

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/octoreflex/watchdog/internal/healthrpc"
)

// GRPCChannel calls a remote AlertServer over an established
// connection.
type GRPCChannel struct {
	client *healthrpc.AlertClient
}

// NewGRPCChannel wraps conn (already dialed, typically via
// healthrpc.DialClient) as a Channel.
func NewGRPCChannel(conn *grpc.ClientConn) *GRPCChannel {
	return &GRPCChannel{client: healthrpc.NewAlertClient(conn)}
}

// Notify delivers the alert, bounded by ctx's deadline (callers are
// expected to pass a context.WithTimeout(..., 30*time.Second) per
// spec.md §6.3's delivery budget).
func (c *GRPCChannel) Notify(ctx context.Context, level int, message string) error {
	resp, err := c.client.Notify(ctx, &healthrpc.AlertRequest{Level: level, Message: message})
	if err != nil {
		return fmt.Errorf("alertchannel.GRPCChannel.Notify: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("alertchannel.GRPCChannel.Notify: alert sink declined delivery")
	}
	return nil
}
