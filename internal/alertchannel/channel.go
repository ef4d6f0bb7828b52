// Package alertchannel — channel.go
//
// The write-only alert sink of spec.md §6.3: fire-and-forget delivery
// of a level-4/5 recovery notification to a human, transport opaque.
// Channel is the seam other packages depend on; grpc_channel.go supplies the
// networked implementation, this file the always-available fallback.

package alertchannel

import (
	"context"

	"go.uber.org/zap"
)

// Channel delivers a recovery notification. Implementations must
// respect ctx's deadline and never block past it — spec.md §6.3 caps
// delivery at 30 seconds.
type Channel interface {
	Notify(ctx context.Context, level int, message string) error
}

// LogOnlyChannel writes alerts to the structured log instead of
// delivering them anywhere. Used when no alert endpoint is configured,
// so the Escalator never blocks on an unreachable sink.
type LogOnlyChannel struct {
	log *zap.Logger
}

// NewLogOnlyChannel returns a Channel that only logs.
func NewLogOnlyChannel(log *zap.Logger) *LogOnlyChannel {
	return &LogOnlyChannel{log: log}
}

// Notify logs the alert at warn level and always succeeds.
func (c *LogOnlyChannel) Notify(_ context.Context, level int, message string) error {
	c.log.Warn("alert (no channel configured, logging only)",
		zap.Int("level", level),
		zap.String("message", message),
	)
	return nil
}
