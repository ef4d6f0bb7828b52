// Package svcmanager — systemd_test.go
//
// Test coverage:
//   - Installed() reports false for a unit name that cannot exist
//   - BoundService.Status() reports not-running for the same
//
// Skipped entirely when systemctl is not on PATH (most sandboxed test
// environments have no init system to talk to).

package svcmanager_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/svcmanager"
)

func requireSystemctl(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("systemctl"); err != nil {
		t.Skip("systemctl not available in this environment")
	}
}

func TestInstalled_ReportsFalseForUnknownUnit(t *testing.T) {
	requireSystemctl(t)
	sys := svcmanager.NewSystemd(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	installed, err := sys.Installed(ctx, "definitely-not-a-real-unit-watchdog-test.service")
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if installed {
		t.Fatal("expected a fabricated unit name to be reported as not installed")
	}
}

func TestBoundService_Status_NotRunningForUnknownUnit(t *testing.T) {
	requireSystemctl(t)
	sys := svcmanager.NewSystemd(zap.NewNop())
	bound := sys.Bind("definitely-not-a-real-unit-watchdog-test.service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	running, pid, err := bound.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if running || pid != 0 {
		t.Fatalf("expected not-running/pid=0 for unknown unit, got running=%v pid=%d", running, pid)
	}
}
