// Package svcmanager — systemd.go
//
// The one concrete OS-level service manager spec.md §6.3 asks the core
// to treat as an opaque abstraction ("an abstraction taking an install/
// uninstall/restart operation on a named unit... the implementation is
// platform-specific"). Systemd wraps systemctl through
// internal/procutil.Run exactly the way internal/gitutil wraps git: no
// direct exec.Command calls outside procutil, every invocation
// timeout-bounded.
//
// Systemd satisfies all three service-facing interfaces this module
// defines against the same systemctl surface:
//   - recovery.ServiceManager (Restart/Installed, by unit name)
//   - maintenance.ServiceController (Degrade/Stop/Restore/HealthCheck,
//     by unit name)
//   - update.ServiceController, via Bind(name), which closes over a
//     single unit name since the Update Orchestrator supervises exactly
//     one service.
package svcmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/procutil"
)

const defaultTimeout = 15 * time.Second

// Systemd drives systemctl for named units.
type Systemd struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewSystemd constructs a Systemd service manager.
func NewSystemd(log *zap.Logger) *Systemd {
	return &Systemd{timeout: defaultTimeout, log: log}
}

func (s *Systemd) run(ctx context.Context, args ...string) (procutil.Result, error) {
	return procutil.Run(ctx, "systemctl", args, procutil.RunOptions{Timeout: s.timeout})
}

// Restart restarts the named unit (recovery.ServiceManager).
func (s *Systemd) Restart(ctx context.Context, name string) error {
	res, err := s.run(ctx, "restart", name)
	if err != nil {
		return fmt.Errorf("svcmanager: restart %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("svcmanager: restart %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Installed reports whether the named unit is known to systemd
// (recovery.ServiceManager).
func (s *Systemd) Installed(ctx context.Context, name string) (bool, error) {
	res, err := s.run(ctx, "show", name, "-p", "LoadState", "--value")
	if err != nil {
		return false, fmt.Errorf("svcmanager: show %s: %w", name, err)
	}
	state := strings.TrimSpace(res.Stdout)
	return state != "" && state != "not-found", nil
}

// Stop stops the named unit (maintenance.ServiceController).
func (s *Systemd) Stop(ctx context.Context, name string) error {
	res, err := s.run(ctx, "stop", name)
	if err != nil {
		return fmt.Errorf("svcmanager: stop %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("svcmanager: stop %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Restore starts the named unit back up (maintenance.ServiceController).
func (s *Systemd) Restore(ctx context.Context, name string) error {
	res, err := s.run(ctx, "start", name)
	if err != nil {
		return fmt.Errorf("svcmanager: start %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("svcmanager: start %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Degrade asks the named unit to reduce load via SIGUSR1, the
// conventional "quiesce" signal for services in this fleet that
// support it; a unit with no handler simply ignores it, so this is
// best-effort by construction (maintenance.ServiceController).
func (s *Systemd) Degrade(ctx context.Context, name string) error {
	res, err := s.run(ctx, "kill", "--signal=SIGUSR1", name)
	if err != nil {
		return fmt.Errorf("svcmanager: degrade %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		s.log.Warn("degrade signal delivery failed, continuing",
			zap.String("unit", name), zap.Int("exit_code", res.ExitCode))
	}
	return nil
}

// HealthCheck reports an error if the named unit is not active
// (maintenance.ServiceController).
func (s *Systemd) HealthCheck(ctx context.Context, name string) error {
	res, err := s.run(ctx, "is-active", name)
	if err != nil {
		return fmt.Errorf("svcmanager: is-active %s: %w", name, err)
	}
	status := strings.TrimSpace(res.Stdout)
	if status != "active" {
		return fmt.Errorf("svcmanager: %s is %s, want active", name, status)
	}
	return nil
}

// mainPID returns the unit's MainPID, or 0 if it has none (i.e. the
// unit is not running).
func (s *Systemd) mainPID(ctx context.Context, name string) (int, error) {
	res, err := s.run(ctx, "show", name, "-p", "MainPID", "--value")
	if err != nil {
		return 0, fmt.Errorf("svcmanager: show %s: %w", name, err)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if convErr != nil {
		return 0, nil
	}
	return pid, nil
}

// BoundService adapts Systemd to update.ServiceController by closing
// over a single fixed unit name, since the Update Orchestrator
// supervises exactly one service.
type BoundService struct {
	sys  *Systemd
	name string
}

// Bind returns a BoundService for name.
func (s *Systemd) Bind(name string) *BoundService {
	return &BoundService{sys: s, name: name}
}

// Restart restarts the bound unit (update.ServiceController).
func (b *BoundService) Restart(ctx context.Context) error {
	return b.sys.Restart(ctx, b.name)
}

// Status reports whether the bound unit is running and its MainPID
// (update.ServiceController).
func (b *BoundService) Status(ctx context.Context) (running bool, pid int, err error) {
	pid, err = b.sys.mainPID(ctx, b.name)
	if err != nil {
		return false, 0, err
	}
	return pid != 0, pid, nil
}
