// Package update — depsync.go
//
// Dependency sync tries a preferred manager then a fallback manager,
// grounded on scripts/update/deps.py's sync_with_uv/sync_with_pip
// two-tier fallback. Each manager is wrapped in its own gobreaker
// circuit breaker (github.com/sony/gobreaker): a manager failing
// repeatedly trips its breaker and is skipped outright on the next
// cron tick instead of being retried and timed out again, until the
// breaker half-opens.

package update

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/procutil"
)

const syncTimeout = 10 * time.Minute

// DepSyncResult is the outcome of a dependency-sync attempt.
type DepSyncResult struct {
	Success bool
	Method  string // manager name, or "skipped"
	Output  string
	Error   string
}

type depSyncer struct {
	spec      Spec
	preferred *gobreaker.CircuitBreaker
	fallback  *gobreaker.CircuitBreaker
	log       *zap.Logger
}

func newDepSyncer(spec Spec, log *zap.Logger) *depSyncer {
	return &depSyncer{
		spec:      spec,
		preferred: newBreaker(spec.PreferredManager.Name, log),
		fallback:  newBreaker(spec.FallbackManager.Name, log),
		log:       log,
	}
}

func newBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "update.depsync." + name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			log.Warn("dep sync circuit breaker state change",
				zap.String("breaker", breakerName),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Sync attempts the preferred manager, falling back to the fallback
// manager if the preferred one's breaker is open or its invocation
// fails.
func (d *depSyncer) Sync(ctx context.Context) DepSyncResult {
	if d.spec.PreferredManager.Command != "" {
		result, err := d.preferred.Execute(func() (any, error) {
			r := d.run(ctx, d.spec.PreferredManager)
			if !r.Success {
				return r, fmt.Errorf("%s sync failed: %s", d.spec.PreferredManager.Name, r.Error)
			}
			return r, nil
		})
		if err == nil {
			return result.(DepSyncResult)
		}
		d.log.Warn("preferred dep manager unavailable, falling back",
			zap.String("manager", d.spec.PreferredManager.Name), zap.Error(err))
	}

	if d.spec.FallbackManager.Command == "" {
		return DepSyncResult{Success: false, Method: "skipped", Error: "no fallback manager configured"}
	}

	result, err := d.fallback.Execute(func() (any, error) {
		r := d.run(ctx, d.spec.FallbackManager)
		if !r.Success {
			return r, fmt.Errorf("%s sync failed: %s", d.spec.FallbackManager.Name, r.Error)
		}
		return r, nil
	})
	if err != nil {
		return DepSyncResult{Success: false, Method: "skipped", Error: err.Error()}
	}
	return result.(DepSyncResult)
}

func (d *depSyncer) run(ctx context.Context, mgr ManagerSpec) DepSyncResult {
	res, err := procutil.Run(ctx, mgr.Command, mgr.SyncArgs, procutil.RunOptions{Cwd: d.spec.ProjectDir, Timeout: syncTimeout})
	if err != nil {
		return DepSyncResult{Success: false, Method: mgr.Name, Error: err.Error()}
	}
	if res.ExitCode != 0 {
		return DepSyncResult{Success: false, Method: mgr.Name, Output: res.Stdout + res.Stderr, Error: fmt.Sprintf("exit %d: %s", res.ExitCode, res.Stderr)}
	}
	return DepSyncResult{Success: true, Method: mgr.Name, Output: res.Stdout + res.Stderr}
}
