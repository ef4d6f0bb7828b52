// Package watchdog — watchdog.go
//
// The Health Watchdog of spec.md §4.4: one tick is one health
// evaluation and at most one recovery. Grounded on
// monitoring/bridge_watchdog.py's check_bridge_health/run_health_check
// pair from original_source/ for the exact level-selection formula and
// recovery-lock skip check, re-expressed with the teacher's worker-loop
// idiom (cmd/octoreflex/main.go's runWorker: select on ctx.Done vs a
// ticker, bounded drain on shutdown) instead of a bare time.Sleep loop.

package watchdog

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/config"
	"github.com/octoreflex/watchdog/internal/crashlog"
	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/procutil"
	"github.com/octoreflex/watchdog/internal/recovery"
)

const lockSkipTTL = 5 * time.Minute

// TickInterval is the fallback Loop interval when no configured
// interval is supplied.
const TickInterval = 60 * time.Second

// Thresholds holds the Assess step's tunable parameters, sourced from
// config.WatchdogConfig so spec.md §6.4's environment-variable
// overrides and config.yaml edits actually reach DetectPattern and the
// staleness/recent-crash checks. DefaultThresholds matches
// config.Defaults().Watchdog.
type Thresholds struct {
	LogStaleness        time.Duration
	CrashWindow         time.Duration
	CrashCountThreshold int
	HeadMaxAge          time.Duration
	RecentCrashWindow   time.Duration
	RecentCrashCritical int
}

// DefaultThresholds mirrors config.Defaults().Watchdog, for callers
// that construct a Watchdog without a loaded config (tests, ad-hoc
// tools).
var DefaultThresholds = Thresholds{
	LogStaleness:        300 * time.Second,
	CrashWindow:         1800 * time.Second,
	CrashCountThreshold: 3,
	HeadMaxAge:          3600 * time.Second,
	RecentCrashWindow:   1800 * time.Second,
	RecentCrashCritical: 5,
}

// ThresholdsFromConfig converts a loaded config.WatchdogConfig into
// Thresholds.
func ThresholdsFromConfig(cfg config.WatchdogConfig) Thresholds {
	return Thresholds{
		LogStaleness:        time.Duration(cfg.LogStalenessThresholdSeconds) * time.Second,
		CrashWindow:         time.Duration(cfg.CrashWindowSeconds) * time.Second,
		CrashCountThreshold: cfg.CrashCountThreshold,
		HeadMaxAge:          time.Duration(cfg.HeadMaxAgeSeconds) * time.Second,
		RecentCrashWindow:   time.Duration(cfg.RecentCrashWindowSeconds) * time.Second,
		RecentCrashCritical: cfg.RecentCrashCritical,
	}
}

// Assessment is spec.md §3.2's transient health record.
type Assessment struct {
	Healthy        bool
	ProcessRunning bool
	LogsFresh      bool
	NoCrashPattern bool
	Issues         []string
	RecoveryLevel  int
	SuspectCommit  string
}

// TickResult reports what a single tick actually did.
type TickResult struct {
	Skipped    bool
	Assessment Assessment
	Outcome    *recovery.Outcome
}

// Watchdog composes process, log-freshness, and crash-pattern checks
// and invokes the Recovery Escalator when unhealthy.
type Watchdog struct {
	cmdSubstring   string
	logPath        string
	repo           *gitutil.Repo
	crashLog       *crashlog.Log
	escalator      *recovery.Escalator
	lockPath       string
	autoRevertFlag string
	thresholds     Thresholds
	log            *zap.Logger
}

// New constructs a Watchdog. thresholds configures the Assess step;
// pass ThresholdsFromConfig(cfg.Watchdog) in production, or
// DefaultThresholds when no config is loaded.
func New(
	cmdSubstring, logPath string,
	repo *gitutil.Repo,
	crashLog *crashlog.Log,
	escalator *recovery.Escalator,
	lockPath, autoRevertFlagPath string,
	thresholds Thresholds,
	log *zap.Logger,
) *Watchdog {
	return &Watchdog{
		cmdSubstring:   cmdSubstring,
		logPath:        logPath,
		repo:           repo,
		crashLog:       crashLog,
		escalator:      escalator,
		lockPath:       lockPath,
		autoRevertFlag: autoRevertFlagPath,
		thresholds:     thresholds,
		log:            log,
	}
}

// Assess runs the health checks and computes the required recovery
// level per spec.md §4.4's formula, without taking any action.
func (w *Watchdog) Assess(ctx context.Context) (Assessment, error) {
	var a Assessment

	pids, err := procutil.FindPIDsMatching(w.cmdSubstring)
	if err != nil {
		return a, err
	}
	a.ProcessRunning = len(pids) > 0
	if !a.ProcessRunning {
		a.Issues = append(a.Issues, "service process not running")
		a.RecoveryLevel = max(a.RecoveryLevel, 1)
	}

	a.LogsFresh = procutil.FileAgeSeconds(w.logPath) < w.thresholds.LogStaleness.Seconds()
	if a.ProcessRunning && !a.LogsFresh {
		a.Issues = append(a.Issues, "service logs stale (no activity in 5+ minutes)")
		a.RecoveryLevel = max(a.RecoveryLevel, 2)
	}

	headSHA, headAge, err := w.repo.HeadShortSHA(ctx)
	if err != nil {
		return a, err
	}
	patternFound, suspect, err := w.crashLog.DetectPattern(
		headSHA, headAge,
		w.thresholds.CrashWindow.Seconds(), w.thresholds.HeadMaxAge.Seconds(), w.thresholds.CrashCountThreshold,
	)
	if err != nil {
		return a, err
	}
	a.NoCrashPattern = !patternFound
	if patternFound {
		a.SuspectCommit = suspect
		a.Issues = append(a.Issues, "crash pattern detected (commit: "+suspect+")")
		if procutil.SentinelExists(w.autoRevertFlag) {
			a.RecoveryLevel = max(a.RecoveryLevel, 4)
		} else {
			a.RecoveryLevel = max(a.RecoveryLevel, 3)
		}
	}

	recent, err := w.crashLog.RecentCrashes(w.thresholds.RecentCrashWindow.Seconds())
	if err != nil {
		return a, err
	}
	if len(recent) >= w.thresholds.RecentCrashCritical {
		a.Issues = append(a.Issues, "too many crashes in the last 30 minutes")
		a.RecoveryLevel = max(a.RecoveryLevel, 5)
	}

	a.Healthy = len(a.Issues) == 0
	return a, nil
}

// Tick runs one evaluate-and-maybe-recover cycle. If a fresh recovery
// lock is already present, the tick is skipped entirely — this is how
// a long-running recovery at one level doesn't get trampled by the
// next tick assessing and escalating further.
func (w *Watchdog) Tick(ctx context.Context) (TickResult, error) {
	if w.recoveryLockFresh() {
		w.log.Info("recovery in progress, skipping tick")
		return TickResult{Skipped: true}, nil
	}

	assessment, err := w.Assess(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if assessment.Healthy {
		w.log.Debug("service healthy")
		return TickResult{Assessment: assessment}, nil
	}

	w.log.Warn("service unhealthy",
		zap.Strings("issues", assessment.Issues),
		zap.Int("recovery_level", assessment.RecoveryLevel))

	outcome, err := w.escalator.Escalate(ctx, assessment.RecoveryLevel, assessment.Issues)
	if err != nil {
		return TickResult{Assessment: assessment}, err
	}
	return TickResult{Assessment: assessment, Outcome: &outcome}, nil
}

func (w *Watchdog) recoveryLockFresh() bool {
	data, exists, err := procutil.ReadSentinel(w.lockPath)
	if err != nil || !exists {
		return false
	}
	var lock recovery.Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return false
	}
	return time.Since(lock.Started) < lockSkipTTL
}

// Loop runs Tick every interval until ctx is cancelled. A zero interval
// defaults to TickInterval. The in-flight tick is allowed to finish
// (best-effort, spec.md §4.4's ≤30s cap is enforced by the caller's ctx
// deadline); no new tick starts once cancellation is observed.
func (w *Watchdog) Loop(ctx context.Context, interval time.Duration, onTick func(TickResult, error)) {
	if interval <= 0 {
		interval = TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog loop stopping")
			return
		case <-ticker.C:
			result, err := w.Tick(ctx)
			if onTick != nil {
				onTick(result, err)
			}
		}
	}
}
