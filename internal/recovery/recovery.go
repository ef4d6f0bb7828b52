// Package recovery — recovery.go
//
// The five-level Recovery Escalator of spec.md §3.3/§4.3: restart →
// kill-stale → clear-locks → revert-commit → alert-human. Each level
// above 1 subsumes the ones below it, so escalation is always "do this
// extra thing, then fall through to the simpler repair".
//
// Lock discipline is the load-bearing invariant: whichever level is
// requested, the whole escalation runs under a single recovery lock
// (spec.md §3.3) acquired once at the top and released in every exit
// path, success or failure. The state machine idiom (atomic, monotonic,
// mutex-guarded transitions) is the same discipline octoreflex's
// ProcessState.Escalate/Decay uses for isolation levels — generalized
// here from "transition and stay" to "transition, act, then return to
// idle".

package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/alertchannel"
	"github.com/octoreflex/watchdog/internal/crashlog"
	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/procutil"
	"github.com/octoreflex/watchdog/internal/recoverybudget"

	"golang.org/x/sys/unix"
)

const (
	lockStalenessTTL = 5 * time.Minute
	restartProbeWait = 10 * time.Second
	restartProbeStep = 1 * time.Second
)

// ErrBusy is returned when a fresh recovery lock is already held.
var ErrBusy = fmt.Errorf("recovery: a recovery is already in progress")

// ServiceManager delegates the OS-level restart/install-status
// operations spec.md §6.3 abstracts away from the core. The
// implementation is platform-specific; the Escalator only ever calls
// these two methods.
type ServiceManager interface {
	Restart(ctx context.Context, name string) error
	Installed(ctx context.Context, name string) (bool, error)
}

// ServiceSpec is the service contract supplied at construction: how to
// recognize the process, where its artifacts live, and which sidecar
// files level 3 may delete.
type ServiceSpec struct {
	Name            string   // unit name passed to ServiceManager
	CmdSubstring    string   // command-line substring identifying the process
	DataDir         string   // directory containing session/journal/WAL sidecar files
	LockFilePatterns []string // glob patterns, relative to DataDir, cleared at level 3
}

// Lock is the JSON shape of the recovery lock file (spec.md §6.2).
type Lock struct {
	Level   int       `json:"level"`
	Started time.Time `json:"started"`
	Issues  []string  `json:"issues"`
}

// Outcome reports what an escalation actually did.
type Outcome struct {
	Level         int
	Success       bool
	HandedToHuman bool
	Detail        string
}

// Escalator executes recovery levels 1..5 against a single supervised
// service.
type Escalator struct {
	spec          ServiceSpec
	svcMgr        ServiceManager
	repo          *gitutil.Repo
	crashLog      *crashlog.Log
	budget        *recoverybudget.Bucket
	alert         alertchannel.Channel
	log           *zap.Logger
	lockPath      string
	autoRevertFlag string

	lockTTL      time.Duration
	probeWait    time.Duration
	probeStep    time.Duration
}

// New constructs an Escalator. lockPath and autoRevertFlagPath are the
// sentinel file paths from spec.md §6.2/§3.4.
func New(
	spec ServiceSpec,
	svcMgr ServiceManager,
	repo *gitutil.Repo,
	crashLog *crashlog.Log,
	budget *recoverybudget.Bucket,
	alert alertchannel.Channel,
	lockPath, autoRevertFlagPath string,
	log *zap.Logger,
	opts ...Option,
) *Escalator {
	e := &Escalator{
		spec:           spec,
		svcMgr:         svcMgr,
		repo:           repo,
		crashLog:       crashLog,
		budget:         budget,
		alert:          alert,
		log:            log,
		lockPath:       lockPath,
		autoRevertFlag: autoRevertFlagPath,
		lockTTL:        lockStalenessTTL,
		probeWait:      restartProbeWait,
		probeStep:      restartProbeStep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option customizes an Escalator's timing constants. Production callers
// should rarely need these; tests use them to avoid real-time waits.
type Option func(*Escalator)

// WithLockTTL overrides the recovery lock staleness window (default 5m).
func WithLockTTL(d time.Duration) Option {
	return func(e *Escalator) { e.lockTTL = d }
}

// WithRestartProbe overrides the post-restart probe window and poll step
// (defaults 10s/1s).
func WithRestartProbe(wait, step time.Duration) Option {
	return func(e *Escalator) { e.probeWait, e.probeStep = wait, step }
}

// Escalate runs the recovery strategy for level against the lock
// protocol: acquire (refusing if a fresh lock exists, reclaiming a
// stale one), run, always release.
func (e *Escalator) Escalate(ctx context.Context, level int, issues []string) (Outcome, error) {
	if level < 1 || level > 5 {
		return Outcome{}, fmt.Errorf("recovery.Escalate: level %d out of range 1..5", level)
	}

	acquired, err := e.acquireLock(level, issues)
	if err != nil {
		return Outcome{}, fmt.Errorf("recovery.Escalate: lock: %w", err)
	}
	if !acquired {
		return Outcome{}, ErrBusy
	}
	defer e.releaseLock()

	if !e.budget.ConsumeForLevel(level) {
		e.log.Warn("recovery budget exhausted, deferring",
			zap.Int("level", level))
		return Outcome{Level: level, Success: false, Detail: "budget exhausted"}, nil
	}

	e.log.Info("recovery escalation starting",
		zap.Int("level", level), zap.Strings("issues", issues))

	out := e.runLevel(ctx, level, issues)

	e.log.Info("recovery escalation finished",
		zap.Int("level", out.Level),
		zap.Bool("success", out.Success),
		zap.Bool("handed_to_human", out.HandedToHuman),
		zap.String("detail", out.Detail))
	return out, nil
}

func (e *Escalator) runLevel(ctx context.Context, level int, issues []string) Outcome {
	switch level {
	case 1:
		return e.levelRestart(ctx)
	case 2:
		return e.levelKillStale(ctx)
	case 3:
		return e.levelClearLocks(ctx)
	case 4:
		return e.levelRevert(ctx, issues)
	case 5:
		return e.levelAlertHuman(ctx, issues)
	default:
		return Outcome{Level: level, Success: false, Detail: "invalid level"}
	}
}

// levelRestart is level 1: restart and probe for up to 10s.
func (e *Escalator) levelRestart(ctx context.Context) Outcome {
	if err := e.svcMgr.Restart(ctx, e.spec.Name); err != nil {
		e.log.Error("service restart failed", zap.Error(err))
		return Outcome{Level: 1, Success: false, Detail: err.Error()}
	}
	if e.probeRunning() {
		return Outcome{Level: 1, Success: true}
	}
	return Outcome{Level: 1, Success: false, Detail: "service not running after restart probe window"}
}

// levelKillStale is level 2: SIGKILL any matching process, then restart.
func (e *Escalator) levelKillStale(ctx context.Context) Outcome {
	pids, err := procutil.FindPIDsMatching(e.spec.CmdSubstring)
	if err != nil {
		e.log.Error("find stale pids failed", zap.Error(err))
	}
	for _, pid := range pids {
		if err := procutil.Signal(pid, unix.SIGKILL); err != nil {
			e.log.Warn("failed to signal stale pid", zap.Int("pid", pid), zap.Error(err))
		}
	}
	inner := e.levelRestart(ctx)
	inner.Level = 2
	return inner
}

// levelClearLocks is level 3: delete sidecar lock files, then level 2.
func (e *Escalator) levelClearLocks(ctx context.Context) Outcome {
	for _, pattern := range e.spec.LockFilePatterns {
		matches, err := filepath.Glob(filepath.Join(e.spec.DataDir, pattern))
		if err != nil {
			e.log.Warn("bad lock file glob pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				e.log.Warn("failed to remove sidecar lock file", zap.String("path", m), zap.Error(err))
			}
		}
	}
	inner := e.levelKillStale(ctx)
	inner.Level = 3
	return inner
}

// levelRevert is level 4: gated on auto-revert-enabled; reverts HEAD,
// notifies, then falls to level 3. A missing flag or a failed revert
// escalates straight to level 5.
func (e *Escalator) levelRevert(ctx context.Context, issues []string) Outcome {
	if !procutil.SentinelExists(e.autoRevertFlag) {
		e.log.Info("auto-revert not enabled, escalating to level 5")
		return e.levelAlertHuman(ctx, issues)
	}

	if err := e.repo.Revert(ctx); err != nil {
		e.log.Error("git revert failed, escalating to level 5", zap.Error(err))
		return e.levelAlertHuman(ctx, append(issues, "revert failed: "+err.Error()))
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.alert.Notify(notifyCtx, 4, "reverted HEAD due to repeated crashes; continuing recovery"); err != nil {
		e.log.Warn("alert delivery failed after revert", zap.Error(err))
	}

	inner := e.levelClearLocks(ctx)
	inner.Level = 4
	return inner
}

// levelAlertHuman is level 5: no automatic action, log exhaustion, alert.
func (e *Escalator) levelAlertHuman(ctx context.Context, issues []string) Outcome {
	reason := "recovery escalation exhausted"
	if len(issues) > 0 {
		reason = fmt.Sprintf("%s: %v", reason, issues)
	}
	if err := e.crashLog.LogCrash("unknown", 0, reason); err != nil {
		e.log.Error("failed to log exhaustion to crash log", zap.Error(err))
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg := fmt.Sprintf("recovery escalation reached level 5, human action required: %v", issues)
	if err := e.alert.Notify(notifyCtx, 5, msg); err != nil {
		e.log.Error("failed to deliver level-5 alert", zap.Error(err))
	}
	return Outcome{Level: 5, Success: false, HandedToHuman: true, Detail: msg}
}

func (e *Escalator) probeRunning() bool {
	deadline := time.Now().Add(e.probeWait)
	for {
		pids, err := procutil.FindPIDsMatching(e.spec.CmdSubstring)
		if err == nil && len(pids) > 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(e.probeStep)
	}
}

// acquireLock creates the lock file exclusively, returning false if a
// fresh lock already exists (ErrBusy semantics live in the caller). A
// stale or unparseable lock file is removed first.
func (e *Escalator) acquireLock(level int, issues []string) (bool, error) {
	data, exists, err := procutil.ReadSentinel(e.lockPath)
	if err != nil {
		return false, err
	}
	if exists {
		var existing Lock
		if err := json.Unmarshal(data, &existing); err == nil {
			if time.Since(existing.Started) < e.lockTTL {
				return false, nil
			}
			e.log.Warn("removing stale recovery lock",
				zap.Time("started", existing.Started), zap.Int("level", existing.Level))
		}
		// A lock file that fails to parse is treated as stale garbage,
		// not as a live lock — refusing forever on a corrupt file would
		// wedge recovery permanently.
		if err := procutil.RemoveSentinel(e.lockPath); err != nil {
			return false, fmt.Errorf("recovery.acquireLock: %w", err)
		}
	}

	lock := Lock{Level: level, Started: time.Now().UTC(), Issues: issues}
	buf, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("recovery.acquireLock: marshal: %w", err)
	}
	// O_EXCL: of two callers racing for the lock, only one creates it.
	f, err := os.OpenFile(e.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err == nil {
		_, err = f.Write(buf)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return false, fmt.Errorf("recovery.acquireLock: %w", err)
	}
	return true, nil
}

func (e *Escalator) releaseLock() {
	if err := procutil.RemoveSentinel(e.lockPath); err != nil {
		e.log.Error("failed to release recovery lock", zap.Error(err))
	}
}
