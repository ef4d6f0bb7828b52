// Package update implements the Update Orchestrator: pull, dep-sync,
// verify, restart. Two calling conventions share one pipeline — Full
// (human-invoked, restarts in-process) and Cron (unattended, sets
// restart-requested instead of restarting) — plus a Verify-only mode
// that runs no mutating step.
//
// Git primitives come from internal/gitutil; the dependency-sync step
// wraps its preferred/fallback package manager invocations in
// gobreaker circuit breakers so a manager that is currently broken is
// skipped outright on the next tick rather than retried and timed out
// again.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/procutil"
)

// ManagerSpec describes one dependency-manager invocation.
type ManagerSpec struct {
	Name     string   // "uv", "pip", ...
	Command  string   // executable
	SyncArgs []string // args to run a sync, relative to ProjectDir
}

// Spec configures an Orchestrator.
type Spec struct {
	ProjectDir string

	// PinFile is the manifest carrying version pins (e.g. pyproject.toml);
	// DepFiles is the full set of files whose change triggers a sync.
	PinFile  string
	DepFiles []string

	// CriticalDeps is the whitelist whose pin changes must never be
	// auto-applied unattended (spec.md §4.5 "a small whitelist").
	CriticalDeps []string

	PreferredManager ManagerSpec
	FallbackManager  ManagerSpec

	// VersionProbe returns the installed version string of pkg, or ""
	// if it cannot be determined. Production callers wire this to a
	// language-appropriate introspection command; tests substitute a
	// fake.
	VersionProbe func(ctx context.Context, pkg string) string

	RequiredTools []string // checked present on PATH during verification

	UpgradePendingFlagPath   string
	RestartRequestedFlagPath string
}

// ServiceController restarts and reports on the supervised service.
// Distinct from recovery.ServiceManager: update restarts unconditionally
// as the final pipeline step, not as an escalation action.
type ServiceController interface {
	Restart(ctx context.Context) error
	Status(ctx context.Context) (running bool, pid int, err error)
}

// VerifyCheck is one soft (warning-only) full-mode verification check,
// generalized from scripts/update/verify.py's per-tool/per-integration
// checks (calendar OAuth, summarizer model, MCP servers, ...).
type VerifyCheck struct {
	Name  string
	Check func(ctx context.Context) (ok bool, detail string)
}

// Config selects which pipeline steps run. Use Full/Cron/VerifyOnly to
// build one of the three calling conventions spec.md §4.5 names.
type Config struct {
	DoGitPull        bool
	DoDepSync        bool
	DoServiceRestart bool
	DoVerify         bool
	FullChecks       bool // run the pluggable full-mode-only VerifyChecks
	ForceDepSync     bool
	Verbose          bool
}

// Full is the human-invoked calling convention: every step, restarts
// the service in-process.
func Full() Config {
	return Config{DoGitPull: true, DoDepSync: true, DoServiceRestart: true, DoVerify: true, FullChecks: true, Verbose: true}
}

// Cron is the unattended calling convention: never restarts directly,
// sets restart-requested instead; skips the soft verification pass.
func Cron() Config {
	return Config{DoGitPull: true, DoDepSync: true, DoServiceRestart: false, DoVerify: false, FullChecks: false}
}

// VerifyOnly runs no mutating step, only the verification pass.
func VerifyOnly() Config {
	return Config{DoGitPull: false, DoDepSync: false, DoServiceRestart: false, DoVerify: true, FullChecks: true, Verbose: true}
}

// ToolCheck is the outcome of checking one required external tool.
type ToolCheck struct {
	Name      string
	Available bool
}

// VersionInfo compares an installed critical-dependency version to its
// pin.
type VersionInfo struct {
	Package   string
	Installed string
	Expected  string
	Matches   bool
}

// VerifyOutcome is the outcome of one soft verification check.
type VerifyOutcome struct {
	Name   string
	OK     bool
	Detail string
}

// UpgradePending is the parsed content of the upgrade-pending flag.
type UpgradePending struct {
	Pending   bool
	Reason    string
	Timestamp time.Time
}

// Result is the full outcome of one Run.
type Result struct {
	Success bool

	Git              *gitutil.PullResult
	UpgradePending   UpgradePending
	DepSync          *DepSyncResult
	Versions         []VersionInfo
	ToolChecks       []ToolCheck
	Verification     []VerifyOutcome
	ServiceRunning   bool
	ServicePID       int
	RestartRequested bool

	Errors   []string
	Warnings []string
}

// Orchestrator runs the update pipeline against one supervised repo.
type Orchestrator struct {
	spec    Spec
	repo    *gitutil.Repo
	service ServiceController
	checks  []VerifyCheck
	sync    *depSyncer
	log     *zap.Logger
}

// New builds an Orchestrator. checks are the pluggable full-mode
// verification checks (spec.md §4.5's "calendar/model" checks,
// generalized — see internal/update doc comment).
func New(spec Spec, repo *gitutil.Repo, service ServiceController, checks []VerifyCheck, log *zap.Logger) *Orchestrator {
	if len(spec.DepFiles) == 0 {
		spec.DepFiles = []string{"pyproject.toml", "uv.lock", "requirements.txt"}
	}
	return &Orchestrator{
		spec:    spec,
		repo:    repo,
		service: service,
		checks:  checks,
		sync:    newDepSyncer(spec, log),
		log:     log,
	}
}

// Run executes the pipeline for cfg, in spec.md §4.5's fixed step
// order: pull → pending-upgrade check → dep-sync decision (+ version
// verification) → full-mode soft checks → restart/restart-request.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	res.Success = true

	if cfg.DoGitPull {
		pull, err := o.repo.PullFF(ctx)
		if err != nil {
			return res, fmt.Errorf("update.Run: git pull: %w", err)
		}
		res.Git = &pull
		if !pull.Success {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("git pull failed: %s", pull.Error))
			return res, nil
		}
		if pull.Stashed && !pull.StashRestored {
			res.Warnings = append(res.Warnings, "local changes stashed but failed to restore")
		}
	}

	pending, err := o.CheckUpgradePending()
	if err != nil {
		return res, fmt.Errorf("update.Run: check upgrade-pending: %w", err)
	}
	res.UpgradePending = pending
	if pending.Pending {
		res.Warnings = append(res.Warnings, fmt.Sprintf("critical upgrade pending since %s: %s", pending.Timestamp.Format(time.RFC3339), pending.Reason))
	}

	if cfg.DoDepSync {
		if err := o.runDepSync(ctx, cfg, &res); err != nil {
			return res, fmt.Errorf("update.Run: dep sync: %w", err)
		}
	}

	if cfg.FullChecks {
		for _, check := range o.checks {
			ok, detail := check.Check(ctx)
			res.Verification = append(res.Verification, VerifyOutcome{Name: check.Name, OK: ok, Detail: detail})
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", check.Name, detail))
			}
		}
	}

	if cfg.DoServiceRestart {
		if o.service == nil {
			return res, fmt.Errorf("update.Run: service restart requested but no ServiceController configured")
		}
		if err := o.service.Restart(ctx); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("service restart: %v", err))
		}
		running, pid, statusErr := o.pollServiceRunning(ctx, 10*time.Second)
		res.ServiceRunning = running
		res.ServicePID = pid
		if statusErr != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("service status: %v", statusErr))
		}
		if !running {
			res.Warnings = append(res.Warnings, "service not running after restart")
		}
	} else if res.Git != nil && len(res.Git.Commits) > 0 {
		commitCount := len(res.Git.Commits)
		if err := o.setRestartRequested(commitCount); err != nil {
			return res, fmt.Errorf("update.Run: set restart-requested: %w", err)
		}
		res.RestartRequested = true
	}

	if cfg.DoVerify {
		for _, tool := range o.spec.RequiredTools {
			res.ToolChecks = append(res.ToolChecks, ToolCheck{Name: tool, Available: procutil.CommandExists(tool)})
		}
		for _, tc := range res.ToolChecks {
			if !tc.Available {
				res.Warnings = append(res.Warnings, fmt.Sprintf("required tool missing: %s", tc.Name))
			}
		}
	}

	if len(res.Errors) > 0 {
		res.Success = false
	}
	return res, nil
}

func (o *Orchestrator) pollServiceRunning(ctx context.Context, maxWait time.Duration) (bool, int, error) {
	deadline := time.Now().Add(maxWait)
	var lastErr error
	for {
		running, pid, err := o.service.Status(ctx)
		if err != nil {
			lastErr = err
		} else if running {
			return true, pid, nil
		}
		if time.Now().After(deadline) {
			return false, 0, lastErr
		}
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// runDepSync implements spec.md §4.5's "Dep sync decision": sync runs
// iff a dep file changed (or the caller forces it); if the diff
// touches a critical-dependency pin, sync is skipped and
// upgrade-pending is set instead — unless cfg.FullChecks (a full,
// human-invoked run), in which case the critical change is applied
// deliberately and the flag is cleared on success.
func (o *Orchestrator) runDepSync(ctx context.Context, cfg Config, res *Result) error {
	shouldSync := cfg.ForceDepSync
	var criticalChanged []string

	if res.Git != nil && len(res.Git.Commits) > 0 {
		changed, err := o.repo.ChangedPaths(ctx, res.Git.Before, res.Git.After)
		if err != nil {
			return err
		}
		if depFilesChanged(changed, o.spec.DepFiles) {
			criticalChanged, err = o.criticalDepChanges(ctx, res.Git.Before, res.Git.After)
			if err != nil {
				return err
			}
			if len(criticalChanged) > 0 && !cfg.FullChecks {
				if err := o.setUpgradePending("critical-dep-upgrade"); err != nil {
					return err
				}
				res.UpgradePending = UpgradePending{Pending: true, Reason: "critical-dep-upgrade", Timestamp: time.Now()}
				res.Warnings = append(res.Warnings, fmt.Sprintf("critical dependency changes detected (%s); skipping auto-sync", strings.Join(criticalChanged, ", ")))
			} else {
				shouldSync = true
			}
		}
	}

	if !shouldSync {
		return nil
	}

	syncResult := o.sync.Sync(ctx)
	res.DepSync = &syncResult
	if !syncResult.Success {
		res.Warnings = append(res.Warnings, fmt.Sprintf("dependency sync failed: %s", syncResult.Error))
	} else if len(criticalChanged) > 0 && cfg.FullChecks {
		if err := o.ClearUpgradePending(); err != nil {
			return err
		}
		res.UpgradePending = UpgradePending{}
	}

	res.Versions = o.verifyCriticalVersions(ctx)
	for _, vi := range res.Versions {
		if !vi.Matches {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s version mismatch: installed %q, pinned %q", vi.Package, vi.Installed, vi.Expected))
		}
	}
	return nil
}

func depFilesChanged(changed, depFiles []string) bool {
	set := make(map[string]struct{}, len(depFiles))
	for _, f := range depFiles {
		set[f] = struct{}{}
	}
	for _, c := range changed {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// criticalDepChanges scans the pin file's diff for added/removed lines
// mentioning a whitelisted critical dependency.
func (o *Orchestrator) criticalDepChanges(ctx context.Context, before, after string) ([]string, error) {
	if o.spec.PinFile == "" || len(o.spec.CriticalDeps) == 0 {
		return nil, nil
	}
	diff, err := o.repo.Diff(ctx, before, after, o.spec.PinFile)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var changed []string
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "-") {
			continue
		}
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		for _, dep := range o.spec.CriticalDeps {
			if strings.Contains(line, dep) {
				if _, ok := seen[dep]; !ok {
					seen[dep] = struct{}{}
					changed = append(changed, dep)
				}
			}
		}
	}
	return changed, nil
}

func (o *Orchestrator) verifyCriticalVersions(ctx context.Context) []VersionInfo {
	var out []VersionInfo
	for _, dep := range o.spec.CriticalDeps {
		installed := ""
		if o.spec.VersionProbe != nil {
			installed = o.spec.VersionProbe(ctx, dep)
		}
		expected := o.pinnedVersion(dep)

		matches := true
		if installed != "" && expected != "" {
			matches = installed == expected
		} else if expected != "" && installed == "" {
			matches = false
		}
		out = append(out, VersionInfo{Package: dep, Installed: installed, Expected: expected, Matches: matches})
	}
	return out
}

// pinnedVersion extracts a "dep==X.Y.Z"-style pin from the pin file.
// Intentionally simple, matching scripts/update/deps.py's own
// get_pinned_version: a line-scan, not a TOML parser.
func (o *Orchestrator) pinnedVersion(dep string) string {
	if o.spec.PinFile == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(o.spec.ProjectDir, o.spec.PinFile))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, dep) || !strings.Contains(line, "==") {
			continue
		}
		parts := strings.SplitN(line, "==", 2)
		if len(parts) != 2 {
			continue
		}
		version := strings.TrimSpace(parts[1])
		version = strings.Trim(version, `",`)
		return version
	}
	return ""
}

// CheckUpgradePending reads the upgrade-pending flag.
func (o *Orchestrator) CheckUpgradePending() (UpgradePending, error) {
	data, ok, err := procutil.ReadSentinel(o.spec.UpgradePendingFlagPath)
	if err != nil {
		return UpgradePending{}, err
	}
	if !ok {
		return UpgradePending{}, nil
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), " ", 2)
	up := UpgradePending{Pending: true}
	if len(parts) > 0 {
		if ts, parseErr := time.Parse(time.RFC3339, parts[0]); parseErr == nil {
			up.Timestamp = ts
		}
	}
	if len(parts) > 1 {
		up.Reason = parts[1]
	}
	return up, nil
}

func (o *Orchestrator) setUpgradePending(reason string) error {
	contents := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), reason)
	return procutil.WriteSentinel(o.spec.UpgradePendingFlagPath, []byte(contents))
}

// ClearUpgradePending removes the upgrade-pending flag. Spec.md §4.5:
// cleared only by a successful full-mode update that actually applied
// the critical change.
func (o *Orchestrator) ClearUpgradePending() error {
	return procutil.RemoveSentinel(o.spec.UpgradePendingFlagPath)
}

func (o *Orchestrator) setRestartRequested(commitCount int) error {
	contents := fmt.Sprintf("%s %d", time.Now().UTC().Format(time.RFC3339), commitCount)
	return procutil.WriteSentinel(o.spec.RestartRequestedFlagPath, []byte(contents))
}
