// Package main — cmd/update/main.go
//
// update entrypoint (spec.md §4.5/§6.1): drives the Update Orchestrator
// through one of its three calling conventions.
//
//	--full    human-invoked: pull, dep-sync, full soft checks, in-process restart
//	--cron    unattended: pull, dep-sync, sets restart-requested instead of restarting
//	--verify  verification pass only, no mutating step
//
// Exactly one of --full/--cron/--verify must be given. --json prints
// the Result as JSON (for cron/alerting consumers); otherwise a short
// human-readable summary is printed. --quiet suppresses the summary on
// success, printing only on warnings/failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/config"
	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/metrics"
	"github.com/octoreflex/watchdog/internal/svcmanager"
	"github.com/octoreflex/watchdog/internal/update"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and returns its exit code. Kept separate from
// main so every deferred cleanup (logger flush, metrics textfile
// write) runs before process exit — os.Exit does not run deferred
// functions.
func run() int {
	configPath := flag.String("config", "/etc/watchdog/config.yaml", "Path to config.yaml")
	full := flag.Bool("full", false, "Run the full human-invoked pipeline (pull, dep-sync, checks, restart)")
	cron := flag.Bool("cron", false, "Run the unattended pipeline (pull, dep-sync, sets restart-requested)")
	verify := flag.Bool("verify", false, "Run the verification pass only, no mutating step")
	asJSON := flag.Bool("json", false, "Print the result as JSON")
	quiet := flag.Bool("quiet", false, "Suppress the human-readable summary on success")
	flag.Parse()

	modeCount := 0
	for _, b := range []bool{*full, *cron, *verify} {
		if b {
			modeCount++
		}
	}
	if modeCount != 1 {
		fmt.Fprintln(os.Stderr, "usage: update --full | --cron | --verify [--json] [--quiet] [--config path]")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 2
	}

	logCfg := zap.NewProductionConfig()
	if *asJSON || *quiet {
		logCfg.OutputPaths = []string{"stderr"}
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 2
	}
	defer log.Sync() //nolint:errcheck

	orch, runCfg := buildOrchestrator(cfg, log, *full, *cron)
	mode := modeName(*full, *cron)

	m := metrics.New()
	textfilePath := filepath.Join(cfg.Storage.DataDir, "update_metrics.prom")
	defer func() {
		if err := m.WriteTextfile(textfilePath); err != nil {
			log.Warn("failed to write update metrics textfile", zap.Error(err), zap.String("path", textfilePath))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Update.SyncTimeoutSeconds)*time.Second)
	defer cancel()

	result, err := orch.Run(ctx, runCfg)
	if err != nil {
		m.RecordUpdateRun(mode, false)
		log.Error("update run failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "update failed: %v\n", err)
		return 1
	}
	m.RecordUpdateRun(mode, result.Success)

	return report(result, *asJSON, *quiet)
}

// modeName reports the run mode label used for the RecordUpdateRun metric.
func modeName(full, cron bool) string {
	switch {
	case full:
		return "full"
	case cron:
		return "cron"
	default:
		return "verify"
	}
}

func buildOrchestrator(cfg *config.Config, log *zap.Logger, full, cron bool) (*update.Orchestrator, update.Config) {
	repo := gitutil.New(cfg.Service.RepoPath)
	svc := svcmanager.NewSystemd(log)
	bound := svc.Bind(cfg.Service.Name)

	spec := update.Spec{
		ProjectDir:   cfg.Service.RepoPath,
		PinFile:      cfg.Update.PyprojectPath,
		CriticalDeps: cfg.Update.CriticalDeps,
		PreferredManager: update.ManagerSpec{
			Name:     "uv",
			Command:  "uv",
			SyncArgs: []string{"sync", "--frozen"},
		},
		FallbackManager: update.ManagerSpec{
			Name:     "pip",
			Command:  "pip",
			SyncArgs: []string{"install", "-r", "requirements.txt"},
		},
		RequiredTools:            []string{"git", "uv"},
		UpgradePendingFlagPath:   filepath.Join(cfg.Storage.DataDir, "upgrade-pending"),
		RestartRequestedFlagPath: filepath.Join(cfg.Storage.DataDir, "restart-requested"),
	}

	checks := []update.VerifyCheck{
		{
			Name: "service-running",
			Check: func(ctx context.Context) (bool, string) {
				running, pid, err := bound.Status(ctx)
				if err != nil {
					return false, err.Error()
				}
				if !running {
					return false, "service not running"
				}
				return true, fmt.Sprintf("pid %d", pid)
			},
		},
	}

	orch := update.New(spec, repo, bound, checks, log)

	var runCfg update.Config
	switch {
	case full:
		runCfg = update.Full()
	case cron:
		runCfg = update.Cron()
	default:
		runCfg = update.VerifyOnly()
	}
	return orch, runCfg
}

// report prints result per asJSON/quiet and returns the process exit
// code: 0 success with no warnings, 1 warnings or failure.
func report(result update.Result, asJSON, quiet bool) int {
	if asJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else if !quiet || !result.Success || len(result.Warnings) > 0 {
		printSummary(result)
	}

	if !result.Success {
		return 1
	}
	if len(result.Warnings) > 0 {
		return 1
	}
	return 0
}

func printSummary(r update.Result) {
	status := "OK"
	if !r.Success {
		status = "FAILED"
	}
	fmt.Printf("update: %s\n", status)

	if r.Git != nil {
		fmt.Printf("  git: %d commit(s) pulled\n", len(r.Git.Commits))
	}
	if r.DepSync != nil {
		fmt.Printf("  dep sync: method=%s success=%v\n", r.DepSync.Method, r.DepSync.Success)
	}
	if r.UpgradePending.Pending {
		fmt.Printf("  upgrade pending since %s: %s\n", r.UpgradePending.Timestamp.Format(time.RFC3339), r.UpgradePending.Reason)
	}
	if r.RestartRequested {
		fmt.Println("  restart requested (unattended mode)")
	}
	if r.ServicePID != 0 {
		fmt.Printf("  service: running=%v pid=%d\n", r.ServiceRunning, r.ServicePID)
	}
	for _, v := range r.Verification {
		mark := "ok"
		if !v.OK {
			mark = "WARN"
		}
		fmt.Printf("  check %-20s [%s] %s\n", v.Name, mark, v.Detail)
	}
	for _, tc := range r.ToolChecks {
		if !tc.Available {
			fmt.Printf("  tool missing: %s\n", tc.Name)
		}
	}
	for _, w := range r.Warnings {
		fmt.Printf("  WARNING: %s\n", w)
	}
	for _, e := range r.Errors {
		fmt.Printf("  ERROR: %s\n", e)
	}
}
