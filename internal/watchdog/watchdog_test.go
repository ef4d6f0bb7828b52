// Package watchdog — watchdog_test.go
//
// Test coverage:
//   - Assess: healthy baseline, process-down, stale-logs, and
//     crash-flood recovery levels, matching spec.md §4.4's max()
//     formula
//   - Tick: skip-on-fresh-lock, healthy no-op, unhealthy escalates

package watchdog_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/crashlog"
	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/recovery"
	"github.com/octoreflex/watchdog/internal/recoverybudget"
	"github.com/octoreflex/watchdog/internal/watchdog"
)

type noopServiceManager struct{ restarts int }

func (n *noopServiceManager) Restart(_ context.Context, _ string) error {
	n.restarts++
	return nil
}
func (n *noopServiceManager) Installed(_ context.Context, _ string) (bool, error) { return true, nil }

type noopAlertChannel struct{ notified int }

func (n *noopAlertChannel) Notify(_ context.Context, _ int, _ string) error {
	n.notified++
	return nil
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestWatchdog(t *testing.T, cmdSubstring, logPath string) (*watchdog.Watchdog, *crashlog.Log, string) {
	t.Helper()
	dir := newTestRepo(t)
	lockPath := filepath.Join(dir, "recovery-in-progress")
	autoRevertFlag := filepath.Join(dir, "auto-revert-enabled")

	clog := crashlog.New(filepath.Join(dir, "crash_history.jsonl"))
	budget := recoverybudget.New(100, time.Hour)
	t.Cleanup(budget.Close)

	repo := gitutil.New(dir)
	esc := recovery.New(
		recovery.ServiceSpec{Name: "svc", CmdSubstring: cmdSubstring, DataDir: dir},
		&noopServiceManager{}, repo, clog, budget, &noopAlertChannel{},
		lockPath, autoRevertFlag, zap.NewNop(),
		recovery.WithRestartProbe(10*time.Millisecond, 2*time.Millisecond),
	)

	w := watchdog.New(cmdSubstring, logPath, repo, clog, esc, lockPath, autoRevertFlag, watchdog.DefaultThresholds, zap.NewNop())
	return w, clog, lockPath
}

func TestAssess_HealthyBaseline(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(logPath, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, _, _ := newTestWatchdog(t, ".test", logPath)

	a, err := w.Assess(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !a.Healthy || a.RecoveryLevel != 0 {
		t.Fatalf("assessment = %+v, want healthy/level 0", a)
	}
	if !a.ProcessRunning || !a.LogsFresh {
		t.Fatalf("assessment = %+v, want process running and logs fresh", a)
	}
}

func TestAssess_ProcessNotRunning_Level1(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	w, _, _ := newTestWatchdog(t, "zz-no-such-process-zz", logPath)

	a, err := w.Assess(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Healthy || a.RecoveryLevel != 1 {
		t.Fatalf("assessment = %+v, want unhealthy level 1", a)
	}
}

func TestAssess_StaleLogs_Level2(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(logPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(logPath, stale, stale); err != nil {
		t.Fatal(err)
	}
	w, _, _ := newTestWatchdog(t, ".test", logPath)

	a, err := w.Assess(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Healthy || a.RecoveryLevel != 2 {
		t.Fatalf("assessment = %+v, want unhealthy level 2", a)
	}
}

func TestAssess_CrashFlood_Level5(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(logPath, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, clog, _ := newTestWatchdog(t, ".test", logPath)

	for i := 0; i < 5; i++ {
		if err := clog.LogCrash("aaaaaaaa", 10, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	a, err := w.Assess(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Healthy || a.RecoveryLevel != 5 {
		t.Fatalf("assessment = %+v, want unhealthy level 5", a)
	}
}

func TestTick_SkipsOnFreshLock(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	w, _, lockPath := newTestWatchdog(t, "zz-no-such-process-zz", logPath)

	lock := recovery.Lock{Level: 1, Started: time.Now().UTC(), Issues: []string{"in progress"}}
	buf, _ := json.Marshal(lock)
	if err := os.WriteFile(lockPath, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := w.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Skipped {
		t.Fatal("expected tick to be skipped while a fresh recovery lock is held")
	}
}

func TestTick_HealthyIsNoop(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(logPath, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, _, _ := newTestWatchdog(t, ".test", logPath)

	result, err := w.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped || result.Outcome != nil || !result.Assessment.Healthy {
		t.Fatalf("result = %+v, want a healthy no-op tick", result)
	}
}

func TestTick_UnhealthyEscalates(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "svc.log")
	w, _, _ := newTestWatchdog(t, "zz-no-such-process-zz", logPath)

	result, err := w.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped || result.Outcome == nil {
		t.Fatalf("result = %+v, want an escalation outcome", result)
	}
	if result.Outcome.Level != 1 {
		t.Fatalf("outcome level = %d, want 1", result.Outcome.Level)
	}
}
