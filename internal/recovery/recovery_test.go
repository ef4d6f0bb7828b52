// Package recovery — recovery_test.go
//
// Test coverage:
//   - level 1 restart success/failure via the post-restart probe
//   - lock protocol: busy refusal, stale reclaim
//   - budget gating defers a level instead of running it
//   - level 4 gating on the auto-revert-enabled flag
//   - level 4 revert-then-fallthrough with a real git repo
//   - level 5 always reports handed-to-human and never succeeds

package recovery_test

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
)

type fakeServiceManager struct {
	restartErr error
	restarts   int
}

func (f *fakeServiceManager) Restart(_ context.Context, _ string) error {
	f.restarts++
	return f.restartErr
}

func (f *fakeServiceManager) Installed(_ context.Context, _ string) (bool, error) {
	return true, nil
}

type fakeAlertChannel struct {
	notifications []string
}

func (f *fakeAlertChannel) Notify(_ context.Context, level int, message string) error {
	f.notifications = append(f.notifications, message)
	_ = level
	return nil
}

func newEscalator(t *testing.T, svcMgr *fakeServiceManager, alert *fakeAlertChannel, cmdSubstring string, opts ...recovery.Option) (*recovery.Escalator, string, string) {
	t.Helper()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "recovery-in-progress")
	autoRevertFlag := filepath.Join(dir, "auto-revert-enabled")

	clog := crashlog.New(filepath.Join(dir, "crash_history.jsonl"))
	budget := recoverybudget.New(100, time.Hour)
	t.Cleanup(budget.Close)

	spec := recovery.ServiceSpec{
		Name:             "svc",
		CmdSubstring:     cmdSubstring,
		DataDir:          dir,
		LockFilePatterns: []string{"*.lock"},
	}

	e := recovery.New(spec, svcMgr, gitutil.New(dir), clog, budget, alert, lockPath, autoRevertFlag, zap.NewNop(), opts...)
	return e, lockPath, autoRevertFlag
}

func TestEscalate_Level1_Success(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	// ".test" matches the running go test binary's own /proc cmdline,
	// so the post-restart probe always finds a live match.
	e, _, _ := newEscalator(t, svcMgr, alert, ".test")

	out, err := e.Escalate(context.Background(), 1, []string{"unresponsive"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Level != 1 {
		t.Fatalf("out = %+v, want level 1 success", out)
	}
	if svcMgr.restarts != 1 {
		t.Fatalf("restarts = %d, want 1", svcMgr.restarts)
	}
}

func TestEscalate_Level1_Failure(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, _, _ := newEscalator(t, svcMgr, alert, "zz-no-such-process-zz",
		recovery.WithRestartProbe(20*time.Millisecond, 5*time.Millisecond))

	out, err := e.Escalate(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("expected probe to fail for a process that never exists")
	}
}

func TestEscalate_LockBusy(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, lockPath, _ := newEscalator(t, svcMgr, alert, ".test")

	lock := recovery.Lock{Level: 1, Started: time.Now().UTC(), Issues: []string{"prior"}}
	buf, _ := json.Marshal(lock)
	if err := os.WriteFile(lockPath, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := e.Escalate(context.Background(), 1, nil)
	if err != recovery.ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestEscalate_LockStaleReclaimed(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, lockPath, _ := newEscalator(t, svcMgr, alert, ".test", recovery.WithLockTTL(10*time.Millisecond))

	lock := recovery.Lock{Level: 1, Started: time.Now().Add(-time.Hour), Issues: []string{"ancient"}}
	buf, _ := json.Marshal(lock)
	if err := os.WriteFile(lockPath, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := e.Escalate(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("stale lock should have been reclaimed, got err: %v", err)
	}
	if !out.Success {
		t.Fatalf("out = %+v, want success after reclaiming stale lock", out)
	}
	if _, statErr := os.Stat(lockPath); !os.IsNotExist(statErr) {
		t.Fatal("lock file should be removed after a completed escalation")
	}
}

func TestEscalate_BudgetExhausted(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}

	// A low-capacity bucket drained below level 1's cost, constructed
	// directly so the test controls exactly how much budget remains.
	dir := t.TempDir()
	clog := crashlog.New(filepath.Join(dir, "crash_history.jsonl"))
	budget := recoverybudget.New(1, time.Hour)
	t.Cleanup(budget.Close)
	budget.Consume(1)

	spec := recovery.ServiceSpec{Name: "svc", CmdSubstring: ".test", DataDir: dir}
	e := recovery.New(spec, svcMgr, gitutil.New(dir), clog, budget, alert,
		filepath.Join(dir, "recovery-in-progress"), filepath.Join(dir, "auto-revert-enabled"), zap.NewNop())

	out, err := e.Escalate(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("expected budget exhaustion to defer the escalation, not run it")
	}
	if svcMgr.restarts != 0 {
		t.Fatalf("restarts = %d, want 0 (budget should have blocked the attempt)", svcMgr.restarts)
	}
}

func TestEscalate_Level4_NoAutoRevertFlag_EscalatesToLevel5(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, _, _ := newEscalator(t, svcMgr, alert, ".test")

	out, err := e.Escalate(context.Background(), 4, []string{"pattern detected"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Level != 5 || !out.HandedToHuman {
		t.Fatalf("out = %+v, want level 5 handed to human", out)
	}
	if len(alert.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(alert.notifications))
	}
}

func TestEscalate_Level4_WithAutoRevertFlag_Reverts(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, _, autoRevertFlag := newEscalator(t, svcMgr, alert, ".test")

	dir := filepath.Dir(autoRevertFlag)
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-q", "-m", "second")

	if err := os.WriteFile(autoRevertFlag, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := e.Escalate(context.Background(), 4, []string{"pattern detected"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Level != 4 || !out.Success {
		t.Fatalf("out = %+v, want level 4 success", out)
	}
	if len(alert.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1 (revert notice)", len(alert.notifications))
	}

	repo := gitutil.New(dir)
	dirty, err := repo.IsDirty(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Fatal("working tree should be clean after a revert commit")
	}
}

func TestEscalate_Level5_AlwaysHandsToHuman(t *testing.T) {
	svcMgr := &fakeServiceManager{}
	alert := &fakeAlertChannel{}
	e, _, _ := newEscalator(t, svcMgr, alert, ".test")

	out, err := e.Escalate(context.Background(), 5, []string{"exhausted"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("level 5 must never report success")
	}
	if !out.HandedToHuman {
		t.Fatal("level 5 must always hand off to a human")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}
