// Package gitutil — gitutil_test.go
//
// Test coverage:
//   - HeadShortSHA() on a fresh repo
//   - PullFF() idempotence with no remote changes (before == after, no commits)
//   - PullFF() stash round-trip on a dirty working tree
//   - ChangedPaths() between two commits

package gitutil_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/octoreflex/watchdog/internal/gitutil"
)

func mustRun(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

func newBareRepoPair(t *testing.T) (local, remote string) {
	t.Helper()
	remote = t.TempDir()
	mustRun(t, remote, "git", "init", "--bare", "-q")

	local = t.TempDir()
	mustRun(t, local, "git", "init", "-q")
	mustRun(t, local, "git", "remote", "add", "origin", remote)
	if err := os.WriteFile(filepath.Join(local, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, local, "git", "add", "a.txt")
	mustRun(t, local, "git", "commit", "-q", "-m", "initial")
	mustRun(t, local, "git", "push", "-q", "-u", "origin", "HEAD:main")
	return local, remote
}

func TestHeadShortSHA(t *testing.T) {
	local, _ := newBareRepoPair(t)
	repo := gitutil.New(local)

	sha, age, err := repo.HeadShortSHA(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sha) != 8 {
		t.Fatalf("sha = %q, want 8 chars", sha)
	}
	if age < 0 {
		t.Fatalf("age = %v, want >= 0", age)
	}
}

func TestPullFF_NoRemoteChanges_Idempotent(t *testing.T) {
	local, _ := newBareRepoPair(t)
	repo := gitutil.New(local)

	r1, err := repo.PullFF(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r2, err := repo.PullFF(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !r1.Success || !r2.Success {
		t.Fatalf("both pulls should succeed: r1=%+v r2=%+v", r1, r2)
	}
	if r1.Before != r2.Before || r1.After != r2.After {
		t.Fatalf("SHAs should be stable across no-op pulls: r1=%+v r2=%+v", r1, r2)
	}
	if len(r1.Commits) != 0 || len(r2.Commits) != 0 {
		t.Fatalf("no remote activity should yield no commits: r1=%v r2=%v", r1.Commits, r2.Commits)
	}
}

func TestPullFF_StashRoundTrip(t *testing.T) {
	local, _ := newBareRepoPair(t)
	repo := gitutil.New(local)

	// Dirty the working tree.
	if err := os.WriteFile(filepath.Join(local, "a.txt"), []byte("dirty-change"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := repo.PullFF(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stashed {
		t.Fatalf("dirty tree should have been stashed: %+v", res)
	}
	if !res.StashRestored {
		t.Fatalf("stash should have been restored: %+v", res)
	}

	got, err := os.ReadFile(filepath.Join(local, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "dirty-change" {
		t.Fatalf("working tree content = %q, want the dirty change restored", got)
	}
}

func TestChangedPaths(t *testing.T) {
	local, _ := newBareRepoPair(t)
	repo := gitutil.New(local)

	before, _, err := repo.HeadShortSHA(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(local, "b.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, local, "git", "add", "b.txt")
	mustRun(t, local, "git", "commit", "-q", "-m", "second")

	after, _, err := repo.HeadShortSHA(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	paths, err := repo.ChangedPaths(context.Background(), before, after)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "b.txt" {
		t.Fatalf("changed paths = %v, want [b.txt]", paths)
	}
}
