// Package gitutil — gitutil.go
//
// Git primitives for the supervised repository, implemented entirely by
// wrapping the git CLI through internal/procutil.Run — no git library,
// matching the spec's CLI-level primitive contract (rev-parse, log,
// diff, status, stash, pull --ff-only, revert).
//
// Fast-forward-only is mandatory for PullFF: a non-FF divergence is
// surfaced as a failure, never silently merged. A merge commit created
// on a supervisor's host would diverge the repo from its remote and
// turn later pulls into conflicts.

package gitutil

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/octoreflex/watchdog/internal/procutil"
)

const defaultTimeout = 30 * time.Second

// Repo is a handle to a git working copy.
type Repo struct {
	Path string
}

// New returns a Repo rooted at path.
func New(path string) *Repo {
	return &Repo{Path: path}
}

func (r *Repo) run(ctx context.Context, args ...string) (procutil.Result, error) {
	return procutil.Run(ctx, "git", args, procutil.RunOptions{Cwd: r.Path, Timeout: defaultTimeout})
}

// HeadShortSHA returns the 8-hex-char HEAD SHA and its commit age in
// seconds. Returns ("unknown", +Inf-like large age) if the SHA cannot be
// determined — callers should treat that as "no pattern can be pinned
// to a commit", never as a fatal condition.
func (r *Repo) HeadShortSHA(ctx context.Context) (string, float64, error) {
	res, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", 0, fmt.Errorf("gitutil.HeadShortSHA: rev-parse: %w", err)
	}
	if res.ExitCode != 0 {
		return "unknown", math.MaxFloat64, nil
	}
	full := strings.TrimSpace(res.Stdout)
	sha := full
	if len(sha) > 8 {
		sha = sha[:8]
	}

	tres, err := r.run(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return sha, 0, fmt.Errorf("gitutil.HeadShortSHA: log: %w", err)
	}
	if tres.ExitCode != 0 {
		return sha, 0, nil
	}
	epoch, convErr := strconv.ParseInt(strings.TrimSpace(tres.Stdout), 10, 64)
	if convErr != nil {
		return sha, 0, nil
	}
	age := time.Since(time.Unix(epoch, 0)).Seconds()
	if age < 0 {
		age = 0
	}
	return sha, age, nil
}

// ChangedPaths returns the set of paths that differ between before and
// after (both commit-ish refs).
func (r *Repo) ChangedPaths(ctx context.Context, before, after string) ([]string, error) {
	res, err := r.run(ctx, "diff", "--name-only", before, after)
	if err != nil {
		return nil, fmt.Errorf("gitutil.ChangedPaths: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("gitutil.ChangedPaths: git diff exited %d: %s", res.ExitCode, res.Stderr)
	}
	return splitLines(res.Stdout), nil
}

// Diff returns the unified diff between before and after, scoped to
// scopedToPath if non-empty.
func (r *Repo) Diff(ctx context.Context, before, after, scopedToPath string) (string, error) {
	args := []string{"diff", before, after}
	if scopedToPath != "" {
		args = append(args, "--", scopedToPath)
	}
	res, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("gitutil.Diff: %w", err)
	}
	return res.Stdout, nil
}

// IsDirty reports whether the working tree has uncommitted changes.
func (r *Repo) IsDirty(ctx context.Context) (bool, error) {
	res, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("gitutil.IsDirty: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// PullResult is the outcome of a fast-forward-only pull.
type PullResult struct {
	Before        string
	After         string
	Commits       []string // one-line summaries, after..before order
	Stashed       bool
	StashRestored bool
	Success       bool
	Error         string
}

// PullFF performs the spec's git-pull algorithm: capture HEAD, stash if
// dirty, `git pull --ff-only`, collect the one-line commit summaries,
// and restore the stash before returning, whatever the outcome. A
// non-fast-forward divergence is reported as a failure, never merged or
// rebased.
func (r *Repo) PullFF(ctx context.Context) (out PullResult, err error) {
	before, _, err := r.HeadShortSHA(ctx)
	if err != nil {
		return out, fmt.Errorf("gitutil.PullFF: capture before: %w", err)
	}
	out.Before = before

	dirty, err := r.IsDirty(ctx)
	if err != nil {
		return out, fmt.Errorf("gitutil.PullFF: dirty check: %w", err)
	}
	if dirty {
		stashMsg := fmt.Sprintf("watchdog-pull-%d", time.Now().UnixNano())
		res, stashErr := r.run(ctx, "stash", "push", "-u", "-m", stashMsg)
		if stashErr != nil {
			return out, fmt.Errorf("gitutil.PullFF: stash push: %w", stashErr)
		}
		if res.ExitCode == 0 {
			out.Stashed = true
		}
	}

	// Always attempt to restore the stash, whatever pull does.
	defer func() {
		if out.Stashed {
			res, popErr := r.run(ctx, "stash", "pop")
			out.StashRestored = popErr == nil && res.ExitCode == 0
		}
	}()

	pullRes, pullErr := r.run(ctx, "pull", "--ff-only")
	if pullErr != nil {
		out.Error = pullErr.Error()
		return out, nil
	}
	if pullRes.ExitCode != 0 {
		out.Error = fmt.Sprintf("git pull --ff-only failed: %s", strings.TrimSpace(pullRes.Stderr))
		return out, nil
	}

	after, _, err := r.HeadShortSHA(ctx)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	out.After = after
	out.Success = true

	if before != after {
		logRes, logErr := r.run(ctx, "log", "--oneline", fmt.Sprintf("%s..%s", before, after))
		if logErr == nil && logRes.ExitCode == 0 {
			out.Commits = splitLines(logRes.Stdout)
		}
	}

	return out, nil
}

// Revert creates a revert commit for HEAD with --no-edit. Used only by
// the level-4 recovery strategy, gated on auto-revert-enabled.
func (r *Repo) Revert(ctx context.Context) error {
	res, err := r.run(ctx, "revert", "HEAD", "--no-edit")
	if err != nil {
		return fmt.Errorf("gitutil.Revert: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gitutil.Revert: git revert exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
