// Package procutil — procutil.go
//
// The watchdog's OS-touching primitives: subprocess invocation, process
// discovery, signal delivery, file-age checks, and atomic file writes.
// No other package in this module calls exec.Command; subprocesses are
// started only through Run. A few packages still touch the OS directly:
// crashlog appends to its log file, recovery removes sidecar lock files
// and creates its lock file, operatorapi removes a stale socket file,
// and maintenance and cmd/watchdog subscribe to signals with
// signal.Notify.
//
// All operations are synchronous and every subprocess call carries an
// explicit timeout; none can block forever.

package procutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrExecTimeout is returned by Run when the command exceeds its deadline.
var ErrExecTimeout = errors.New("procutil: command timed out")

// Result is the outcome of a Run invocation. Non-zero exit is not an
// error — callers inspect ExitCode themselves.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// RunOptions configures a Run call.
type RunOptions struct {
	Cwd     string
	Timeout time.Duration
	Input   string
}

// Run executes command with args, honoring Cwd/Timeout/Input from opts.
// It never returns an error for a non-zero exit — only for an inability
// to start the process, or ErrExecTimeout if the deadline is reached.
func Run(ctx context.Context, command string, args []string, opts RunOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{TimedOut: true, Stdout: stdout.String(), Stderr: stderr.String()}, ErrExecTimeout
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	return res, fmt.Errorf("procutil.Run: start %q: %w", command, err)
}

// CommandExists reports whether name resolves on PATH, without running it.
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// FindPIDsMatching returns the PIDs of processes whose command line
// contains pattern as a substring. Implemented by scanning /proc, so it
// is Linux-only; this mirrors the spec's portable-by-substring design
// choice over PID files, which go stale across crashes.
func FindPIDsMatching(pattern string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("procutil.FindPIDsMatching: read /proc: %w", err)
	}

	var pids []int
	for _, e := range entries {
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		cmdline, readErr := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if readErr != nil {
			continue // process exited between readdir and read, or permission denied
		}
		normalized := strings.ReplaceAll(string(cmdline), "\x00", " ")
		if strings.Contains(normalized, pattern) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Signal sends sig to pid. A missing process or a permission failure is
// treated as a no-op, per the spec's contract: the caller only cares
// that the process is no longer there afterwards, not why it left.
func Signal(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EPERM) {
		return nil
	}
	return fmt.Errorf("procutil.Signal(%d, %d): %w", pid, sig, err)
}

// FileAgeSeconds returns the age of path's last write, or +Inf if path
// does not exist.
func FileAgeSeconds(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return math.Inf(1)
	}
	return time.Since(info.ModTime()).Seconds()
}

// AtomicWrite writes data to path using a temp-file-then-rename, so
// concurrent readers never observe a partial write.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("procutil.AtomicWrite: create temp in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("procutil.AtomicWrite: write %q: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("procutil.AtomicWrite: chmod %q: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("procutil.AtomicWrite: close %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("procutil.AtomicWrite: rename %q -> %q: %w", tmpPath, path, err)
	}
	return nil
}
