// Package config — config_test.go
//
// Test coverage:
//   - Defaults() passes Validate()
//   - Load() merges file values over defaults and validates the result
//   - Load() rejects missing files and accumulates validation errors
//   - applyEnvOverrides() honors spec.md §6.4's five recognized
//     variables and ignores unrecognized/malformed ones
//   - Reloader.Watch() reloads on SIGHUP and retains the previous config
//     on an invalid reload

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/octoreflex/watchdog/internal/config"
)

func TestDefaults_PassValidate(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.Name = "bridge"
	cfg.Service.CmdSubstring = "bridge.py"

	if err := config.Validate(&cfg); err != nil {
		t.Fatalf("defaults (with required service fields set) should validate: %v", err)
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
watchdog:
  interval_seconds: 45
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.IntervalSeconds != 45 {
		t.Fatalf("interval_seconds = %d, want 45 (from file)", cfg.Watchdog.IntervalSeconds)
	}
	if cfg.Watchdog.CrashCountThreshold != 3 {
		t.Fatalf("crash_count_threshold = %d, want 3 (default)", cfg.Watchdog.CrashCountThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_AccumulatesValidationErrors(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "2"
node_id: ""
watchdog:
  interval_seconds: 0
`)

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, want := range []string{"schema_version", "node_id", "watchdog.interval_seconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected the validation error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_RejectsRelativeDataDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.Name = "bridge"
	cfg.Service.CmdSubstring = "bridge.py"
	cfg.Storage.DataDir = "relative/path"

	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected a relative storage.data_dir to fail validation")
	}
}

func TestApplyEnvOverrides_HonorsRecognizedVariables(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
`)

	t.Setenv("WATCHDOG_INTERVAL_SECONDS", "15")
	t.Setenv("CRASH_COUNT_THRESHOLD", "4")
	t.Setenv("AUTO_REVERT_ENABLED", "true")
	t.Setenv("SOME_UNRELATED_VAR", "ignored")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.IntervalSeconds != 15 {
		t.Fatalf("interval_seconds = %d, want 15 (env override)", cfg.Watchdog.IntervalSeconds)
	}
	if cfg.Watchdog.CrashCountThreshold != 4 {
		t.Fatalf("crash_count_threshold = %d, want 4 (env override)", cfg.Watchdog.CrashCountThreshold)
	}
	if cfg.Recovery.AutoRevertEnabled == nil || !*cfg.Recovery.AutoRevertEnabled {
		t.Fatal("expected auto_revert_enabled override to be true")
	}
}

func TestApplyEnvOverrides_IgnoresMalformedValue(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
`)
	t.Setenv("WATCHDOG_INTERVAL_SECONDS", "not-a-number")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.IntervalSeconds != 60 {
		t.Fatalf("interval_seconds = %d, want 60 (default retained on malformed override)", cfg.Watchdog.IntervalSeconds)
	}
}

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.WarnLevel)
	return zap.New(core), logs
}

func TestReloader_ReloadsOnSIGHUP(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
watchdog:
  interval_seconds: 60
`)
	initial, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	log, _ := newTestLogger()
	r := config.NewReloader(path, initial, log)

	reloaded := make(chan *config.Config, 1)
	r.OnReload(func(c *config.Config) { reloaded <- c })

	sighup := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Watch(ctx, sighup) }()

	if err := os.WriteFile(path, []byte(`
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
watchdog:
  interval_seconds: 90
`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case sighup <- struct{}{}:
	case <-time.After(time.Second):
		t.Fatal("reloader did not accept SIGHUP signal")
	}

	select {
	case c := <-reloaded:
		if c.Watchdog.IntervalSeconds != 90 {
			t.Fatalf("reloaded interval_seconds = %d, want 90", c.Watchdog.IntervalSeconds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not invoked")
	}

	if r.Current().Watchdog.IntervalSeconds != 90 {
		t.Fatalf("Current().Watchdog.IntervalSeconds = %d, want 90", r.Current().Watchdog.IntervalSeconds)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}

func TestReloader_RetainsPreviousConfigOnInvalidReload(t *testing.T) {
	path := writeConfigFile(t, `
schema_version: "1"
node_id: "test-node"
service:
  name: bridge
  cmd_substring: bridge.py
watchdog:
  interval_seconds: 60
`)
	initial, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	log, _ := newTestLogger()
	r := config.NewReloader(path, initial, log)

	sighup := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Watch(ctx, sighup) }()

	if err := os.WriteFile(path, []byte(`
schema_version: "1"
node_id: ""
watchdog:
  interval_seconds: 60
`), 0o644); err != nil {
		t.Fatal(err)
	}

	sighup <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if r.Current().NodeID != "test-node" {
		t.Fatalf("expected previous config retained after invalid reload, got node_id=%q", r.Current().NodeID)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
