// Package config — config.go
//
// Configuration loading, validation, and hot-reload for the watchdog
// subsystem.
//
// Configuration file: /etc/watchdog/config.yaml (default).
// Schema version: 1.
//
// Hot-reload:
//   - The process listens for SIGHUP and, supplementally, watches the
//     config file itself with fsnotify so editors that write-then-rename
//     (rather than write-in-place) still trigger a reload.
//   - On either trigger: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (intervals, thresholds, log
//     level). Destructive changes (data directory, operator socket path,
//     metrics bind address) require a restart and are logged at Warn if
//     changed in a reloaded file, then ignored.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (intervals, thresholds > 0).
//   - storage.data_dir must be an absolute path; other paths are not
//     checked.
//   - Invalid config on startup: the process refuses to start (fatal).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDataDir is the default root for all persisted state (spec.md
// §6.2's data/ directory).
const DefaultDataDir = "/var/lib/watchdog"

// Config is the root configuration structure for the watchdog subsystem.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this watchdog instance in logs and alerts.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Service       ServiceConfig       `yaml:"service"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Update        UpdateConfig        `yaml:"update"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Storage       StorageConfig       `yaml:"storage"`
	Alert         AlertConfig         `yaml:"alert"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// ServiceConfig identifies and locates the supervised process (spec.md
// §6.3's "supervised service process" contract).
type ServiceConfig struct {
	// Name is the OS-level service manager unit name.
	Name string `yaml:"name"`

	// CmdSubstring identifies the process by command-line substring.
	CmdSubstring string `yaml:"cmd_substring"`

	// LogPath is the service's log file, used for staleness checks.
	LogPath string `yaml:"log_path"`

	// RepoPath is the supervised repository's working tree.
	RepoPath string `yaml:"repo_path"`

	// LockFilePatterns are sidecar lock-file globs cleared at recovery
	// level 3, relative to Storage.DataDir.
	LockFilePatterns []string `yaml:"lock_file_patterns"`
}

// WatchdogConfig holds the Health Watchdog's tick and threshold
// parameters (spec.md §4.4, §6.4).
type WatchdogConfig struct {
	// IntervalSeconds is the tick period in --loop mode. Default: 60.
	// Overridable by WATCHDOG_INTERVAL_SECONDS.
	IntervalSeconds int `yaml:"interval_seconds"`

	// LogStalenessThresholdSeconds flags stale logs past this age.
	// Default: 300. Overridable by LOG_STALENESS_THRESHOLD_SECONDS.
	LogStalenessThresholdSeconds int `yaml:"log_staleness_threshold_seconds"`

	// CrashWindowSeconds is the sliding window DetectPattern scans.
	// Default: 1800. Overridable by CRASH_WINDOW_SECONDS.
	CrashWindowSeconds int `yaml:"crash_window_seconds"`

	// CrashCountThreshold is the crash count that triggers pattern
	// detection within CrashWindowSeconds. Default: 3. Overridable by
	// CRASH_COUNT_THRESHOLD.
	CrashCountThreshold int `yaml:"crash_count_threshold"`

	// HeadMaxAgeSeconds bounds how recent HEAD must be for a detected
	// pattern to implicate it. Default: 3600.
	HeadMaxAgeSeconds int `yaml:"head_max_age_seconds"`

	// RecentCrashWindowSeconds/RecentCrashCritical gate the level-5
	// exhaustion check. Defaults: 1800 / 5.
	RecentCrashWindowSeconds int `yaml:"recent_crash_window_seconds"`
	RecentCrashCritical      int `yaml:"recent_crash_critical"`
}

// RecoveryConfig holds Recovery Escalator parameters (spec.md §3.3/§4.3).
type RecoveryConfig struct {
	// AutoRevertEnabled overrides the auto-revert-enabled flag file when
	// explicitly set via AUTO_REVERT_ENABLED. Nil means "consult the flag
	// file", matching spec.md §6.4's override semantics.
	AutoRevertEnabled *bool `yaml:"auto_revert_enabled,omitempty"`

	// LockTTLSeconds is the recovery lock staleness window. Default: 300.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`

	// RestartProbeWaitSeconds/RestartProbeStepSeconds bound the
	// post-restart liveness probe. Defaults: 10 / 1.
	RestartProbeWaitSeconds int `yaml:"restart_probe_wait_seconds"`
	RestartProbeStepSeconds int `yaml:"restart_probe_step_seconds"`

	// BudgetCapacity/BudgetRefillSeconds configure the token bucket
	// rate-limiting recovery attempts per level.
	BudgetCapacity      int `yaml:"budget_capacity"`
	BudgetRefillSeconds int `yaml:"budget_refill_seconds"`
}

// UpdateConfig holds Update Orchestrator parameters (spec.md §4.5).
type UpdateConfig struct {
	// CriticalDeps is the whitelist of pinned dependency names whose
	// version changes trigger the upgrade-pending interlock.
	CriticalDeps []string `yaml:"critical_deps"`

	// PyprojectPath is the path to the dependency manifest diffed for
	// critical-dep changes.
	PyprojectPath string `yaml:"pyproject_path"`

	// SyncTimeoutSeconds bounds a whole cmd/update run (its context
	// deadline). Default: 120.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds"`
}

// MaintenanceConfig holds Maintenance Controller parameters (spec.md
// §4.6).
type MaintenanceConfig struct {
	// EssentialServices/DegradableServices/StoppableServices are the
	// service tiers the Maintenance Controller degrades/stops on entry.
	EssentialServices  []string `yaml:"essential_services"`
	DegradableServices []string `yaml:"degradable_services"`
	StoppableServices  []string `yaml:"stoppable_services"`

	// ShutdownMaxWaitSeconds bounds the in-flight request drain.
	// Default: 30.
	ShutdownMaxWaitSeconds int `yaml:"shutdown_max_wait_seconds"`
}

// StorageConfig holds persisted-state paths (spec.md §6.2).
type StorageConfig struct {
	// DataDir is the root of all persisted state. Default:
	// /var/lib/watchdog.
	DataDir string `yaml:"data_dir"`

	// AuditDBPath is the bbolt audit trail path. Default:
	// <data_dir>/audit.db.
	AuditDBPath string `yaml:"audit_db_path"`

	// AuditRetentionDays is the audit trail pruning window. Default: 30.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// AlertConfig holds Alert Channel parameters (spec.md §6.3).
type AlertConfig struct {
	// GRPCAddr is the alert channel's gRPC server address. Empty means
	// "log-only fallback, no remote alert channel configured".
	GRPCAddr string `yaml:"grpc_addr"`

	// TLSCertFile/TLSKeyFile/TLSCAFile configure mTLS for the alert
	// channel gRPC client, mirroring internal/healthrpc's server config.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address. Default:
	// 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator
	// console. Default: /run/watchdog/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default:
	// true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	dataDir := DefaultDataDir
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Service: ServiceConfig{
			LockFilePatterns: []string{"*.lock", "*.wal"},
		},
		Watchdog: WatchdogConfig{
			IntervalSeconds:              60,
			LogStalenessThresholdSeconds: 300,
			CrashWindowSeconds:           1800,
			CrashCountThreshold:          3,
			HeadMaxAgeSeconds:            3600,
			RecentCrashWindowSeconds:     1800,
			RecentCrashCritical:          5,
		},
		Recovery: RecoveryConfig{
			LockTTLSeconds:          300,
			RestartProbeWaitSeconds: 10,
			RestartProbeStepSeconds: 1,
			BudgetCapacity:          10,
			BudgetRefillSeconds:     3600,
		},
		Update: UpdateConfig{
			PyprojectPath:      "pyproject.toml",
			SyncTimeoutSeconds: 120,
		},
		Maintenance: MaintenanceConfig{
			ShutdownMaxWaitSeconds: 30,
		},
		Storage: StorageConfig{
			DataDir:            dataDir,
			AuditDBPath:        filepath.Join(dataDir, "audit.db"),
			AuditRetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/watchdog/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path, merges
// spec.md §6.4's environment variable overrides on top, and validates
// the result. Returns the merged config.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies spec.md §6.4's five recognized environment
// variables. Unknown environment variables are ignored; a malformed
// recognized variable is ignored with the file/default value retained,
// since a typo'd override should not be fatal to startup.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("AUTO_REVERT_ENABLED"); ok {
		b := parseBoolLoose(v)
		cfg.Recovery.AutoRevertEnabled = &b
	}
	if v, ok := os.LookupEnv("WATCHDOG_INTERVAL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watchdog.IntervalSeconds = n
		}
	}
	if v, ok := os.LookupEnv("LOG_STALENESS_THRESHOLD_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watchdog.LogStalenessThresholdSeconds = n
		}
	}
	if v, ok := os.LookupEnv("CRASH_WINDOW_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watchdog.CrashWindowSeconds = n
		}
	}
	if v, ok := os.LookupEnv("CRASH_COUNT_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watchdog.CrashCountThreshold = n
		}
	}
}

func parseBoolLoose(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks all config fields for correctness, accumulating every
// violation into one descriptive error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Service.CmdSubstring == "" {
		errs = append(errs, "service.cmd_substring must not be empty")
	}
	if cfg.Service.Name == "" {
		errs = append(errs, "service.name must not be empty")
	}

	if cfg.Watchdog.IntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("watchdog.interval_seconds must be >= 1, got %d", cfg.Watchdog.IntervalSeconds))
	}
	if cfg.Watchdog.LogStalenessThresholdSeconds < 1 {
		errs = append(errs, "watchdog.log_staleness_threshold_seconds must be >= 1")
	}
	if cfg.Watchdog.CrashWindowSeconds < 1 {
		errs = append(errs, "watchdog.crash_window_seconds must be >= 1")
	}
	if cfg.Watchdog.CrashCountThreshold < 1 {
		errs = append(errs, "watchdog.crash_count_threshold must be >= 1")
	}
	if cfg.Watchdog.RecentCrashCritical < cfg.Watchdog.CrashCountThreshold {
		errs = append(errs, "watchdog.recent_crash_critical must be >= watchdog.crash_count_threshold")
	}

	if cfg.Recovery.LockTTLSeconds < 1 {
		errs = append(errs, "recovery.lock_ttl_seconds must be >= 1")
	}
	if cfg.Recovery.BudgetCapacity < 1 {
		errs = append(errs, fmt.Sprintf("recovery.budget_capacity must be >= 1, got %d", cfg.Recovery.BudgetCapacity))
	}
	if cfg.Recovery.BudgetRefillSeconds < 1 {
		errs = append(errs, "recovery.budget_refill_seconds must be >= 1")
	}

	if cfg.Maintenance.ShutdownMaxWaitSeconds < 1 {
		errs = append(errs, "maintenance.shutdown_max_wait_seconds must be >= 1")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DataDir) {
		errs = append(errs, fmt.Sprintf("storage.data_dir must be absolute, got %q", cfg.Storage.DataDir))
	}
	if cfg.Storage.AuditRetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.audit_retention_days must be >= 1, got %d", cfg.Storage.AuditRetentionDays))
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// destructiveFieldsChanged reports the subset of fields that require a
// restart rather than a hot-reload (data directory, socket paths, bind
// addresses — anything an already-open file handle or listener is
// keyed on).
func destructiveFieldsChanged(old, next *Config) []string {
	var changed []string
	if old.Storage.DataDir != next.Storage.DataDir {
		changed = append(changed, "storage.data_dir")
	}
	if old.Storage.AuditDBPath != next.Storage.AuditDBPath {
		changed = append(changed, "storage.audit_db_path")
	}
	if old.Operator.SocketPath != next.Operator.SocketPath {
		changed = append(changed, "operator.socket_path")
	}
	if old.Observability.MetricsAddr != next.Observability.MetricsAddr {
		changed = append(changed, "observability.metrics_addr")
	}
	return changed
}

// Reloader watches a config file for SIGHUP delivery and for on-disk
// writes (via fsnotify, so editors that write-then-rename still trigger
// a reload), re-loading and re-validating on each trigger. A failed
// reload logs and retains the previous config; destructive field
// changes are logged at Warn and ignored, matching the teacher's
// hot-reload contract.
type Reloader struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	current *Config

	onReload func(*Config)
}

// NewReloader constructs a Reloader seeded with an already-loaded
// config.
func NewReloader(path string, initial *Config, log *zap.Logger) *Reloader {
	return &Reloader{path: path, log: log, current: initial}
}

// Current returns the currently active config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback invoked with the new config after every
// successful reload. At most one callback is kept; later registrations
// replace earlier ones.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// Watch blocks, reloading on SIGHUP (delivered via sighup) and on
// fsnotify write/create/rename events for the config file's directory,
// until ctx is cancelled.
func (r *Reloader) Watch(ctx context.Context, sighup <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config.Reloader.Watch: fsnotify: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config.Reloader.Watch: watch %q: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sighup:
			r.log.Info("SIGHUP received, reloading config")
			r.reload()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.log.Info("config file change detected, reloading", zap.String("op", ev.Op.String()))
			r.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) reload() {
	next, err := Load(r.path)
	if err != nil {
		r.log.Error("config hot-reload failed, retaining previous config", zap.Error(err))
		return
	}

	r.mu.Lock()
	prev := r.current
	if changed := destructiveFieldsChanged(prev, next); len(changed) > 0 {
		r.log.Warn("config hot-reload: destructive fields changed and were ignored, restart required to apply them",
			zap.Strings("fields", changed))
		applyNonDestructive(prev, next)
	}
	r.current = next
	cb := r.onReload
	r.mu.Unlock()

	r.log.Info("config hot-reload successful",
		zap.Int("watchdog_interval_seconds", next.Watchdog.IntervalSeconds))
	if cb != nil {
		cb(next)
	}
}

// applyNonDestructive overwrites next's destructive fields with prev's,
// so a reloaded config that changed one of them keeps running against
// the original resource rather than silently drifting out of sync with
// the handles actually open.
func applyNonDestructive(prev, next *Config) {
	next.Storage.DataDir = prev.Storage.DataDir
	next.Storage.AuditDBPath = prev.Storage.AuditDBPath
	next.Operator.SocketPath = prev.Operator.SocketPath
	next.Observability.MetricsAddr = prev.Observability.MetricsAddr
}
