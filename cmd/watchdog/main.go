// Package main — cmd/watchdog/main.go
//
// watchdog entrypoint (spec.md §6.1).
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialize structured logger (zap, level/format from config).
//  3. Open the audit store, prune stale entries.
//  4. Construct the Crash Correlator, Git primitives, Recovery Budget,
//     Alert Channel, service manager, Recovery Escalator, and Health
//     Watchdog.
//  5. --once: run one tick, exit 0/1 per outcome.
//     --check-only: assess only, print JSON, exit 0/1, take no action.
//     --loop: start the metrics server, operator console, and
//     Maintenance Controller, register SIGHUP/fsnotify hot-reload, then
//     run the tick loop until a shutdown signal arrives.
//
// Shutdown sequence (on SIGINT/SIGTERM, --loop only):
//  1. Cancel the root context.
//  2. Wait (bounded) for in-flight requests tracked by
//     maintenance.ShutdownController; this process registers none, so
//     the wait ends at once.
//  3. Stop components in reverse registration order (watchdog loop,
//     metrics server, operator socket, audit store).
//  4. Flush logger, exit 0 (or 1 if any shutdown step failed).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/watchdog/internal/alertchannel"
	"github.com/octoreflex/watchdog/internal/auditstore"
	"github.com/octoreflex/watchdog/internal/config"
	"github.com/octoreflex/watchdog/internal/crashlog"
	"github.com/octoreflex/watchdog/internal/gitutil"
	"github.com/octoreflex/watchdog/internal/healthrpc"
	"github.com/octoreflex/watchdog/internal/maintenance"
	"github.com/octoreflex/watchdog/internal/metrics"
	"github.com/octoreflex/watchdog/internal/operatorapi"
	"github.com/octoreflex/watchdog/internal/procutil"
	"github.com/octoreflex/watchdog/internal/recovery"
	"github.com/octoreflex/watchdog/internal/recoverybudget"
	"github.com/octoreflex/watchdog/internal/svcmanager"
	"github.com/octoreflex/watchdog/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "/etc/watchdog/config.yaml", "Path to config.yaml")
	once := flag.Bool("once", false, "Run exactly one health check + recovery cycle, then exit")
	loop := flag.Bool("loop", false, "Run continuously at the configured interval")
	checkOnly := flag.Bool("check-only", false, "Assess and print, take no action")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("watchdog %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(2)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(2)
	}

	log.Info("watchdog starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath))

	d, err := buildDeps(cfg, log)
	if err != nil {
		log.Error("dependency wiring failed", zap.Error(err))
		log.Sync() //nolint:errcheck
		os.Exit(2)
	}

	var code int
	switch {
	case *checkOnly:
		code = runCheckOnly(d)
	case *once:
		code = runOnce(d)
	case *loop:
		code = runLoop(*configPath, cfg, d)
	default:
		fmt.Fprintln(os.Stderr, "usage: watchdog --once | --loop | --check-only [--config path]")
		code = 2
	}

	if !*loop {
		// runLoop closes the audit store itself as part of its ordered
		// shutdown sequence; the other modes close it here.
		d.audit.Close() //nolint:errcheck
	}
	log.Sync() //nolint:errcheck
	os.Exit(code)
}

// deps bundles everything wired once at startup and shared across
// modes.
type deps struct {
	repo      *gitutil.Repo
	crashLog  *crashlog.Log
	budget    *recoverybudget.Bucket
	alert     alertchannel.Channel
	svc       *svcmanager.Systemd
	escalator *recovery.Escalator
	wd        *watchdog.Watchdog
	audit     *auditstore.DB
	maint     *maintenance.Controller
	metrics   *metrics.Metrics
	log       *zap.Logger

	lockPath       string
	autoRevertFlag string
	upgradePending string
}

func buildDeps(cfg *config.Config, log *zap.Logger) (*deps, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", cfg.Storage.DataDir, err)
	}

	audit, err := auditstore.Open(cfg.Storage.AuditDBPath, cfg.Storage.AuditRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if pruned, err := audit.Prune(); err != nil {
		log.Warn("audit store pruning failed", zap.Error(err))
	} else {
		log.Info("audit store pruned", zap.Int("deleted", pruned))
	}

	lockPath := filepath.Join(cfg.Storage.DataDir, "recovery-in-progress")
	autoRevertFlag := filepath.Join(cfg.Storage.DataDir, "auto-revert-enabled")
	upgradePending := filepath.Join(cfg.Storage.DataDir, "upgrade-pending")

	if cfg.Recovery.AutoRevertEnabled != nil {
		if *cfg.Recovery.AutoRevertEnabled {
			if err := procutil.WriteSentinel(autoRevertFlag, []byte{}); err != nil {
				log.Warn("failed to apply AUTO_REVERT_ENABLED override", zap.Error(err))
			}
		} else if err := procutil.RemoveSentinel(autoRevertFlag); err != nil {
			log.Warn("failed to clear auto-revert flag for AUTO_REVERT_ENABLED override", zap.Error(err))
		}
	}

	repo := gitutil.New(cfg.Service.RepoPath)
	crashLog := crashlog.New(filepath.Join(cfg.Storage.DataDir, "crash_history.jsonl"))
	budget := recoverybudget.New(cfg.Recovery.BudgetCapacity, time.Duration(cfg.Recovery.BudgetRefillSeconds)*time.Second)
	alert := buildAlertChannel(cfg, log)
	svc := svcmanager.NewSystemd(log)

	escalator := recovery.New(
		recovery.ServiceSpec{
			Name:             cfg.Service.Name,
			CmdSubstring:     cfg.Service.CmdSubstring,
			DataDir:          cfg.Storage.DataDir,
			LockFilePatterns: cfg.Service.LockFilePatterns,
		},
		svc, repo, crashLog, budget, alert,
		lockPath, autoRevertFlag, log,
		recovery.WithLockTTL(time.Duration(cfg.Recovery.LockTTLSeconds)*time.Second),
		recovery.WithRestartProbe(
			time.Duration(cfg.Recovery.RestartProbeWaitSeconds)*time.Second,
			time.Duration(cfg.Recovery.RestartProbeStepSeconds)*time.Second,
		),
	)

	wd := watchdog.New(
		cfg.Service.CmdSubstring, cfg.Service.LogPath, repo, crashLog, escalator,
		lockPath, autoRevertFlag, watchdog.ThresholdsFromConfig(cfg.Watchdog), log,
	)

	m := metrics.New()

	maintFlag := filepath.Join(cfg.Storage.DataDir, "maintenance-active")
	maint := maintenance.NewController(
		maintenance.ServiceTier{
			Essential:  cfg.Maintenance.EssentialServices,
			Degradable: cfg.Maintenance.DegradableServices,
			Stoppable:  cfg.Maintenance.StoppableServices,
		},
		svc, audit, alert, maintFlag, log,
		maintenance.WithMetrics(m),
	)

	return &deps{
		repo: repo, crashLog: crashLog, budget: budget, alert: alert, svc: svc,
		escalator: escalator, wd: wd, audit: audit, maint: maint, metrics: m, log: log,
		lockPath: lockPath, autoRevertFlag: autoRevertFlag, upgradePending: upgradePending,
	}, nil
}

// buildAlertChannel wires a gRPC-backed alert channel when an endpoint
// is configured, falling back to logging the alert locally — spec.md
// §6.3's alert channel is opaque, and a watchdog with no remote sink
// configured should still degrade gracefully rather than fail to start.
func buildAlertChannel(cfg *config.Config, log *zap.Logger) alertchannel.Channel {
	if cfg.Alert.GRPCAddr == "" {
		return alertchannel.NewLogOnlyChannel(log)
	}

	tlsCfg, err := healthrpc.BuildClientTLS(cfg.Alert.TLSCertFile, cfg.Alert.TLSKeyFile, cfg.Alert.TLSCAFile, "")
	if err != nil {
		log.Warn("alert channel TLS setup failed, falling back to log-only", zap.Error(err))
		return alertchannel.NewLogOnlyChannel(log)
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := healthrpc.DialClient(dialCtx, cfg.Alert.GRPCAddr, healthrpc.TLSCredentials(tlsCfg))
	if err != nil {
		log.Warn("alert channel dial failed, falling back to log-only", zap.Error(err))
		return alertchannel.NewLogOnlyChannel(log)
	}
	return alertchannel.NewGRPCChannel(conn)
}

func runCheckOnly(d *deps) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	assessment, err := d.wd.Assess(ctx)
	if err != nil {
		d.log.Error("assessment failed", zap.Error(err))
		return 1
	}
	out, _ := json.MarshalIndent(assessment, "", "  ")
	fmt.Println(string(out))
	if assessment.Healthy {
		return 0
	}
	return 1
}

func runOnce(d *deps) int {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	result, err := d.wd.Tick(ctx)
	if err != nil {
		d.log.Error("tick failed", zap.Error(err))
		return 1
	}
	if result.Skipped {
		d.log.Info("tick skipped, recovery already in progress")
		return 0
	}
	if result.Assessment.Healthy {
		return 0
	}
	if result.Outcome != nil && result.Outcome.Success {
		return 0
	}
	return 1
}

func runLoop(configPath string, cfg *config.Config, d *deps) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := d.metrics
	go func() {
		if err := m.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			d.log.Error("metrics server error", zap.Error(err))
		}
	}()
	d.log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	var stateMu sync.Mutex
	var lastHealthy bool
	var lastTickAt time.Time

	onTick := func(result watchdog.TickResult, err error) {
		if err != nil {
			d.log.Error("tick error", zap.Error(err))
			return
		}
		if result.Skipped {
			return
		}
		now := time.Now()
		stateMu.Lock()
		sinceLast := now.Sub(lastTickAt)
		lastHealthy = result.Assessment.Healthy
		lastTickAt = now
		stateMu.Unlock()

		m.RecordTick(result.Assessment.Healthy, sinceLast)
		if result.Outcome != nil {
			m.RecordRecoveryOutcome(result.Outcome.Level, result.Outcome.Success, result.Outcome.HandedToHuman)
			if err := d.audit.RecordRecoveryOutcome(auditstore.RecoveryOutcomeRecord{
				Timestamp:     time.Now().UTC(),
				Level:         result.Outcome.Level,
				Success:       result.Outcome.Success,
				HandedToHuman: result.Outcome.HandedToHuman,
				Detail:        result.Outcome.Detail,
				Issues:        result.Assessment.Issues,
			}); err != nil {
				d.log.Warn("failed to record recovery outcome", zap.Error(err))
			}
		}
	}

	backend := &operatorBackend{d: d, healthy: &lastHealthy, tickAt: &lastTickAt, mu: &stateMu}

	var opSrv *operatorapi.Server
	if cfg.Operator.Enabled {
		opSrv = operatorapi.NewServer(cfg.Operator.SocketPath, backend, d.log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				d.log.Error("operator socket error", zap.Error(err))
			}
		}()
		d.log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	reloader := config.NewReloader(configPath, cfg, d.log)
	sighup := make(chan struct{}, 1)
	go func() {
		_ = reloader.Watch(ctx, sighup)
	}()
	forwardSIGHUP(ctx, sighup)

	var wdWG sync.WaitGroup
	wdWG.Add(1)
	go func() {
		defer wdWG.Done()
		d.wd.Loop(ctx, time.Duration(cfg.Watchdog.IntervalSeconds)*time.Second, onTick)
	}()

	sigDone := maintenance.ListenForSignals(syscall.SIGINT, syscall.SIGTERM)
	<-sigDone
	d.log.Info("shutdown signal received")

	shutdown := maintenance.NewShutdownController(time.Duration(cfg.Maintenance.ShutdownMaxWaitSeconds) * time.Second, d.log)
	shutdown.RegisterComponent("audit-store", func(context.Context) error { return d.audit.Close() })
	if opSrv != nil {
		shutdown.RegisterComponent("operator-socket", func(context.Context) error { return nil })
	}
	shutdown.RegisterComponent("metrics-server", func(context.Context) error { return nil })
	shutdown.RegisterComponent("watchdog-loop", func(context.Context) error {
		wdWG.Wait()
		return nil
	})

	cancel()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		d.log.Error("shutdown completed with errors", zap.Error(err))
		return 1
	}
	d.log.Info("watchdog shutdown complete")
	return 0
}

// forwardSIGHUP relays SIGHUP into the config reloader's trigger
// channel until ctx is cancelled.
func forwardSIGHUP(ctx context.Context, sighup chan<- struct{}) {
	raw := make(chan os.Signal, 1)
	signal.Notify(raw, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-raw:
				select {
				case sighup <- struct{}{}:
				default:
				}
			}
		}
	}()
}

// operatorBackend adapts this process's live escalator/maintenance
// controller/auto-revert flag to operatorapi.Backend.
type operatorBackend struct {
	d       *deps
	healthy *bool
	tickAt  *time.Time
	mu      *sync.Mutex
}

func (b *operatorBackend) Status(context.Context) (operatorapi.StatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return operatorapi.StatusReport{
		Mode:              b.d.maint.Mode().Current().String(),
		AutoRevertEnabled: procutil.SentinelExists(b.d.autoRevertFlag),
		UpgradePending:    procutil.SentinelExists(b.d.upgradePending),
		LastTickHealthy:   *b.healthy,
		LastTickAt:        *b.tickAt,
	}, nil
}

func (b *operatorBackend) ForceRecovery(ctx context.Context, level int) error {
	_, err := b.d.escalator.Escalate(ctx, level, []string{"forced via operator console"})
	return err
}

func (b *operatorBackend) SetAutoRevertEnabled(_ context.Context, enabled bool) error {
	if enabled {
		return procutil.WriteSentinel(b.d.autoRevertFlag, []byte{})
	}
	return procutil.RemoveSentinel(b.d.autoRevertFlag)
}

func (b *operatorBackend) MaintenanceEnter(ctx context.Context, reason string, emergency bool) error {
	return b.d.maint.Enter(ctx, reason, emergency)
}

func (b *operatorBackend) MaintenanceExit(ctx context.Context) error {
	return b.d.maint.Exit(ctx)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
