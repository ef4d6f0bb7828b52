// Package metrics — metrics.go
//
// Prometheus metrics for the watchdog subsystem.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: octoreflex_<subsystem>_<name>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process. Adapted structurally, near-verbatim,
// from the teacher's internal/observability/metrics.go; the teacher's
// escalation/anomaly/gossip/storage metric families are replaced with
// this domain's tick, recovery, update, and maintenance families.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/octoreflex/watchdog/internal/procutil"
)

// Metrics holds all Prometheus metric descriptors for the watchdog.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Watchdog tick loop ───────────────────────────────────────────────

	// TicksTotal counts health-check ticks, by outcome (healthy, unhealthy).
	TicksTotal *prometheus.CounterVec

	// TickDuration records how long each health-check tick took.
	TickDuration prometheus.Histogram

	// ─── Recovery escalator ───────────────────────────────────────────────

	// RecoveryLevelHistogram records the distribution of recovery levels
	// invoked (1..5).
	RecoveryLevelHistogram prometheus.Histogram

	// RecoveryOutcomesTotal counts recovery attempts, by level and
	// success/failure.
	RecoveryOutcomesTotal *prometheus.CounterVec

	// RecoveryHandedToHumanTotal counts level-5 hand-offs to an operator.
	RecoveryHandedToHumanTotal prometheus.Counter

	// ─── Update orchestrator ──────────────────────────────────────────────

	// UpdateRunsTotal counts update pipeline runs, by mode (full, cron,
	// verify) and outcome (success, failure).
	UpdateRunsTotal *prometheus.CounterVec

	// UpdatePendingUpgrade is 1 when a critical dependency upgrade is
	// pending human approval, 0 otherwise.
	UpdatePendingUpgrade prometheus.Gauge

	// ─── Maintenance controller ───────────────────────────────────────────

	// MaintenanceTaskDuration records maintenance task execution time, by
	// task name.
	MaintenanceTaskDuration *prometheus.HistogramVec

	// MaintenanceTasksTotal counts maintenance task runs, by outcome.
	MaintenanceTasksTotal *prometheus.CounterVec

	// MaintenanceMode reports the current maintenance mode as a gauge
	// (0=NORMAL, 1=ENTERING, 2=MAINTENANCE, 3=EXITING, 4=EMERGENCY).
	MaintenanceMode prometheus.Gauge

	// ─── Process ───────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New creates and registers all watchdog Prometheus metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "watchdog",
			Name:      "ticks_total",
			Help:      "Total health-check ticks performed, by outcome.",
		}, []string{"outcome"}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "watchdog",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each health-check tick.",
			Buckets:   prometheus.DefBuckets,
		}),

		RecoveryLevelHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "recovery",
			Name:      "level",
			Help:      "Distribution of recovery escalation levels invoked (1..5).",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),

		RecoveryOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "recovery",
			Name:      "outcomes_total",
			Help:      "Total recovery attempts, by level and success/failure.",
		}, []string{"level", "success"}),

		RecoveryHandedToHumanTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "recovery",
			Name:      "handed_to_human_total",
			Help:      "Total level-5 recovery hand-offs to a human operator.",
		}),

		UpdateRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "update",
			Name:      "runs_total",
			Help:      "Total update pipeline runs, by mode and outcome.",
		}, []string{"mode", "outcome"}),

		UpdatePendingUpgrade: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "update",
			Name:      "pending_upgrade",
			Help:      "1 if a critical dependency upgrade is pending human approval, 0 otherwise.",
		}),

		MaintenanceTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octoreflex",
			Subsystem: "maintenance",
			Name:      "task_duration_seconds",
			Help:      "Maintenance task execution time, by task name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		MaintenanceTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoreflex",
			Subsystem: "maintenance",
			Name:      "tasks_total",
			Help:      "Total maintenance task runs, by outcome.",
		}, []string{"outcome"}),

		MaintenanceMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "maintenance",
			Name:      "mode",
			Help:      "Current maintenance mode (0=NORMAL,1=ENTERING,2=MAINTENANCE,3=EXITING,4=EMERGENCY).",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoreflex",
			Subsystem: "watchdog",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.RecoveryLevelHistogram,
		m.RecoveryOutcomesTotal,
		m.RecoveryHandedToHumanTotal,
		m.UpdateRunsTotal,
		m.UpdatePendingUpgrade,
		m.MaintenanceTaskDuration,
		m.MaintenanceTasksTotal,
		m.MaintenanceMode,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve starts the Prometheus HTTP metrics server on addr. Blocks until
// ctx is cancelled or the server fails. Binds only to a loopback
// address such as "127.0.0.1:9091" — it is the caller's responsibility
// never to pass a public-facing addr.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// WriteTextfile renders the current metric values in Prometheus text
// exposition format and writes them atomically to path, for
// node_exporter's textfile collector to pick up. cmd/update is a
// one-shot process with nothing to scrape it, so it reports its run
// outcome this way instead of serving /metrics.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics.WriteTextfile: gather: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics.WriteTextfile: encode: %w", err)
		}
	}
	if err := procutil.AtomicWrite(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("metrics.WriteTextfile: %w", err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// RecordTick records one watchdog health-check tick.
func (m *Metrics) RecordTick(healthy bool, d time.Duration) {
	outcome := "unhealthy"
	if healthy {
		outcome = "healthy"
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
	m.TickDuration.Observe(d.Seconds())
}

// RecordRecoveryOutcome records one recovery escalation attempt.
func (m *Metrics) RecordRecoveryOutcome(level int, success, handedToHuman bool) {
	m.RecoveryLevelHistogram.Observe(float64(level))
	m.RecoveryOutcomesTotal.WithLabelValues(fmt.Sprintf("%d", level), fmt.Sprintf("%t", success)).Inc()
	if handedToHuman {
		m.RecoveryHandedToHumanTotal.Inc()
	}
}

// RecordUpdateRun records one update pipeline run.
func (m *Metrics) RecordUpdateRun(mode string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.UpdateRunsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordMaintenanceTask records one maintenance task run.
func (m *Metrics) RecordMaintenanceTask(name string, d time.Duration, success bool) {
	m.MaintenanceTaskDuration.WithLabelValues(name).Observe(d.Seconds())
	outcome := "failed"
	if success {
		outcome = "completed"
	}
	m.MaintenanceTasksTotal.WithLabelValues(outcome).Inc()
}

// SetMaintenanceMode reports the current maintenance mode as a gauge
// value (0..4, matching internal/maintenance.Mode's ordering).
func (m *Metrics) SetMaintenanceMode(mode int) {
	m.MaintenanceMode.Set(float64(mode))
}
