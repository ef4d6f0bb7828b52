package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/alertchannel"
	"github.com/octoreflex/watchdog/internal/procutil"
)

// ServiceTier groups the managed services by how they're treated when
// entering maintenance, grounded on maintenance_mode.py's per-service
// dependency list combined with service_status table's "essential"
// handling: essential services are only health-checked, degradable
// services have their capacity reduced, stoppable services are fully
// stopped.
type ServiceTier struct {
	Essential  []string
	Degradable []string
	Stoppable  []string
}

// ServiceController performs the actual service-level operations a
// Controller orchestrates. The watchdog's caller supplies a concrete
// implementation (process supervisor, container orchestrator, etc.);
// this package only sequences the calls.
type ServiceController interface {
	Degrade(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restore(ctx context.Context, name string) error
	HealthCheck(ctx context.Context, name string) error
}

// TaskRun is one recorded execution of a maintenance Task.
type TaskRun struct {
	Name      string
	Status    string // "completed", "failed"
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// Session is one enter/exit cycle of maintenance mode, grounded on
// maintenance_mode.py's maintenance_sessions table.
type Session struct {
	Reason         string
	Emergency      bool
	StartedAt      time.Time
	EndedAt        time.Time
	Success        bool
	TasksCompleted int
	TasksFailed    int
}

// AuditRecorder persists maintenance history. internal/auditstore
// implements it over bbolt; tests may supply an in-memory fake.
type AuditRecorder interface {
	RecordTaskRun(ctx context.Context, run TaskRun) error
	RecordSession(ctx context.Context, session Session) error
}

// TaskReport summarizes one RunTasks batch.
type TaskReport struct {
	Completed []string
	Failed    []string
	Skipped   []string
}

// MetricsRecorder receives maintenance task and mode observations.
// internal/metrics.Metrics implements it; nil is a valid Controller
// configuration (no metrics recorded).
type MetricsRecorder interface {
	RecordMaintenanceTask(name string, d time.Duration, success bool)
	SetMaintenanceMode(mode int)
}

// Controller sequences entry into and exit from maintenance mode, and
// runs maintenance tasks once inside it. Grounded on
// MaintenanceManager.enter_maintenance_mode/exit_maintenance_mode;
// stakeholder notification reuses internal/alertchannel.Channel rather
// than the original's calendar/email integration, since this system
// already has a generic alert sink.
type Controller struct {
	mode *ModeMachine

	tiers   ServiceTier
	svc     ServiceController
	audit   AuditRecorder
	alert   alertchannel.Channel
	metrics MetricsRecorder
	log     *zap.Logger

	flagPath string

	mu       sync.Mutex
	degraded map[string]bool
	stopped  map[string]bool
}

// ControllerOption customizes a Controller at construction.
type ControllerOption func(*Controller)

// WithMetrics attaches a MetricsRecorder; every mode transition updates
// its maintenance-mode gauge, and every task run reports its duration
// and outcome.
func WithMetrics(m MetricsRecorder) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController builds a Controller. flagPath is a sentinel file
// written while maintenance mode is active (and removed on exit) so
// other processes on the host can detect it without an RPC round trip.
func NewController(tiers ServiceTier, svc ServiceController, audit AuditRecorder, alert alertchannel.Channel, flagPath string, log *zap.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		mode:     NewModeMachine(),
		tiers:    tiers,
		svc:      svc,
		audit:    audit,
		alert:    alert,
		flagPath: flagPath,
		log:      log,
		degraded: make(map[string]bool),
		stopped:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns the underlying mode machine.
func (c *Controller) Mode() *ModeMachine { return c.mode }

// recordMode reports the current mode to the attached MetricsRecorder,
// if any.
func (c *Controller) recordMode() {
	if c.metrics != nil {
		c.metrics.SetMaintenanceMode(int(c.mode.Current()))
	}
}

func (c *Controller) notify(ctx context.Context, message string) error {
	if c.alert == nil {
		return nil
	}
	nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.alert.Notify(nctx, 1, message); err != nil {
		c.log.Warn("maintenance stakeholder notification failed", zap.Error(err))
	}
	return nil
}

func (c *Controller) degradeAll(ctx context.Context) error {
	for _, name := range c.tiers.Degradable {
		if err := c.svc.Degrade(ctx, name); err != nil {
			return fmt.Errorf("degrade %s: %w", name, err)
		}
		c.mu.Lock()
		c.degraded[name] = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) stopAll(ctx context.Context) error {
	for _, name := range c.tiers.Stoppable {
		if err := c.svc.Stop(ctx, name); err != nil {
			return fmt.Errorf("stop %s: %w", name, err)
		}
		c.mu.Lock()
		c.stopped[name] = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) restoreStopped(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.stopped))
	for name, on := range c.stopped {
		if on {
			names = append(names, name)
		}
	}
	c.mu.Unlock()
	for _, name := range names {
		if err := c.svc.Restore(ctx, name); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		c.mu.Lock()
		c.stopped[name] = false
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) restoreDegraded(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.degraded))
	for name, on := range c.degraded {
		if on {
			names = append(names, name)
		}
	}
	c.mu.Unlock()
	for _, name := range names {
		if err := c.svc.Restore(ctx, name); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		c.mu.Lock()
		c.degraded[name] = false
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) validateEssential(ctx context.Context) error {
	for _, name := range c.tiers.Essential {
		if err := c.svc.HealthCheck(ctx, name); err != nil {
			return fmt.Errorf("essential service %s unhealthy: %w", name, err)
		}
	}
	return nil
}

// Enter transitions NORMAL → ENTERING → MAINTENANCE (or → EMERGENCY →
// MAINTENANCE). An emergency entry skips stakeholder notification and
// service degrade/stop — it runs only essential-service validation and
// writes the sentinel flag, the same "only validation and prep" shape
// as maintenance_mode.py's emergency path (which collapses the full
// step list to its last two entries).
func (c *Controller) Enter(ctx context.Context, reason string, emergency bool) error {
	if _, ok := c.mode.Enter(emergency); !ok {
		return fmt.Errorf("maintenance: cannot enter, already in %s", c.mode.Current())
	}
	c.recordMode()

	session := Session{Reason: reason, Emergency: emergency, StartedAt: time.Now()}

	steps := []Step{
		{"notify-stakeholders-start", func(ctx context.Context) error {
			return c.notify(ctx, fmt.Sprintf("entering maintenance: %s", reason))
		}},
		{"degrade-services", c.degradeAll},
		{"stop-services", c.stopAll},
		{"validate-essential-services", c.validateEssential},
		{"prepare-maintenance-environment", func(context.Context) error {
			return procutil.WriteSentinel(c.flagPath, []byte(reason))
		}},
	}
	if emergency {
		steps = steps[len(steps)-2:]
	}

	err := runSteps(ctx, c.log, steps)
	session.EndedAt = time.Now()
	session.Success = err == nil
	if c.audit != nil {
		if recErr := c.audit.RecordSession(ctx, session); recErr != nil {
			c.log.Warn("failed to record maintenance session", zap.Error(recErr))
		}
	}
	if err != nil {
		c.log.Error("failed to enter maintenance mode, rolling back", zap.Error(err))
		c.rollbackEntry(ctx)
		c.mode.Abort()
		c.recordMode()
		return err
	}

	c.mode.Activate()
	c.recordMode()
	return nil
}

// rollbackEntry best-effort undoes whatever partial entry succeeded
// before a later step failed, mirroring maintenance_mode.py's
// rollback-on-entry-failure branch. Failures here are logged, not
// returned — the mode machine is already moving to NORMAL regardless.
func (c *Controller) rollbackEntry(ctx context.Context) {
	if err := c.restoreStopped(ctx); err != nil {
		c.log.Warn("rollback: failed to restore stopped services", zap.Error(err))
	}
	if err := c.restoreDegraded(ctx); err != nil {
		c.log.Warn("rollback: failed to restore degraded services", zap.Error(err))
	}
	_ = procutil.RemoveSentinel(c.flagPath)
}

// Exit transitions MAINTENANCE → EXITING → NORMAL. A failed exit step
// leaves the machine in EXITING rather than rolling back to
// MAINTENANCE — resuming maintenance from a half-restored service set
// is worse than requiring an operator to retry Exit.
func (c *Controller) Exit(ctx context.Context) error {
	if _, ok := c.mode.BeginExit(); !ok {
		return fmt.Errorf("maintenance: not in maintenance mode (current: %s)", c.mode.Current())
	}
	c.recordMode()

	session := Session{StartedAt: time.Now()}

	steps := []Step{
		{"validate-system-health", c.validateEssential},
		{"restore-stopped-services", c.restoreStopped},
		{"restore-service-levels", c.restoreDegraded},
		{"clear-maintenance-environment", func(context.Context) error {
			return procutil.RemoveSentinel(c.flagPath)
		}},
		{"notify-stakeholders-end", func(ctx context.Context) error {
			return c.notify(ctx, "maintenance window completed")
		}},
	}

	err := runSteps(ctx, c.log, steps)
	session.EndedAt = time.Now()
	session.Success = err == nil
	if c.audit != nil {
		if recErr := c.audit.RecordSession(ctx, session); recErr != nil {
			c.log.Warn("failed to record maintenance session", zap.Error(recErr))
		}
	}
	if err != nil {
		return fmt.Errorf("maintenance: exit failed, still in EXITING: %w", err)
	}

	c.mode.Complete()
	c.recordMode()
	return nil
}

// RunTasks runs a maintenance task batch in dependency order. Only
// callable while in MAINTENANCE or EMERGENCY mode. A critical task's
// failure stops the remaining batch (_is_critical_task's halt
// semantics); a non-critical failure is recorded and the next ready
// task still runs.
func (c *Controller) RunTasks(ctx context.Context, tasks []Task) (TaskReport, error) {
	switch c.mode.Current() {
	case ModeMaintenance, ModeEmergency:
	default:
		return TaskReport{}, fmt.Errorf("maintenance: tasks can only run while in maintenance mode, current mode %s", c.mode.Current())
	}

	ordered, err := topoSort(tasks)
	if err != nil {
		return TaskReport{}, err
	}

	var report TaskReport
	stopped := false
	for _, task := range ordered {
		if stopped {
			report.Skipped = append(report.Skipped, task.Name)
			continue
		}

		start := time.Now()
		detail, runErr := task.Run(ctx)
		end := time.Now()

		run := TaskRun{Name: task.Name, StartedAt: start, EndedAt: end}
		if runErr != nil {
			run.Status = "failed"
			run.Error = runErr.Error()
			report.Failed = append(report.Failed, task.Name)
			c.log.Error("maintenance task failed",
				zap.String("task", task.Name), zap.Duration("elapsed", end.Sub(start)), zap.Error(runErr))
		} else {
			run.Status = "completed"
			report.Completed = append(report.Completed, task.Name)
			c.log.Info("maintenance task completed",
				zap.String("task", task.Name), zap.Duration("elapsed", end.Sub(start)), zap.String("detail", detail))
		}

		if c.audit != nil {
			if recErr := c.audit.RecordTaskRun(ctx, run); recErr != nil {
				c.log.Warn("failed to record task run", zap.String("task", task.Name), zap.Error(recErr))
			}
		}
		if c.metrics != nil {
			c.metrics.RecordMaintenanceTask(task.Name, end.Sub(start), runErr == nil)
		}

		if runErr != nil && task.Critical {
			c.log.Error("critical maintenance task failed, halting batch", zap.String("task", task.Name))
			stopped = true
		}
	}
	return report, nil
}
