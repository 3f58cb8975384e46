package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/archive"
	"github.com/engels74/stacksave/internal/checks"
	"github.com/engels74/stacksave/internal/config"
	"github.com/engels74/stacksave/internal/docker"
	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/maintenance"
	"github.com/engels74/stacksave/internal/metrics"
	"github.com/engels74/stacksave/internal/notify"
	"github.com/engels74/stacksave/internal/storage"
	"github.com/engels74/stacksave/internal/types"
	"github.com/engels74/stacksave/pkg/utils"
)

// Collaborator contracts. The orchestrator owns sequencing and the
// RunState; everything with side effects sits behind one of these so
// runs can be rehearsed in tests with fakes.
type (
	// Registry discovers compose stacks on the host.
	Registry interface {
		Discover() (*docker.ComposeFile, []docker.ComposeFile, error)
	}

	// Controller stops and starts workloads.
	Controller interface {
		RunningContainers(ctx context.Context) ([]string, error)
		EnsureStopped(ctx context.Context, files []docker.ComposeFile, overallTimeout time.Duration, maxRetries int) (bool, []string)
		Start(ctx context.Context, files []docker.ComposeFile) bool
		EmergencyRestartAll(ctx context.Context, priority *docker.ComposeFile, others []docker.ComposeFile) int
	}

	// Archiver creates and verifies encrypted snapshots.
	Archiver interface {
		Create(ctx context.Context, outputDir string) (*archive.CreateResult, error)
		Verify(ctx context.Context, path string) error
	}

	// Syncer replicates the backup directory off-site.
	Syncer interface {
		SyncWithRetry(ctx context.Context, source, destination string, maxAttempts int, baseDelay, maxDelay, overallTimeout time.Duration) *storage.SyncResult
	}

	// Preflight validates the environment and holds the run lock.
	Preflight interface {
		RunAllChecks() ([]checks.CheckResult, error)
		ReleaseLock() error
	}

	// WindowClient suppresses monitoring alerts around the run.
	WindowClient interface {
		Enabled() bool
		Open(ctx context.Context, runID string, duration time.Duration) (*maintenance.Window, error)
		Close(ctx context.Context, w *maintenance.Window) error
	}

	// Notifier delivers the final run report.
	Notifier interface {
		IsEnabled() bool
		Send(ctx context.Context, data *notify.NotificationData) error
	}

	// LogPublisher uploads the run log for linking in the report.
	LogPublisher interface {
		Enabled() bool
		Upload(ctx context.Context) string
	}

	// Rotator applies local retention.
	Rotator interface {
		Rotate(dir, pattern string, keep int) (int, error)
	}

	// Exporter publishes run metrics.
	Exporter interface {
		Export(m *metrics.BackupMetrics) error
	}
)

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry   Registry
	Controller Controller
	Archiver   Archiver
	Syncer     Syncer
	Checker    Preflight
	Window     WindowClient
	Notifier   Notifier
	LogUpload  LogPublisher
	Rotator    Rotator
	Exporter   Exporter
}

// Orchestrator drives one backup run.
type Orchestrator struct {
	cfg      *config.Config
	logger   *logging.Logger
	deps     Deps
	runID    string
	hostname string
	version  string

	state    *RunState
	priority *docker.ComposeFile
	others   []docker.ComposeFile

	lockHeld   bool
	cancelSeen bool
}

// New creates an orchestrator for a single run. The instance is not
// reusable: RunState accumulates for exactly one Run call.
func New(cfg *config.Config, logger *logging.Logger, runID, hostname, version string, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		runID:    runID,
		hostname: hostname,
		version:  version,
		state:    NewRunState(),
	}
}

// State exposes the run state for reporting and tests.
func (o *Orchestrator) State() *RunState {
	return o.state
}

// Run executes the staged pipeline and returns the run's exit code.
// Whatever the staged part does, finalization always executes: services
// are restarted, the suppression window is closed, retention runs, the
// lock is released, and the report goes out.
func (o *Orchestrator) Run(ctx context.Context) types.ExitCode {
	o.logger.Info("Starting backup run %s on %s", o.runID, o.hostname)
	if o.cfg.DryRun {
		o.logger.Info("Dry run: no containers stopped, no archive written, no files removed")
	}

	code := o.runStages(ctx)

	// Finalization must survive a cancelled context.
	o.finalize(context.WithoutCancel(ctx))

	if code == types.ExitSuccess && !o.state.Succeeded() {
		code = types.ExitGenericError
	}
	o.report(context.WithoutCancel(ctx), code)
	return code
}

// runStages walks the forward stages. A non-success return means the
// abort path was taken; the caller still finalizes.
func (o *Orchestrator) runStages(ctx context.Context) types.ExitCode {
	st := o.state

	// PREFLIGHT: hard-stop. Nothing has been touched yet.
	o.enter(StagePreflight)
	results, err := o.deps.Checker.RunAllChecks()
	o.lockHeld = err == nil
	if err != nil {
		st.AddError("preflight failed: %v", err)
		return preflightExitCode(results)
	}

	priority, others, err := o.deps.Registry.Discover()
	if err != nil {
		st.AddError("workload discovery failed: %v", err)
		return types.ExitEnvironmentError
	}
	o.priority = priority
	o.others = others
	st.StacksDiscovered = len(others)
	if priority != nil {
		st.StacksDiscovered++
	}
	o.logger.Info("Discovered %d compose stack(s)", st.StacksDiscovered)

	if o.cancelled(ctx) {
		return types.ExitCancelled
	}

	// SUPPRESS_ALERTS: best-effort.
	o.enter(StageSuppressAlerts)
	if o.deps.Window.Enabled() {
		window, err := o.deps.Window.Open(ctx, o.runID, o.cfg.OverallTimeout)
		if err != nil {
			st.AddWarning("cannot open maintenance window: %v", err)
		} else {
			st.Window = window
		}
	} else {
		o.logger.Skip("Maintenance window not configured")
	}

	// STOP_WORKLOADS: failures are warnings; the snapshot proceeds even
	// with stragglers because stale data beats no backup.
	o.enter(StageStopWorkloads)
	found := 0
	if running, err := o.deps.Controller.RunningContainers(ctx); err == nil {
		found = len(running)
	}
	stopped, survivors := o.deps.Controller.EnsureStopped(ctx, o.allFiles(), o.cfg.ShutdownTimeout, o.cfg.ShutdownMaxRetries)
	st.WorkloadsStopped = true
	st.ContainersStopped = found
	if !stopped {
		st.Survivors = survivors
		// Survivors were found but not stopped; don't count them.
		if n := found - len(survivors); n >= 0 {
			st.ContainersStopped = n
		}
		st.AddWarning("%d container(s) still running after escalated shutdown: %s",
			len(survivors), strings.Join(survivors, ", "))
	}

	if o.cancelled(ctx) {
		return types.ExitCancelled
	}

	// SNAPSHOT: hard-stop on failure, but the archive in progress is
	// never interrupted by cancellation.
	o.enter(StageSnapshot)
	created, err := o.deps.Archiver.Create(context.WithoutCancel(ctx), o.cfg.BackupDir)
	if err != nil {
		st.AddError("snapshot failed: %v", err)
		return types.ExitSnapshotError
	}
	for _, w := range created.Warnings {
		st.AddWarning("%s", w)
	}
	if created.Path != "" {
		st.SnapshotCreated = true
		st.ArchivePath = created.Path
		st.ArchiveSize = created.Size
	} else if o.cfg.DryRun {
		st.SnapshotCreated = true
	} else {
		st.AddError("snapshot produced no archive")
		return types.ExitSnapshotError
	}

	if o.cancelled(ctx) {
		return types.ExitCancelled
	}

	// VERIFY: a failed verification keeps the archive and still syncs.
	o.enter(StageVerify)
	if st.ArchivePath != "" {
		if err := o.deps.Archiver.Verify(ctx, st.ArchivePath); err != nil {
			st.AddWarning("archive verification failed: %v", err)
		} else {
			st.SnapshotVerified = true
			o.logger.Info("Archive verified: %s", st.ArchivePath)
		}
	} else {
		o.logger.Skip("No archive to verify")
	}

	if o.cancelled(ctx) {
		return types.ExitCancelled
	}

	// RESTART_PRIORITY: critical services come back before the sync
	// spends its potentially long deadline.
	o.enter(StageRestartPriority)
	o.restartPriority(ctx)

	if o.cancelled(ctx) {
		return types.ExitCancelled
	}

	// SYNC: only with a real archive on disk.
	o.enter(StageSync)
	switch {
	case !o.cfg.SyncEnabled:
		o.logger.Skip("Off-site sync disabled")
		st.SyncStatus = string(storage.SyncSkipped)
	case st.ArchivePath == "":
		o.logger.Skip("No archive produced, nothing to sync")
		st.SyncStatus = string(storage.SyncSkipped)
	default:
		result := o.deps.Syncer.SyncWithRetry(ctx, o.cfg.BackupDir, o.cfg.RcloneRemote,
			o.cfg.SyncMaxAttempts, o.cfg.SyncBaseDelay, o.cfg.SyncMaxDelay, o.cfg.SyncTimeout)
		st.SyncStatus = string(result.Status)
		st.SyncAttempts = result.Attempts
		st.SyncBytes = result.BytesTransferred
		if result.Status == storage.SyncSuccess {
			st.SyncCompleted = true
		} else {
			st.AddError("sync failed after %d attempt(s): %s", result.Attempts, result.LastError)
			return types.ExitSyncError
		}
	}

	return types.ExitSuccess
}

// finalize is the structural tail of every run: restart services,
// close the suppression window, rotate old files, release the lock.
// Nothing in here may prevent the steps after it from running.
func (o *Orchestrator) finalize(ctx context.Context) {
	st := o.state

	if !st.PriorityRestarted {
		o.enter(StageRestartPriority)
		o.restartPriority(ctx)
	}

	o.enter(StageRestartAll)
	if len(o.others) > 0 {
		if o.deps.Controller.Start(ctx, o.others) {
			st.RestRestarted = true
		} else {
			st.AddWarning("some workloads failed to restart")
		}
	} else {
		st.RestRestarted = true
	}

	// Last line of defense: if nothing at all is running, one
	// best-effort restart pass across every stack.
	if st.StacksDiscovered > 0 && !o.cfg.DryRun {
		running, err := o.deps.Controller.RunningContainers(ctx)
		if err != nil {
			st.AddWarning("cannot verify running containers: %v", err)
		} else if len(running) == 0 {
			o.logger.Error("No containers running after restart, attempting emergency restart")
			st.AddWarning("no containers running after restart, emergency restart invoked")
			count := o.deps.Controller.EmergencyRestartAll(ctx, o.priority, o.others)
			o.logger.Warning("Emergency restart brought up %d container(s)", count)
		}
	}

	if st.Window != nil {
		if err := o.deps.Window.Close(ctx, st.Window); err != nil {
			st.AddWarning("cannot close maintenance window %s: %v", st.Window.ID, err)
		}
	}

	o.enter(StageCleanup)
	if o.cfg.MaxLocalBackups > 0 {
		if _, err := o.deps.Rotator.Rotate(o.cfg.BackupDir, "*.tar*.age", o.cfg.MaxLocalBackups); err != nil {
			st.AddWarning("backup retention failed: %v", err)
		}
	}
	if o.cfg.MaxLogFiles > 0 && o.cfg.LogDir != "" {
		if _, err := o.deps.Rotator.Rotate(o.cfg.LogDir, "*.log", o.cfg.MaxLogFiles); err != nil {
			st.AddWarning("log retention failed: %v", err)
		}
	}

	if o.lockHeld {
		if err := o.deps.Checker.ReleaseLock(); err != nil {
			st.AddWarning("cannot release run lock: %v", err)
		}
	}

	o.enter(StageComplete)
}

func (o *Orchestrator) restartPriority(ctx context.Context) {
	st := o.state
	if o.priority == nil {
		st.PriorityRestarted = true
		return
	}
	if o.deps.Controller.Start(ctx, []docker.ComposeFile{*o.priority}) {
		st.PriorityRestarted = true
	} else {
		st.AddWarning("priority workload failed to restart: %s", o.priority.Path)
	}
}

func (o *Orchestrator) allFiles() []docker.ComposeFile {
	var files []docker.ComposeFile
	if o.priority != nil {
		files = append(files, *o.priority)
	}
	return append(files, o.others...)
}

// enter advances the state machine and logs the transition.
func (o *Orchestrator) enter(stage Stage) {
	o.state.Stage = stage
	o.logger.Stage("%s", stage)
}

// cancelled polls the cooperative cancellation signal at a stage
// boundary. The first observation is recorded once; the run then heads
// straight to finalization.
func (o *Orchestrator) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if !o.cancelSeen {
		o.cancelSeen = true
		o.logger.Warning("Cancellation requested, proceeding to finalization")
		o.state.AddWarning("run cancelled before %s completed", o.state.Stage)
	}
	return true
}

// report emits the final summary: log lines, Discord, metrics.
func (o *Orchestrator) report(ctx context.Context, code types.ExitCode) {
	st := o.state
	duration := time.Since(st.StartTime)
	status := notify.StatusForRun(code, len(st.Warnings))

	o.logger.Info("Run %s finished in %s: %s (created=%v verified=%v synced=%v, %d error(s), %d warning(s))",
		o.runID, notify.FormatDuration(duration), status,
		st.SnapshotCreated, st.SnapshotVerified, st.SyncCompleted,
		len(st.Errors), len(st.Warnings))

	data := &notify.NotificationData{
		Status:            status,
		ExitCode:          code.Int(),
		Hostname:          o.hostname,
		RunID:             o.runID,
		ScriptVersion:     o.version,
		BackupDate:        st.StartTime,
		BackupDuration:    duration,
		StagesCompleted:   int(st.Stage) + 1,
		StagesTotal:       stageCount,
		LastStage:         st.Stage.String(),
		StacksDiscovered:  st.StacksDiscovered,
		ContainersStopped: st.ContainersStopped,
		Survivors:         st.Survivors,
		ServicesRestarted: st.RestRestarted,
		BackupFile:        st.ArchivePath,
		BackupSize:        st.ArchiveSize,
		BackupSizeHR:      utils.FormatBytes(st.ArchiveSize),
		SyncEnabled:       o.cfg.SyncEnabled,
		SyncStatus:        st.SyncStatus,
		SyncAttempts:      st.SyncAttempts,
		SyncBytesHR:       utils.FormatBytes(st.SyncBytes),
		ErrorCount:        len(st.Errors),
		WarningCount:      len(st.Warnings),
		Errors:            st.Errors,
		Warnings:          st.Warnings,
		DryRun:            o.cfg.DryRun,
	}
	if o.deps.Notifier.IsEnabled() {
		if o.deps.LogUpload != nil && o.deps.LogUpload.Enabled() {
			data.LogURL = o.deps.LogUpload.Upload(ctx)
		}
		if err := o.deps.Notifier.Send(ctx, data); err != nil {
			o.logger.Warning("Cannot deliver run report: %v", err)
		}
	}

	if o.deps.Exporter != nil && o.cfg.MetricsEnabled {
		m := &metrics.BackupMetrics{
			Hostname:          o.hostname,
			ScriptVersion:     o.version,
			StartTime:         st.StartTime,
			EndTime:           time.Now(),
			Duration:          duration,
			ExitCode:          code.Int(),
			ErrorCount:        len(st.Errors),
			WarningCount:      len(st.Warnings),
			StacksDiscovered:  st.StacksDiscovered,
			ContainersStopped: st.ContainersStopped,
			Survivors:         len(st.Survivors),
			ArchiveSize:       st.ArchiveSize,
			SyncAttempts:      st.SyncAttempts,
			SyncBytes:         st.SyncBytes,
			SyncSuccess:       st.SyncCompleted,
		}
		if err := o.deps.Exporter.Export(m); err != nil {
			o.logger.Warning("Cannot export metrics: %v", err)
		}
	}
}

// preflightExitCode maps a failed check set to an exit code: a held
// lock is its own condition, everything else is an environment problem.
func preflightExitCode(results []checks.CheckResult) types.ExitCode {
	for _, r := range results {
		if !r.Passed && r.Name == "Lock File" {
			return types.ExitLockError
		}
	}
	return types.ExitEnvironmentError
}
