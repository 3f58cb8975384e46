// Package orchestrator drives one backup run through its stages:
// preflight, alert suppression, workload shutdown, snapshot, verify,
// restart, off-site sync, and cleanup. Whatever happens along the way,
// the finalization path restarts services before the process exits.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/engels74/stacksave/internal/maintenance"
)

// Stage identifies where in the run the orchestrator currently is.
type Stage int

const (
	StageInit Stage = iota
	StagePreflight
	StageSuppressAlerts
	StageStopWorkloads
	StageSnapshot
	StageVerify
	StageRestartPriority
	StageSync
	StageRestartAll
	StageCleanup
	StageComplete
)

var stageNames = map[Stage]string{
	StageInit:            "INIT",
	StagePreflight:       "PREFLIGHT",
	StageSuppressAlerts:  "SUPPRESS_ALERTS",
	StageStopWorkloads:   "STOP_WORKLOADS",
	StageSnapshot:        "SNAPSHOT",
	StageVerify:          "VERIFY",
	StageRestartPriority: "RESTART_PRIORITY",
	StageSync:            "SYNC",
	StageRestartAll:      "RESTART_ALL",
	StageCleanup:         "CLEANUP",
	StageComplete:        "COMPLETE",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STAGE(%d)", int(s))
}

// stageCount is the number of stages a complete run passes through.
const stageCount = int(StageComplete) + 1

// ErrorKind classifies run failures for the few boundaries that branch
// on the failure category.
type ErrorKind int

const (
	KindEnvironment ErrorKind = iota
	KindShutdownIncomplete
	KindSnapshot
	KindVerification
	KindSyncRetryable
	KindSyncFatal
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindShutdownIncomplete:
		return "shutdown-incomplete"
	case KindSnapshot:
		return "snapshot"
	case KindVerification:
		return "verification"
	case KindSyncRetryable:
		return "sync-retryable"
	case KindSyncFatal:
		return "sync-fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RunError is the tagged error type for run failures.
type RunError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// RunState is the single mutable record for one run, written only by
// the orchestrator. The boolean flags are monotonic: once set they are
// never cleared, and finalization consults them to decide what still
// needs doing.
type RunState struct {
	Stage     Stage
	StartTime time.Time

	Warnings []string
	Errors   []string

	WorkloadsStopped  bool
	PriorityRestarted bool
	RestRestarted     bool
	SnapshotCreated   bool
	SnapshotVerified  bool
	SyncCompleted     bool

	StacksDiscovered  int
	ContainersStopped int
	Survivors         []string

	ArchivePath string
	ArchiveSize int64

	SyncStatus   string
	SyncAttempts int
	SyncBytes    int64

	Window *maintenance.Window
}

// NewRunState creates the state for a run starting now.
func NewRunState() *RunState {
	return &RunState{Stage: StageInit, StartTime: time.Now()}
}

// AddWarning records a non-fatal condition.
func (s *RunState) AddWarning(format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// AddError records a condition that is fatal to success but not to
// continuation.
func (s *RunState) AddError(format string, args ...interface{}) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Succeeded reports whether the run counts as successful: the snapshot
// exists and no errors were recorded. Warnings alone do not fail a run.
func (s *RunState) Succeeded() bool {
	return s.SnapshotCreated && len(s.Errors) == 0
}
