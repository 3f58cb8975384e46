package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
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
)

type fakeRegistry struct {
	priority *docker.ComposeFile
	others   []docker.ComposeFile
	err      error
}

func (f *fakeRegistry) Discover() (*docker.ComposeFile, []docker.ComposeFile, error) {
	return f.priority, f.others, f.err
}

type fakeController struct {
	calls []string

	runningAfter []string // what RunningContainers reports
	stopOK       bool
	survivors    []string
	startOK      bool

	cancelDuringStop context.CancelFunc
}

func (f *fakeController) RunningContainers(_ context.Context) ([]string, error) {
	f.calls = append(f.calls, "running")
	return f.runningAfter, nil
}

func (f *fakeController) EnsureStopped(_ context.Context, files []docker.ComposeFile, _ time.Duration, _ int) (bool, []string) {
	f.calls = append(f.calls, fmt.Sprintf("stop(%d)", len(files)))
	if f.cancelDuringStop != nil {
		f.cancelDuringStop()
	}
	return f.stopOK, f.survivors
}

func (f *fakeController) Start(_ context.Context, files []docker.ComposeFile) bool {
	f.calls = append(f.calls, fmt.Sprintf("start(%d)", len(files)))
	return f.startOK
}

func (f *fakeController) EmergencyRestartAll(_ context.Context, _ *docker.ComposeFile, _ []docker.ComposeFile) int {
	f.calls = append(f.calls, "emergency")
	return 1
}

func (f *fakeController) has(call string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, call) {
			return true
		}
	}
	return false
}

type fakeArchiver struct {
	result    *archive.CreateResult
	createErr error
	verifyErr error
	calls     []string
}

func (f *fakeArchiver) Create(_ context.Context, _ string) (*archive.CreateResult, error) {
	f.calls = append(f.calls, "create")
	return f.result, f.createErr
}

func (f *fakeArchiver) Verify(_ context.Context, _ string) error {
	f.calls = append(f.calls, "verify")
	return f.verifyErr
}

type fakeSyncer struct {
	result *storage.SyncResult
	called bool
}

func (f *fakeSyncer) SyncWithRetry(_ context.Context, _, _ string, _ int, _, _, _ time.Duration) *storage.SyncResult {
	f.called = true
	return f.result
}

type fakeChecker struct {
	err      error
	results  []checks.CheckResult
	released bool
}

func (f *fakeChecker) RunAllChecks() ([]checks.CheckResult, error) {
	return f.results, f.err
}

func (f *fakeChecker) ReleaseLock() error {
	f.released = true
	return nil
}

type fakeWindow struct {
	enabled bool
	opened  bool
	closed  bool
	openErr error
}

func (f *fakeWindow) Enabled() bool { return f.enabled }

func (f *fakeWindow) Open(_ context.Context, runID string, _ time.Duration) (*maintenance.Window, error) {
	f.opened = true
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &maintenance.Window{ID: "win-1", RunID: runID}, nil
}

func (f *fakeWindow) Close(_ context.Context, _ *maintenance.Window) error {
	f.closed = true
	return nil
}

type fakeNotifier struct {
	sent *notify.NotificationData
}

func (f *fakeNotifier) IsEnabled() bool { return true }

func (f *fakeNotifier) Send(_ context.Context, data *notify.NotificationData) error {
	f.sent = data
	return nil
}

type fakeLogUpload struct {
	url      string
	uploaded bool
}

func (f *fakeLogUpload) Enabled() bool { return f.url != "" }

func (f *fakeLogUpload) Upload(_ context.Context) string {
	f.uploaded = true
	return f.url
}

type fakeRotator struct {
	calls []string
}

func (f *fakeRotator) Rotate(dir, pattern string, keep int) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s/%s keep=%d", dir, pattern, keep))
	return 0, nil
}

type fakeExporter struct {
	m *metrics.BackupMetrics
}

func (f *fakeExporter) Export(m *metrics.BackupMetrics) error {
	f.m = m
	return nil
}

type testRun struct {
	orch       *Orchestrator
	registry   *fakeRegistry
	controller *fakeController
	archiver   *fakeArchiver
	syncer     *fakeSyncer
	checker    *fakeChecker
	window     *fakeWindow
	notifier   *fakeNotifier
	rotator    *fakeRotator
	exporter   *fakeExporter
}

func testConfig() *config.Config {
	return &config.Config{
		BackupDir:          "/backups",
		LogDir:             "/var/log/stacksave",
		SyncEnabled:        true,
		RcloneRemote:       "remote:backups",
		SyncMaxAttempts:    3,
		SyncBaseDelay:      time.Second,
		SyncMaxDelay:       time.Minute,
		SyncTimeout:        time.Hour,
		ShutdownTimeout:    time.Minute,
		ShutdownMaxRetries: 2,
		OverallTimeout:     2 * time.Hour,
		MaxLocalBackups:    7,
		MaxLogFiles:        14,
		MetricsEnabled:     true,
	}
}

// newTestRun wires an orchestrator over happy-path fakes; tests then
// break the piece under study.
func newTestRun(cfg *config.Config) *testRun {
	if cfg == nil {
		cfg = testConfig()
	}
	tr := &testRun{
		registry: &fakeRegistry{
			priority: &docker.ComposeFile{Path: "/stacks/plex/compose.yaml", Priority: true},
			others: []docker.ComposeFile{
				{Path: "/stacks/web/compose.yaml"},
				{Path: "/stacks/db/compose.yaml"},
			},
		},
		controller: &fakeController{
			runningAfter: []string{"abc123"},
			stopOK:       true,
			startOK:      true,
		},
		archiver: &fakeArchiver{
			result: &archive.CreateResult{Path: "/backups/host-backup.tar.gz.age", Size: 4096},
		},
		syncer: &fakeSyncer{
			result: &storage.SyncResult{Status: storage.SyncSuccess, Attempts: 1, BytesTransferred: 4096},
		},
		checker:  &fakeChecker{},
		window:   &fakeWindow{enabled: true},
		notifier: &fakeNotifier{},
		rotator:  &fakeRotator{},
		exporter: &fakeExporter{},
	}
	logger := logging.New(types.LogLevelNone, false)
	tr.orch = New(cfg, logger, "run-1", "testhost", "1.0.0", Deps{
		Registry:   tr.registry,
		Controller: tr.controller,
		Archiver:   tr.archiver,
		Syncer:     tr.syncer,
		Checker:    tr.checker,
		Window:     tr.window,
		Notifier:   tr.notifier,
		Rotator:    tr.rotator,
		Exporter:   tr.exporter,
	})
	return tr
}

func TestRunHappyPath(t *testing.T) {
	tr := newTestRun(nil)

	code := tr.orch.Run(context.Background())
	if code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success", code)
	}

	st := tr.orch.State()
	if !st.Succeeded() {
		t.Errorf("state not successful: errors=%v", st.Errors)
	}
	for name, flag := range map[string]bool{
		"WorkloadsStopped":  st.WorkloadsStopped,
		"PriorityRestarted": st.PriorityRestarted,
		"RestRestarted":     st.RestRestarted,
		"SnapshotCreated":   st.SnapshotCreated,
		"SnapshotVerified":  st.SnapshotVerified,
		"SyncCompleted":     st.SyncCompleted,
	} {
		if !flag {
			t.Errorf("%s = false, want true", name)
		}
	}
	if st.Stage != StageComplete {
		t.Errorf("final stage = %s, want COMPLETE", st.Stage)
	}
	if st.StacksDiscovered != 3 {
		t.Errorf("StacksDiscovered = %d, want 3", st.StacksDiscovered)
	}
	if !tr.window.opened || !tr.window.closed {
		t.Error("maintenance window not opened and closed")
	}
	if !tr.checker.released {
		t.Error("run lock not released")
	}
	if len(tr.rotator.calls) != 2 {
		t.Errorf("rotator calls = %v, want backups and logs", tr.rotator.calls)
	}
	if tr.notifier.sent == nil {
		t.Fatal("no report sent")
	}
	if tr.notifier.sent.Status != notify.StatusSuccess {
		t.Errorf("report status = %s", tr.notifier.sent.Status)
	}
	if tr.exporter.m == nil || tr.exporter.m.ExitCode != 0 {
		t.Errorf("metrics = %+v", tr.exporter.m)
	}
}

func TestSnapshotFailureStillRestartsEverything(t *testing.T) {
	tr := newTestRun(nil)
	tr.archiver.createErr = errors.New("tar exploded")

	code := tr.orch.Run(context.Background())
	if code != types.ExitSnapshotError {
		t.Fatalf("Run() = %s, want snapshot error", code)
	}
	if code.Process() != 1 {
		t.Errorf("process exit = %d, want 1", code.Process())
	}

	st := tr.orch.State()
	if len(st.Errors) != 1 {
		t.Errorf("errors = %v, want exactly one", st.Errors)
	}
	// Both restart stages ran: priority stack alone, then the rest.
	if !tr.controller.has("start(1)") || !tr.controller.has("start(2)") {
		t.Errorf("restarts missing, calls = %v", tr.controller.calls)
	}
	if tr.syncer.called {
		t.Error("sync ran after snapshot failure")
	}
	if !tr.window.closed {
		t.Error("window left open after snapshot failure")
	}
	if !tr.checker.released {
		t.Error("lock left held after snapshot failure")
	}
	if tr.notifier.sent == nil || tr.notifier.sent.Status != notify.StatusFailure {
		t.Errorf("report = %+v", tr.notifier.sent)
	}
}

func TestEmptyArchiveIsSnapshotError(t *testing.T) {
	tr := newTestRun(nil)
	tr.archiver.result = &archive.CreateResult{}

	code := tr.orch.Run(context.Background())
	if code != types.ExitSnapshotError {
		t.Fatalf("Run() = %s, want snapshot error", code)
	}
	st := tr.orch.State()
	if len(st.Errors) != 1 {
		t.Errorf("errors = %v, want exactly one", st.Errors)
	}
	if !tr.controller.has("start(1)") || !tr.controller.has("start(2)") {
		t.Errorf("restart stages skipped, calls = %v", tr.controller.calls)
	}
}

func TestCancellationDuringShutdownSkipsSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := newTestRun(nil)
	tr.controller.cancelDuringStop = cancel

	code := tr.orch.Run(ctx)
	if code != types.ExitCancelled {
		t.Fatalf("Run() = %s, want cancelled", code)
	}

	st := tr.orch.State()
	for _, call := range tr.archiver.calls {
		if call == "create" {
			t.Error("snapshot ran after cancellation during shutdown")
		}
	}
	if tr.syncer.called {
		t.Error("sync ran after cancellation")
	}
	// Finalization still restored services and cleaned up.
	if !tr.controller.has("start(") {
		t.Errorf("no restart after cancellation, calls = %v", tr.controller.calls)
	}
	if st.Stage != StageComplete {
		t.Errorf("final stage = %s, want COMPLETE", st.Stage)
	}
	if !tr.checker.released {
		t.Error("lock left held after cancellation")
	}
}

func TestSyncFailureIsRunFailure(t *testing.T) {
	tr := newTestRun(nil)
	tr.syncer.result = &storage.SyncResult{
		Status:    storage.SyncFailed,
		Attempts:  3,
		LastError: "connection reset",
	}

	code := tr.orch.Run(context.Background())
	if code != types.ExitSyncError {
		t.Fatalf("Run() = %s, want sync error", code)
	}
	st := tr.orch.State()
	if st.Succeeded() {
		t.Error("run with failed sync reported success")
	}
	if !st.SnapshotCreated {
		t.Error("snapshot flag lost")
	}
	if !tr.controller.has("start(2)") {
		t.Error("remaining workloads not restarted after sync failure")
	}
}

func TestSurvivorsAreWarningsNotErrors(t *testing.T) {
	tr := newTestRun(nil)
	tr.controller.stopOK = false
	tr.controller.survivors = []string{"abc123 (plex)"}

	code := tr.orch.Run(context.Background())
	if code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success despite survivors", code)
	}
	st := tr.orch.State()
	if len(st.Errors) != 0 {
		t.Errorf("errors = %v, want none", st.Errors)
	}
	if len(st.Warnings) == 0 {
		t.Error("survivors produced no warning")
	}
	if len(st.Survivors) != 1 {
		t.Errorf("survivors = %v", st.Survivors)
	}
	// The one container found was never stopped, so the stopped count
	// must not claim it.
	if st.ContainersStopped != 0 {
		t.Errorf("ContainersStopped = %d, want 0 when every found container survives", st.ContainersStopped)
	}
	// Snapshot proceeded anyway.
	if !st.SnapshotCreated {
		t.Error("snapshot skipped because of survivors")
	}
	if tr.notifier.sent.Status != notify.StatusWarning {
		t.Errorf("report status = %s, want warning", tr.notifier.sent.Status)
	}
}

func TestVerifyFailureIsWarningAndSyncStillRuns(t *testing.T) {
	tr := newTestRun(nil)
	tr.archiver.verifyErr = errors.New("truncated stream")

	code := tr.orch.Run(context.Background())
	if code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success", code)
	}
	st := tr.orch.State()
	if st.SnapshotVerified {
		t.Error("verified flag set despite failure")
	}
	if !tr.syncer.called {
		t.Error("sync skipped after verify failure")
	}
	if len(st.Warnings) == 0 {
		t.Error("verify failure produced no warning")
	}
}

func TestPreflightLockFailure(t *testing.T) {
	tr := newTestRun(nil)
	tr.checker.err = errors.New("lock file check failed: active lock held")
	tr.checker.results = []checks.CheckResult{
		{Name: "Directories", Passed: true},
		{Name: "Lock File", Passed: false, Message: "active lock held"},
	}

	code := tr.orch.Run(context.Background())
	if code != types.ExitLockError {
		t.Fatalf("Run() = %s, want lock error", code)
	}
	// Nothing was touched: no stop, no snapshot, no lock release.
	if tr.controller.has("stop(") {
		t.Error("workloads touched after failed preflight")
	}
	if len(tr.archiver.calls) != 0 {
		t.Error("archiver invoked after failed preflight")
	}
	if tr.checker.released {
		t.Error("released a lock this run never held")
	}
}

func TestEmergencyRestartWhenNothingRuns(t *testing.T) {
	tr := newTestRun(nil)
	tr.controller.runningAfter = nil

	code := tr.orch.Run(context.Background())
	if code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success", code)
	}
	if !tr.controller.has("emergency") {
		t.Errorf("no emergency restart, calls = %v", tr.controller.calls)
	}
	st := tr.orch.State()
	if len(st.Warnings) == 0 {
		t.Error("emergency restart produced no warning")
	}
}

func TestDryRunSkipsSyncAndSucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	tr := newTestRun(cfg)
	tr.archiver.result = &archive.CreateResult{} // dry run writes nothing

	code := tr.orch.Run(context.Background())
	if code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success", code)
	}
	if tr.syncer.called {
		t.Error("sync ran without an archive on disk")
	}
	st := tr.orch.State()
	if !st.SnapshotCreated {
		t.Error("dry run snapshot not marked created")
	}
	if st.SyncStatus != string(storage.SyncSkipped) {
		t.Errorf("sync status = %s, want skipped", st.SyncStatus)
	}
}

func TestStageStrings(t *testing.T) {
	want := []string{
		"INIT", "PREFLIGHT", "SUPPRESS_ALERTS", "STOP_WORKLOADS", "SNAPSHOT",
		"VERIFY", "RESTART_PRIORITY", "SYNC", "RESTART_ALL", "CLEANUP", "COMPLETE",
	}
	for i, name := range want {
		if got := Stage(i).String(); got != name {
			t.Errorf("Stage(%d) = %s, want %s", i, got, name)
		}
	}
}

func TestRunErrorFormatting(t *testing.T) {
	inner := errors.New("disk full")
	err := &RunError{Kind: KindSnapshot, Detail: "tar failed", Err: inner}
	if !strings.Contains(err.Error(), "snapshot") || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("RunError does not unwrap")
	}
}

func TestReportLinksUploadedLog(t *testing.T) {
	tr := newTestRun(nil)
	upload := &fakeLogUpload{url: "https://bin.example/?abc123#key"}
	tr.orch.deps.LogUpload = upload

	if code := tr.orch.Run(context.Background()); code != types.ExitSuccess {
		t.Fatalf("Run() = %s, want success", code)
	}
	if !upload.uploaded {
		t.Error("run log never uploaded")
	}
	if tr.notifier.sent == nil || tr.notifier.sent.LogURL != upload.url {
		t.Errorf("report LogURL = %q, want %q", tr.notifier.sent.LogURL, upload.url)
	}
}

func TestReportSkipsDisabledLogUpload(t *testing.T) {
	tr := newTestRun(nil)
	upload := &fakeLogUpload{} // no log file -> disabled
	tr.orch.deps.LogUpload = upload

	tr.orch.Run(context.Background())
	if upload.uploaded {
		t.Error("disabled uploader was invoked")
	}
	if tr.notifier.sent.LogURL != "" {
		t.Errorf("report LogURL = %q, want empty", tr.notifier.sent.LogURL)
	}
}
