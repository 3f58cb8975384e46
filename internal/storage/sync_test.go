package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/run"
	"github.com/engels74/stacksave/internal/types"
)

// syncFakeRunner scripts rclone invocations. Each scripted call may
// write content into the --log-file path the engine passed.
type syncFakeRunner struct {
	t       *testing.T
	calls   int
	results []run.Result
	logs    []string
	onCall  func(attempt int)
}

func (f *syncFakeRunner) Run(_ context.Context, _ time.Duration, name string, args ...string) run.Result {
	idx := f.calls
	f.calls++
	if f.onCall != nil {
		f.onCall(f.calls)
	}

	if idx < len(f.logs) && f.logs[idx] != "" {
		logPath := ""
		for i, arg := range args {
			if arg == "--log-file" && i+1 < len(args) {
				logPath = args[i+1]
			}
		}
		if logPath == "" {
			f.t.Fatal("rclone invoked without --log-file")
		}
		if err := os.WriteFile(logPath, []byte(f.logs[idx]), 0600); err != nil {
			f.t.Fatalf("write fake log: %v", err)
		}
	}

	if idx < len(f.results) {
		return f.results[idx]
	}
	return run.Result{ExitCode: 0}
}

func (f *syncFakeRunner) LookPath(name string) (string, error) { return name, nil }

func newTestEngine(t *testing.T, runner run.Runner) (*SyncEngine, *[]time.Duration) {
	logger := logging.New(types.LogLevelNone, false)
	e := NewSyncEngine(logger, runner, "rclone", 4, false)
	e.tempDir = t.TempDir()

	var delays []time.Duration
	e.sleep = func(d time.Duration) { delays = append(delays, d) }
	return e, &delays
}

func TestBackoffDelaySequence(t *testing.T) {
	base := 30 * time.Second
	max := 5 * time.Minute

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, expected := range want {
		if got := backoffDelay(i+1, base, max); got != expected {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestSyncSucceedsFirstAttempt(t *testing.T) {
	statsLine := `{"level":"info","msg":"done","stats":{"bytes":1048576,"transfers":3,"errors":0,"checks":12,"totalBytes":1048576}}`
	runner := &syncFakeRunner{t: t, results: []run.Result{{ExitCode: 0}}, logs: []string{statsLine}}
	e, delays := newTestEngine(t, runner)

	result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 6, 30*time.Second, 5*time.Minute, time.Hour)

	if result.Status != SyncSuccess {
		t.Fatalf("Status = %s, want success (last error: %s)", result.Status, result.LastError)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if result.BytesTransferred != 1048576 || result.Transfers != 3 || result.Checks != 12 {
		t.Errorf("stats not merged: %+v", result)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %v on a clean first attempt", *delays)
	}
}

func TestSyncFatalExitCodeReturnsImmediately(t *testing.T) {
	for _, code := range []int{1, 3, 4, 7} {
		runner := &syncFakeRunner{t: t, results: []run.Result{{ExitCode: code, Stderr: "directory not found"}}}
		e, delays := newTestEngine(t, runner)

		result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 6, 30*time.Second, 5*time.Minute, time.Hour)

		if result.Status != SyncFailed {
			t.Errorf("exit %d: Status = %s, want failed", code, result.Status)
		}
		if result.Attempts != 1 {
			t.Errorf("exit %d: Attempts = %d, want 1 (fatal must not retry)", code, result.Attempts)
		}
		if runner.calls != 1 {
			t.Errorf("exit %d: rclone invoked %d times", code, runner.calls)
		}
		if len(*delays) != 0 {
			t.Errorf("exit %d: backoff slept before a fatal return", code)
		}
	}
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	errLine := `{"level":"error","msg":"connection reset by peer"}`
	runner := &syncFakeRunner{
		t: t,
		results: []run.Result{
			{ExitCode: 5, Stderr: "temporary error"},
			{ExitCode: 5, Stderr: "temporary error"},
			{ExitCode: 0},
		},
		logs: []string{errLine, errLine, `{"level":"info","msg":"ok","stats":{"bytes":10,"transfers":1}}`},
	}
	e, delays := newTestEngine(t, runner)

	result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 6, 30*time.Second, 5*time.Minute, time.Hour)

	if result.Status != SyncSuccess {
		t.Fatalf("Status = %s, want success", result.Status)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	want := []time.Duration{30 * time.Second, 60 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestSyncTimeoutIsRetryable(t *testing.T) {
	// Exit code 1 would be fatal, but a timed-out attempt is always
	// retried regardless of the code the kill produced.
	runner := &syncFakeRunner{
		t: t,
		results: []run.Result{
			{ExitCode: 1, TimedOut: true},
			{ExitCode: 0},
		},
	}
	e, _ := newTestEngine(t, runner)

	result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 3, time.Second, time.Minute, time.Hour)

	if result.Status != SyncSuccess {
		t.Fatalf("Status = %s, want success after timed-out retry", result.Status)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestSyncExhaustsAttempts(t *testing.T) {
	runner := &syncFakeRunner{
		t: t,
		results: []run.Result{
			{ExitCode: 5, Stderr: "boom"},
			{ExitCode: 5, Stderr: "boom"},
			{ExitCode: 5, Stderr: "boom"},
		},
	}
	e, delays := newTestEngine(t, runner)

	result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 3, time.Second, time.Minute, time.Hour)

	if result.Status != SyncFailed {
		t.Fatalf("Status = %s, want failed", result.Status)
	}
	if result.Attempts != 3 || runner.calls != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3/3", result.Attempts, runner.calls)
	}
	if len(*delays) != 2 {
		t.Errorf("slept %d times, want 2 (no sleep after final attempt)", len(*delays))
	}
	if result.LastError == "" {
		t.Error("LastError empty after exhaustion")
	}
}

func TestSyncCancelledBeforeRetrySleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runner := &syncFakeRunner{
		t:       t,
		results: []run.Result{{ExitCode: 5, Stderr: "transient"}},
	}
	runner.onCall = func(attempt int) {
		if attempt == 1 {
			cancel()
		}
	}
	e, delays := newTestEngine(t, runner)

	result := e.SyncWithRetry(ctx, "/backups", "remote:host", 6, 30*time.Second, 5*time.Minute, time.Hour)

	if result.Status != SyncFailed {
		t.Fatalf("Status = %s, want failed", result.Status)
	}
	if result.Attempts != 1 || runner.calls != 1 {
		t.Errorf("Attempts = %d, calls = %d, want 1/1", result.Attempts, runner.calls)
	}
	if len(*delays) != 0 {
		t.Error("engine slept through a cancelled retry")
	}
	if result.LastError != "sync cancelled" {
		t.Errorf("LastError = %q", result.LastError)
	}
}

func TestSyncDeadlineStopsRetries(t *testing.T) {
	runner := &syncFakeRunner{
		t:       t,
		results: []run.Result{{ExitCode: 5, Stderr: "transient"}},
	}
	e, _ := newTestEngine(t, runner)

	// Overall budget of zero: the first attempt never starts.
	result := e.SyncWithRetry(context.Background(), "/backups", "remote:host", 6, time.Second, time.Minute, 0)

	if result.Status != SyncFailed {
		t.Fatalf("Status = %s, want failed", result.Status)
	}
	if runner.calls != 0 {
		t.Errorf("rclone invoked %d times with exhausted deadline", runner.calls)
	}
}

func TestParseTransferLog(t *testing.T) {
	content := `plain text noise
{"level":"info","msg":"starting"}
{"level":"error","msg":"first error"}
{"level":"error","msg":"second error"}
{"level":"info","msg":"progress","stats":{"bytes":100,"transfers":1,"errors":1}}
{"level":"error","msg":"third error"}
{"level":"error","msg":"fourth error"}
not json either
{"level":"info","msg":"final","stats":{"bytes":500,"transfers":5,"errors":2,"checks":9,"totalBytes":600,"lastError":"fourth error"}}
`
	path := filepath.Join(t.TempDir(), "rclone.log")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	stats, errMsgs, err := parseTransferLog(path)
	if err != nil {
		t.Fatalf("parseTransferLog() error: %v", err)
	}

	// The last stats record replaces every earlier aggregate.
	if stats == nil || stats.Bytes != 500 || stats.Transfers != 5 || stats.TotalBytes != 600 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastError != "fourth error" {
		t.Errorf("LastError = %q", stats.LastError)
	}

	// Only the most recent three error messages survive.
	want := []string{"second error", "third error", "fourth error"}
	if len(errMsgs) != len(want) {
		t.Fatalf("errMsgs = %v, want %v", errMsgs, want)
	}
	for i, msg := range want {
		if errMsgs[i] != msg {
			t.Errorf("errMsgs[%d] = %q, want %q", i, errMsgs[i], msg)
		}
	}
}

func TestParseTransferLogMissingFile(t *testing.T) {
	if _, _, err := parseTransferLog("/nonexistent/rclone.log"); err == nil {
		t.Error("parseTransferLog() expected error for missing file")
	}
}
