package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/types"
)

func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(path, []byte("stage: snapshot\nstage: sync\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestUploader(logPath string) *LogUploader {
	logger := logging.New(types.LogLevelNone, false)
	u := NewLogUploader(logger, "privatebin", logPath, false)
	u.lookPath = func(name string) (string, error) { return name, nil }
	return u
}

func TestUploadReturnsTrimmedURL(t *testing.T) {
	u := newTestUploader(writeTestLog(t))
	u.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "echo", "https://bin.example/?abc123#key")
	}

	link := u.Upload(context.Background())
	if link != "https://bin.example/?abc123#key" {
		t.Errorf("Upload() = %q", link)
	}
}

func TestUploadMissingCLIIsNoOp(t *testing.T) {
	u := newTestUploader(writeTestLog(t))
	u.lookPath = func(name string) (string, error) {
		return "", fmt.Errorf("%s not found", name)
	}
	u.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		t.Fatal("CLI executed although lookPath failed")
		return nil
	}

	if link := u.Upload(context.Background()); link != "" {
		t.Errorf("Upload() = %q, want empty", link)
	}
}

func TestUploadFailureReturnsEmpty(t *testing.T) {
	u := newTestUploader(writeTestLog(t))
	u.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}

	if link := u.Upload(context.Background()); link != "" {
		t.Errorf("Upload() = %q, want empty on CLI failure", link)
	}
}

func TestUploadEmptyOutputReturnsEmpty(t *testing.T) {
	u := newTestUploader(writeTestLog(t))
	u.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "true")
	}

	if link := u.Upload(context.Background()); link != "" {
		t.Errorf("Upload() = %q, want empty when the CLI prints nothing", link)
	}
}

func TestUploadDisabledWithoutLogFile(t *testing.T) {
	u := newTestUploader("")
	if u.Enabled() {
		t.Error("Enabled() = true without a log file")
	}
	if link := u.Upload(context.Background()); link != "" {
		t.Errorf("Upload() = %q, want empty", link)
	}
}

func TestUploadDisabledInDryRun(t *testing.T) {
	logger := logging.New(types.LogLevelNone, false)
	u := NewLogUploader(logger, "privatebin", writeTestLog(t), true)
	if u.Enabled() {
		t.Error("Enabled() = true in dry run")
	}
}
