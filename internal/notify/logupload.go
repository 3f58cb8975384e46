package notify

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

// uploadTimeout bounds a single paste CLI invocation.
const uploadTimeout = 60 * time.Second

// LogUploader publishes the run log to a PrivateBin instance through the
// privatebin CLI so the run report can link the full log. Strictly
// best-effort: any failure just means the report carries no link.
type LogUploader struct {
	logger  *logging.Logger
	binary  string
	logPath string
	dryRun  bool

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath    func(string) (string, error)
}

// NewLogUploader creates an uploader for the given log file. An empty
// logPath yields a disabled uploader.
func NewLogUploader(logger *logging.Logger, binary, logPath string, dryRun bool) *LogUploader {
	if binary == "" {
		binary = "privatebin"
	}
	return &LogUploader{
		logger:      logger,
		binary:      binary,
		logPath:     logPath,
		dryRun:      dryRun,
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
	}
}

// Enabled reports whether an upload will be attempted at all.
func (u *LogUploader) Enabled() bool {
	return u.logPath != "" && !u.dryRun
}

// Upload pastes the run log and returns its URL, or "" when the upload
// is disabled, the CLI is missing, or the paste fails.
func (u *LogUploader) Upload(ctx context.Context) string {
	if !u.Enabled() {
		return ""
	}
	if _, err := u.lookPath(u.binary); err != nil {
		u.logger.Warning("PrivateBin CLI %q not found, skipping log upload", u.binary)
		return ""
	}

	file, err := os.Open(u.logPath)
	if err != nil {
		u.logger.Warning("Cannot open log file for upload: %v", err)
		return ""
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	cmd := u.execCommand(ctx, u.binary, "create")
	cmd.Stdin = file
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	u.logger.Info("Uploading run log to PrivateBin")
	if err := cmd.Run(); err != nil {
		u.logger.Warning("Log upload failed: %v (%s)", err, strings.TrimSpace(stderr.String()))
		return ""
	}

	link := strings.TrimSpace(stdout.String())
	if link == "" {
		u.logger.Warning("PrivateBin CLI produced no URL")
		return ""
	}
	u.logger.Info("Run log uploaded: %s", link)
	return link
}
