// Package storage handles off-site replication and local retention of
// backup archives.
package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/run"
	"github.com/engels74/stacksave/pkg/utils"
)

// SyncStatus is the terminal state of a sync operation.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// SyncResult aggregates the outcome of a sync operation across all attempts.
type SyncResult struct {
	Status           SyncStatus
	ExitCode         int
	Attempts         int
	Duration         time.Duration
	Transfers        int64
	BytesTransferred int64
	Errors           int64
	Checks           int64
	TotalBytes       int64
	LastError        string
	ErrorMessages    []string // Last error-level messages from the transfer log
}

// fatalExitCodes are rclone exits where a retry cannot help: usage error,
// directory not found, file not found, fatal error.
var fatalExitCodes = map[int]struct{}{
	1: {},
	3: {},
	4: {},
	7: {},
}

// keepErrorMessages bounds how many transfer-log error lines are retained.
const keepErrorMessages = 3

// SyncEngine replicates the local backup directory to an off-site rclone
// remote with bounded, escalating retries.
type SyncEngine struct {
	logger    *logging.Logger
	runner    run.Runner
	rcloneBin string
	transfers int
	dryRun    bool

	sleep   func(time.Duration) // injected for tests
	tempDir string
}

// NewSyncEngine creates a sync engine using the given rclone binary.
func NewSyncEngine(logger *logging.Logger, runner run.Runner, rcloneBin string, transfers int, dryRun bool) *SyncEngine {
	if rcloneBin == "" {
		rcloneBin = "rclone"
	}
	if transfers <= 0 {
		transfers = 4
	}
	return &SyncEngine{
		logger:    logger,
		runner:    runner,
		rcloneBin: rcloneBin,
		transfers: transfers,
		dryRun:    dryRun,
		sleep:     time.Sleep,
		tempDir:   os.TempDir(),
	}
}

// SyncWithRetry mirrors source to destination, retrying transient
// failures with exponential backoff. It returns once the sync succeeds,
// a fatal exit code is seen, attempts are exhausted, the overall
// deadline passes, or the context is cancelled. The result always
// carries the attempt count and the last error seen.
func (e *SyncEngine) SyncWithRetry(ctx context.Context, source, destination string, maxAttempts int, baseDelay, maxDelay, overallTimeout time.Duration) *SyncResult {
	start := time.Now()
	deadline := start.Add(overallTimeout)

	result := &SyncResult{Status: SyncFailed}

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.LastError = "sync cancelled"
			e.logger.Warning("Sync cancelled before attempt %d", attempt)
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			result.LastError = "sync deadline exhausted"
			e.logger.Warning("Sync deadline exhausted before attempt %d", attempt)
			break
		}

		result.Attempts = attempt
		e.logger.Step("Sync attempt %d/%d: %s -> %s", attempt, maxAttempts, source, destination)

		attemptResult := e.syncOnce(ctx, source, destination, remaining)
		e.mergeAttempt(result, attemptResult)

		if attemptResult.exitCode == 0 && attemptResult.err == nil && !attemptResult.timedOut {
			result.Status = SyncSuccess
			result.Duration = time.Since(start)
			e.logger.Info("Sync succeeded on attempt %d (%d transfer(s), %s)",
				attempt, result.Transfers, utils.FormatBytes(result.BytesTransferred))
			return result
		}

		result.ExitCode = attemptResult.exitCode

		// Timeouts are always retryable; everything else depends on the
		// exit code classification.
		if !attemptResult.timedOut {
			if _, fatal := fatalExitCodes[attemptResult.exitCode]; fatal {
				e.logger.Error("Sync failed with non-retryable exit code %d: %s",
					attemptResult.exitCode, result.LastError)
				result.Duration = time.Since(start)
				return result
			}
		}

		e.logger.Warning("Sync attempt %d/%d failed (exit %d, timed_out=%v): %s",
			attempt, maxAttempts, attemptResult.exitCode, attemptResult.timedOut, result.LastError)

		if attempt < maxAttempts {
			delay := backoffDelay(attempt, baseDelay, maxDelay)
			if ctx.Err() != nil {
				result.LastError = "sync cancelled"
				break
			}
			e.logger.Info("Retrying sync in %s", delay)
			e.sleep(delay)
		}
	}

	result.Duration = time.Since(start)
	if result.LastError == "" {
		result.LastError = fmt.Sprintf("sync failed after %d attempt(s)", result.Attempts)
	}
	return result
}

// backoffDelay returns the pause before attempt+1: base doubled per
// failed attempt, capped at max (30s base: 30, 60, 120, 240, 300, 300...).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type attemptOutcome struct {
	exitCode int
	timedOut bool
	err      error
	stats    *rcloneStats
	errors   []string
	lastErr  string
}

func (e *SyncEngine) syncOnce(ctx context.Context, source, destination string, timeout time.Duration) attemptOutcome {
	logFile, err := os.CreateTemp(e.tempDir, "stacksave-rclone-*.log")
	if err != nil {
		return attemptOutcome{exitCode: -1, err: err, lastErr: fmt.Sprintf("create transfer log: %v", err)}
	}
	logPath := logFile.Name()
	logFile.Close()
	defer os.Remove(logPath)

	args := []string{
		"sync", source, destination,
		"--use-json-log",
		"--log-level", "INFO",
		"--log-file", logPath,
		"--stats", "30s",
		"--stats-one-line",
		"--transfers", fmt.Sprintf("%d", e.transfers),
	}
	if e.dryRun {
		args = append(args, "--dry-run")
	}

	runResult := e.runner.Run(ctx, timeout, e.rcloneBin, args...)

	outcome := attemptOutcome{
		exitCode: runResult.ExitCode,
		timedOut: runResult.TimedOut,
		err:      runResult.Err,
	}

	// The JSON log is parsed on every outcome: a failed attempt still
	// carries transfer statistics and error detail worth surfacing.
	stats, errMsgs, parseErr := parseTransferLog(logPath)
	if parseErr != nil {
		e.logger.Debug("Cannot parse transfer log %s: %v", logPath, parseErr)
	}
	outcome.stats = stats
	outcome.errors = errMsgs

	switch {
	case runResult.TimedOut:
		outcome.lastErr = "sync timed out"
	case runResult.Err != nil:
		outcome.lastErr = runResult.Err.Error()
	case stats != nil && stats.LastError != "":
		outcome.lastErr = stats.LastError
	case len(errMsgs) > 0:
		outcome.lastErr = errMsgs[len(errMsgs)-1]
	case runResult.ExitCode != 0:
		outcome.lastErr = strings.TrimSpace(runResult.Stderr)
	}

	return outcome
}

func (e *SyncEngine) mergeAttempt(result *SyncResult, outcome attemptOutcome) {
	if outcome.stats != nil {
		result.Transfers = outcome.stats.Transfers
		result.BytesTransferred = outcome.stats.Bytes
		result.Errors = outcome.stats.Errors
		result.Checks = outcome.stats.Checks
		result.TotalBytes = outcome.stats.TotalBytes
	}
	if len(outcome.errors) > 0 {
		result.ErrorMessages = append(result.ErrorMessages, outcome.errors...)
		if len(result.ErrorMessages) > keepErrorMessages {
			result.ErrorMessages = result.ErrorMessages[len(result.ErrorMessages)-keepErrorMessages:]
		}
	}
	if outcome.lastErr != "" {
		result.LastError = outcome.lastErr
	}
}

// rcloneStats mirrors the stats object embedded in rclone's JSON log lines.
type rcloneStats struct {
	Bytes      int64  `json:"bytes"`
	Checks     int64  `json:"checks"`
	Errors     int64  `json:"errors"`
	Transfers  int64  `json:"transfers"`
	TotalBytes int64  `json:"totalBytes"`
	LastError  string `json:"lastError"`
}

type transferLogLine struct {
	Level string       `json:"level"`
	Msg   string       `json:"msg"`
	Stats *rcloneStats `json:"stats"`
}

// parseTransferLog scans an rclone --use-json-log file. The last line
// carrying a stats object wins (each stats record replaces the previous
// aggregate); error-level messages are collected with only the most
// recent few kept. Non-JSON lines are ignored.
func parseTransferLog(path string) (*rcloneStats, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var stats *rcloneStats
	var errMsgs []string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var entry transferLogLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		if entry.Stats != nil {
			stats = entry.Stats
		}
		if entry.Level == "error" && entry.Msg != "" {
			errMsgs = append(errMsgs, entry.Msg)
			if len(errMsgs) > keepErrorMessages {
				errMsgs = errMsgs[len(errMsgs)-keepErrorMessages:]
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return stats, errMsgs, err
	}
	return stats, errMsgs, nil
}
