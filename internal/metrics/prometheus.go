package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

// BackupMetrics represents the subset of run statistics exported as Prometheus metrics.
type BackupMetrics struct {
	Hostname      string
	ScriptVersion string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ExitCode     int
	ErrorCount   int
	WarningCount int

	StacksDiscovered  int
	ContainersStopped int
	Survivors         int

	ArchiveSize  int64
	LocalBackups int

	SyncAttempts int
	SyncBytes    int64
	SyncSuccess  bool
}

// PrometheusExporter writes run metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the given metrics snapshot to stacksave_backup.prom in
// textfileDir. The file is written to a temp path and renamed so
// node_exporter never observes a half-written scrape.
func (pe *PrometheusExporter) Export(m *BackupMetrics) error {
	if pe == nil || m == nil {
		return nil
	}

	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	tmpPath := filepath.Join(pe.textfileDir, "stacksave_backup.prom.tmp")
	finalPath := filepath.Join(pe.textfileDir, "stacksave_backup.prom")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	writeMetric := func(name, mtype, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintln(f, value)
	}

	startTs := float64(m.StartTime.Unix())
	endTs := float64(m.EndTime.Unix())
	if m.EndTime.IsZero() && !m.StartTime.IsZero() {
		endTs = float64(m.StartTime.Unix() + int64(m.Duration.Seconds()))
	}

	// Status gauge: 0=success, 1=warning, 2=error
	status := 0
	if m.ExitCode != 0 {
		status = 2
	} else if m.WarningCount > 0 {
		status = 1
	}

	writeMetric(
		"stacksave_backup_start_time_seconds",
		"gauge",
		"Unix timestamp of backup start",
		fmt.Sprintf("stacksave_backup_start_time_seconds %.0f", startTs),
	)

	writeMetric(
		"stacksave_backup_end_time_seconds",
		"gauge",
		"Unix timestamp of backup end",
		fmt.Sprintf("stacksave_backup_end_time_seconds %.0f", endTs),
	)

	writeMetric(
		"stacksave_backup_duration_seconds",
		"gauge",
		"Duration of last backup in seconds",
		fmt.Sprintf("stacksave_backup_duration_seconds %.2f", m.Duration.Seconds()),
	)

	writeMetric(
		"stacksave_backup_exit_code",
		"gauge",
		"Exit code of last backup",
		fmt.Sprintf("stacksave_backup_exit_code %d", m.ExitCode),
	)

	writeMetric(
		"stacksave_backup_status",
		"gauge",
		"Status of last backup (0=success,1=warning,2=error)",
		fmt.Sprintf("stacksave_backup_status %d", status),
	)

	writeMetric(
		"stacksave_backup_errors_total",
		"gauge",
		"Total number of errors in last backup",
		fmt.Sprintf("stacksave_backup_errors_total %d", m.ErrorCount),
	)

	writeMetric(
		"stacksave_backup_warnings_total",
		"gauge",
		"Total number of warnings in last backup",
		fmt.Sprintf("stacksave_backup_warnings_total %d", m.WarningCount),
	)

	writeMetric(
		"stacksave_backup_stacks_discovered",
		"gauge",
		"Number of compose stacks discovered in last backup",
		fmt.Sprintf("stacksave_backup_stacks_discovered %d", m.StacksDiscovered),
	)

	writeMetric(
		"stacksave_backup_containers_stopped",
		"gauge",
		"Number of containers running before shutdown in last backup",
		fmt.Sprintf("stacksave_backup_containers_stopped %d", m.ContainersStopped),
	)

	writeMetric(
		"stacksave_backup_shutdown_survivors",
		"gauge",
		"Number of containers still running after escalated shutdown",
		fmt.Sprintf("stacksave_backup_shutdown_survivors %d", m.Survivors),
	)

	writeMetric(
		"stacksave_backup_archive_size_bytes",
		"gauge",
		"Size of last backup archive in bytes",
		fmt.Sprintf("stacksave_backup_archive_size_bytes %d", m.ArchiveSize),
	)

	writeMetric(
		"stacksave_backup_local_backups",
		"gauge",
		"Number of local archives retained after rotation",
		fmt.Sprintf("stacksave_backup_local_backups %d", m.LocalBackups),
	)

	writeMetric(
		"stacksave_backup_sync_attempts",
		"gauge",
		"Number of sync attempts in last backup",
		fmt.Sprintf("stacksave_backup_sync_attempts %d", m.SyncAttempts),
	)

	writeMetric(
		"stacksave_backup_sync_bytes",
		"gauge",
		"Bytes transferred to the remote in last backup",
		fmt.Sprintf("stacksave_backup_sync_bytes %d", m.SyncBytes),
	)

	syncOK := 0
	if m.SyncSuccess {
		syncOK = 1
	}
	writeMetric(
		"stacksave_backup_sync_success",
		"gauge",
		"Whether the off-site sync succeeded (1=yes)",
		fmt.Sprintf("stacksave_backup_sync_success %d", syncOK),
	)

	// Static info metric with labels
	fmt.Fprintf(f, "# HELP stacksave_backup_info Static information about this backup instance\n")
	fmt.Fprintf(f, "# TYPE stacksave_backup_info gauge\n")
	fmt.Fprintf(
		f,
		"stacksave_backup_info{hostname=%q,script_version=%q} 1\n",
		m.Hostname,
		m.ScriptVersion,
	)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync metrics file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename metrics file to %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}

	return nil
}
