// Package notify delivers end-of-run reports to a Discord webhook.
// Delivery is strictly best-effort: a backup never fails because the
// report could not be sent.
package notify

import (
	"fmt"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/engels74/stacksave/internal/types"
)

// NotificationStatus represents the overall status of a backup run.
type NotificationStatus int

const (
	StatusSuccess NotificationStatus = iota
	StatusWarning
	StatusFailure
)

// String returns the string representation of NotificationStatus.
func (s NotificationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

var titleCaser = cases.Title(language.English)

// Title returns the status name suitable for report headings.
func (s NotificationStatus) Title() string {
	return titleCaser.String(s.String())
}

// StatusForRun maps a run outcome to a notification status: a failed
// exit code is a failure, a clean exit with warnings is a warning.
func StatusForRun(exitCode types.ExitCode, warningCount int) NotificationStatus {
	if exitCode != types.ExitSuccess {
		return StatusFailure
	}
	if warningCount > 0 {
		return StatusWarning
	}
	return StatusSuccess
}

// GetStatusEmoji returns the emoji used in report titles for a status.
func GetStatusEmoji(s NotificationStatus) string {
	switch s {
	case StatusSuccess:
		return "✅"
	case StatusWarning:
		return "⚠️"
	case StatusFailure:
		return "❌"
	default:
		return "❓"
	}
}

// NotificationData contains everything a run report carries.
type NotificationData struct {
	Status        NotificationStatus
	StatusMessage string
	ExitCode      int

	Hostname      string
	RunID         string
	ScriptVersion string

	BackupDate     time.Time
	BackupDuration time.Duration

	// Stage progress
	StagesCompleted int
	StagesTotal     int
	LastStage       string

	// Workload handling
	StacksDiscovered  int
	ContainersStopped int
	Survivors         []string
	ServicesRestarted bool

	// Archive
	BackupFile   string
	BackupSize   int64
	BackupSizeHR string

	// Off-site sync
	SyncEnabled  bool
	SyncStatus   string
	SyncAttempts int
	SyncBytesHR  string

	ErrorCount   int
	WarningCount int
	Errors       []string
	Warnings     []string

	// LogURL links the uploaded full run log, when available.
	LogURL string

	DryRun bool
}

// FormatDuration renders a duration the way reports show it: 1h02m03s,
// 4m05s, or 12s.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := d - m*time.Minute

	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s/time.Second)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s/time.Second)
	default:
		return fmt.Sprintf("%ds", s/time.Second)
	}
}
