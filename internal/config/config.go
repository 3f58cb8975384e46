// Package config loads and validates the backup.env configuration file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/types"
	"github.com/engels74/stacksave/pkg/utils"
)

// Config holds the full runtime configuration of a backup run.
type Config struct {
	// Paths
	StacksDir    string   // Root directory scanned for compose files
	SourceDirs   []string // Directories included in the archive
	ExcludeGlobs []string // tar --exclude patterns
	BackupDir    string   // Local archive destination
	LogDir       string   // Log file directory
	StateDir     string   // Lock file, maintenance window handle
	PasswordFile string   // Encryption password (single line)

	// Workloads
	PriorityComposeFile  string // Compose file restarted before verification
	PriorityDataDir      string // Archived first, before the bulk of SourceDirs
	DockerBin            string
	ShutdownGraceSeconds int           // Per-container grace passed to docker stop -t
	ShutdownMaxRetries   int           // Escalation rounds before giving up
	ShutdownTimeout      time.Duration // Wall-clock budget for the whole shutdown
	StartSettleDelay     time.Duration // Pause after docker compose up -d

	// Archive
	Compression      types.CompressionType
	CompressionLevel int

	// Sync
	RcloneBin       string
	RcloneRemote    string // destination, e.g. "crypt-b2:host-backups"
	RcloneTransfers int
	SyncEnabled     bool
	SyncMaxAttempts int
	SyncBaseDelay   time.Duration
	SyncMaxDelay    time.Duration
	SyncTimeout     time.Duration // Overall deadline across all attempts

	// Run limits
	OverallTimeout     time.Duration // Also the stale-lock threshold
	MinDiskFreeGB      float64
	MinDiskFreePercent float64

	// Retention
	MaxLocalBackups int
	MaxLogFiles     int

	// Notifications
	DiscordWebhookURL string
	NotifyTimeout     int // seconds
	NotifyMaxRetries  int
	NotifyRetryDelay  int // seconds
	PrivateBinEnabled bool   // Upload the run log so the report can link it
	PrivateBinBin     string // Paste CLI (gearnode/privatebin)

	// Monitoring maintenance window
	MonitorURL         string
	MonitorToken       string
	MaintenanceEnabled bool

	// Metrics
	MetricsEnabled     bool
	MetricsTextfileDir string

	// Logging
	LogLevel types.LogLevel
	UseColor bool

	DryRun bool
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := parseEnvFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()

	getString(raw, "STACKS_DIR", &cfg.StacksDir)
	getList(raw, "SOURCE_DIRS", &cfg.SourceDirs)
	getList(raw, "EXCLUDE_GLOBS", &cfg.ExcludeGlobs)
	getString(raw, "BACKUP_DIR", &cfg.BackupDir)
	getString(raw, "LOG_DIR", &cfg.LogDir)
	getString(raw, "STATE_DIR", &cfg.StateDir)
	getString(raw, "PASSWORD_FILE", &cfg.PasswordFile)

	getString(raw, "PRIORITY_COMPOSE_FILE", &cfg.PriorityComposeFile)
	getString(raw, "PRIORITY_DATA_DIR", &cfg.PriorityDataDir)
	getString(raw, "DOCKER_BIN", &cfg.DockerBin)
	getInt(raw, "SHUTDOWN_GRACE_SECONDS", &cfg.ShutdownGraceSeconds)
	getInt(raw, "SHUTDOWN_MAX_RETRIES", &cfg.ShutdownMaxRetries)
	getSeconds(raw, "SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	getSeconds(raw, "START_SETTLE_DELAY", &cfg.StartSettleDelay)

	if v, ok := raw["COMPRESSION"]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "pigz":
			cfg.Compression = types.CompressionPigz
		case "gzip", "gz":
			cfg.Compression = types.CompressionGzip
		case "none":
			cfg.Compression = types.CompressionNone
		default:
			return nil, fmt.Errorf("invalid COMPRESSION value %q (pigz|gzip|none)", v)
		}
	}
	getInt(raw, "COMPRESSION_LEVEL", &cfg.CompressionLevel)

	getString(raw, "RCLONE_BIN", &cfg.RcloneBin)
	getString(raw, "RCLONE_REMOTE", &cfg.RcloneRemote)
	getInt(raw, "RCLONE_TRANSFERS", &cfg.RcloneTransfers)
	getBool(raw, "SYNC_ENABLED", &cfg.SyncEnabled)
	getInt(raw, "SYNC_MAX_ATTEMPTS", &cfg.SyncMaxAttempts)
	getSeconds(raw, "SYNC_BASE_DELAY", &cfg.SyncBaseDelay)
	getSeconds(raw, "SYNC_MAX_DELAY", &cfg.SyncMaxDelay)
	getSeconds(raw, "SYNC_TIMEOUT", &cfg.SyncTimeout)

	getSeconds(raw, "OVERALL_TIMEOUT", &cfg.OverallTimeout)
	getFloat(raw, "MIN_DISK_FREE_GB", &cfg.MinDiskFreeGB)
	getFloat(raw, "MIN_DISK_FREE_PERCENT", &cfg.MinDiskFreePercent)

	getInt(raw, "MAX_LOCAL_BACKUPS", &cfg.MaxLocalBackups)
	getInt(raw, "MAX_LOG_FILES", &cfg.MaxLogFiles)

	getString(raw, "DISCORD_WEBHOOK_URL", &cfg.DiscordWebhookURL)
	getInt(raw, "NOTIFY_TIMEOUT", &cfg.NotifyTimeout)
	getInt(raw, "NOTIFY_MAX_RETRIES", &cfg.NotifyMaxRetries)
	getInt(raw, "NOTIFY_RETRY_DELAY", &cfg.NotifyRetryDelay)
	getBool(raw, "PRIVATEBIN_ENABLED", &cfg.PrivateBinEnabled)
	getString(raw, "PRIVATEBIN_BIN", &cfg.PrivateBinBin)

	getString(raw, "MONITOR_URL", &cfg.MonitorURL)
	getString(raw, "MONITOR_TOKEN", &cfg.MonitorToken)
	getBool(raw, "MAINTENANCE_ENABLED", &cfg.MaintenanceEnabled)

	getBool(raw, "METRICS_ENABLED", &cfg.MetricsEnabled)
	getString(raw, "METRICS_TEXTFILE_DIR", &cfg.MetricsTextfileDir)

	if v, ok := raw["LOG_LEVEL"]; ok {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}
	getBool(raw, "LOG_COLOR", &cfg.UseColor)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		StacksDir:            "/opt/stacks",
		BackupDir:            "/var/backups/stacksave",
		LogDir:               "/var/log/stacksave",
		StateDir:             "/var/lib/stacksave",
		DockerBin:            "docker",
		ShutdownGraceSeconds: 30,
		ShutdownMaxRetries:   3,
		ShutdownTimeout:      5 * time.Minute,
		StartSettleDelay:     10 * time.Second,
		Compression:          types.CompressionPigz,
		CompressionLevel:     6,
		RcloneBin:            "rclone",
		RcloneTransfers:      4,
		SyncEnabled:          true,
		SyncMaxAttempts:      6,
		SyncBaseDelay:        30 * time.Second,
		SyncMaxDelay:         5 * time.Minute,
		SyncTimeout:          90 * time.Minute,
		OverallTimeout:       2 * time.Hour,
		MinDiskFreeGB:        5.0,
		MinDiskFreePercent:   10.0,
		MaxLocalBackups:      7,
		MaxLogFiles:          14,
		NotifyTimeout:        30,
		NotifyMaxRetries:     3,
		NotifyRetryDelay:     2,
		PrivateBinEnabled:    true,
		PrivateBinBin:        "privatebin",
		MetricsTextfileDir:   "/var/lib/node_exporter/textfile_collector",
		LogLevel:             types.LogLevelInfo,
		UseColor:             true,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.StacksDir == "" {
		return fmt.Errorf("STACKS_DIR cannot be empty")
	}
	if c.BackupDir == "" {
		return fmt.Errorf("BACKUP_DIR cannot be empty")
	}
	if c.PasswordFile == "" {
		return fmt.Errorf("PASSWORD_FILE cannot be empty")
	}
	if len(c.SourceDirs) == 0 {
		return fmt.Errorf("SOURCE_DIRS cannot be empty")
	}
	if c.SyncEnabled && c.RcloneRemote == "" {
		return fmt.Errorf("RCLONE_REMOTE required when SYNC_ENABLED=true")
	}
	if c.ShutdownMaxRetries < 1 {
		return fmt.Errorf("SHUTDOWN_MAX_RETRIES must be at least 1")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.SyncBaseDelay <= 0 || c.SyncMaxDelay < c.SyncBaseDelay {
		return fmt.Errorf("SYNC_BASE_DELAY must be positive and SYNC_MAX_DELAY >= SYNC_BASE_DELAY")
	}
	if c.OverallTimeout <= 0 {
		return fmt.Errorf("OVERALL_TIMEOUT must be positive")
	}
	if c.MaxLocalBackups < 1 {
		return fmt.Errorf("MAX_LOCAL_BACKUPS must be at least 1")
	}
	if c.MaintenanceEnabled && (c.MonitorURL == "" || c.MonitorToken == "") {
		return fmt.Errorf("MONITOR_URL and MONITOR_TOKEN required when MAINTENANCE_ENABLED=true")
	}
	if c.MetricsEnabled && c.MetricsTextfileDir == "" {
		return fmt.Errorf("METRICS_TEXTFILE_DIR required when METRICS_ENABLED=true")
	}
	return nil
}

// LockFilePath returns the path of the run lock file.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.StateDir, ".stacksave.lock")
}

// MaintenanceIDFile returns the path where the open maintenance window
// handle is persisted for crash recovery.
func (c *Config) MaintenanceIDFile() string {
	return filepath.Join(c.StateDir, "maintenance-window.json")
}

func parseLogLevel(s string) (types.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "5":
		return types.LogLevelDebug, nil
	case "info", "4":
		return types.LogLevelInfo, nil
	case "warning", "3":
		return types.LogLevelWarning, nil
	case "error", "2":
		return types.LogLevelError, nil
	case "critical", "1":
		return types.LogLevelCritical, nil
	case "none", "0":
		return types.LogLevelNone, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL value %q", s)
	}
}

func getString(raw map[string]string, key string, dst *string) {
	if v, ok := raw[key]; ok {
		*dst = strings.TrimSpace(v)
	}
}

func getBool(raw map[string]string, key string, dst *bool) {
	if v, ok := raw[key]; ok {
		*dst = utils.ParseBool(v)
	}
}

func getInt(raw map[string]string, key string, dst *int) {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func getFloat(raw map[string]string, key string, dst *float64) {
	if v, ok := raw[key]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

// getSeconds reads an integer number of seconds into a time.Duration.
func getSeconds(raw map[string]string, key string, dst *time.Duration) {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// getList reads a colon-separated list of values.
func getList(raw map[string]string, key string, dst *[]string) {
	v, ok := raw[key]
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ":") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if utils.IsComment(trimmed) {
			continue
		}

		key, value, ok := utils.SplitKeyValue(line)
		if !ok {
			continue
		}
		raw[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}
