// Package checks performs pre-run validation: directories, disk space,
// required tools, encryption password, and the run lock.
package checks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

var (
	osStat     = os.Stat
	osRemove   = os.Remove
	osOpenFile = os.OpenFile
	osMkdirAll = os.MkdirAll
	osReadFile = os.ReadFile
	lookPath   = exec.LookPath
	syncFile   = func(f *os.File) error { return f.Sync() }
	statfs     = syscall.Statfs
)

// Checker performs pre-run validation checks
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
}

// CheckerConfig holds configuration for pre-run checks
type CheckerConfig struct {
	BackupDir          string
	LogDir             string
	StateDir           string
	PasswordFile       string
	RequiredBinaries   []string
	MinDiskFreeGB      float64
	MinDiskFreePercent float64
	LockFilePath       string
	MaxLockAge         time.Duration // Locks older than this are stale and reclaimed
	RunID              string
	DryRun             bool
}

// Validate checks if the checker configuration is valid
func (c *CheckerConfig) Validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("backup directory cannot be empty")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log directory cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory cannot be empty")
	}
	if c.MinDiskFreeGB < 0 || c.MinDiskFreePercent < 0 || c.MinDiskFreePercent > 100 {
		return fmt.Errorf("invalid disk space thresholds (%.1f GB / %.1f%%)", c.MinDiskFreeGB, c.MinDiskFreePercent)
	}
	if c.MaxLockAge <= 0 {
		return fmt.Errorf("max lock age must be positive")
	}
	if c.LockFilePath == "" {
		c.LockFilePath = filepath.Join(c.StateDir, ".stacksave.lock")
	}
	return nil
}

// CheckResult holds the result of a validation check
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a new pre-run checker
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{
		logger: logger,
		config: config,
	}
}

// RunAllChecks performs all pre-run validation checks.
// Order matters: directories must exist before disk space can be measured
// or the lock file created; the lock comes last so a failed environment
// never leaves a lock behind.
func (c *Checker) RunAllChecks() ([]CheckResult, error) {
	c.logger.Debug("Running pre-run validation checks")

	var results []CheckResult

	dirResult := c.CheckDirectories()
	results = append(results, dirResult)
	if !dirResult.Passed {
		return results, fmt.Errorf("directory check failed: %s", dirResult.Message)
	}

	binResult := c.CheckBinaries()
	results = append(results, binResult)
	if !binResult.Passed {
		return results, fmt.Errorf("binary check failed: %s", binResult.Message)
	}

	diskResult := c.CheckDiskSpace()
	results = append(results, diskResult)
	if !diskResult.Passed {
		return results, fmt.Errorf("disk space check failed: %s", diskResult.Message)
	}

	pwResult := c.CheckPasswordFile()
	results = append(results, pwResult)
	if !pwResult.Passed {
		return results, fmt.Errorf("password file check failed: %s", pwResult.Message)
	}

	lockResult := c.CheckLockFile()
	results = append(results, lockResult)
	if !lockResult.Passed {
		return results, fmt.Errorf("lock file check failed: %s", lockResult.Message)
	}

	c.logger.Debug("All pre-run checks passed")
	return results, nil
}

// CheckDirectories verifies required directories exist, creating missing ones
func (c *Checker) CheckDirectories() CheckResult {
	result := CheckResult{
		Name:   "Directories",
		Passed: false,
	}

	dirs := make(map[string]struct{})

	addDir := func(path string) {
		cleaned := filepath.Clean(path)
		if cleaned == "" || cleaned == "." || cleaned == "/" {
			return
		}
		dirs[cleaned] = struct{}{}
	}

	addDir(c.config.BackupDir)
	addDir(c.config.LogDir)
	addDir(c.config.StateDir)
	addDir(filepath.Dir(c.config.LockFilePath))

	for dir := range dirs {
		c.logger.Debug("Checking directory: %s", dir)
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				result.Error = fmt.Errorf("required path is not a directory: %s", dir)
				result.Message = result.Error.Error()
				c.logger.Error("%s", result.Message)
				return result
			}
			continue
		}

		if !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to stat directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		if c.config.DryRun {
			c.logger.Info("[DRY RUN] Would create directory: %s", dir)
			continue
		}

		if err := osMkdirAll(dir, 0755); err != nil {
			result.Error = fmt.Errorf("failed to create directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	result.Passed = true
	result.Message = "All required directories exist"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckBinaries verifies that all required external tools are on PATH
func (c *Checker) CheckBinaries() CheckResult {
	result := CheckResult{
		Name:   "Binaries",
		Passed: false,
	}

	var missing []string
	for _, bin := range c.config.RequiredBinaries {
		if bin == "" {
			continue
		}
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		} else {
			c.logger.Debug("Binary available: %s", bin)
		}
	}

	if len(missing) > 0 {
		result.Error = fmt.Errorf("required binaries not found: %s", strings.Join(missing, ", "))
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Message = "All required binaries available"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckDiskSpace verifies the backup destination has enough free space,
// both in absolute GB and as a percentage of the filesystem
func (c *Checker) CheckDiskSpace() CheckResult {
	result := CheckResult{
		Name:   "Disk Space",
		Passed: false,
	}

	freeGB, freePercent, err := diskSpace(c.config.BackupDir)
	if err != nil {
		result.Error = fmt.Errorf("disk space check failed (%s): %w", c.config.BackupDir, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	c.logger.Debug("Backup destination: %.2f GB free (%.1f%%)", freeGB, freePercent)

	if c.config.MinDiskFreeGB > 0 && freeGB < c.config.MinDiskFreeGB {
		result.Error = fmt.Errorf("insufficient disk space on %s: %.2f GB free, %.2f GB required",
			c.config.BackupDir, freeGB, c.config.MinDiskFreeGB)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	if c.config.MinDiskFreePercent > 0 && freePercent < c.config.MinDiskFreePercent {
		result.Error = fmt.Errorf("insufficient disk space on %s: %.1f%% free, %.1f%% required",
			c.config.BackupDir, freePercent, c.config.MinDiskFreePercent)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Sufficient disk space: %.2f GB free (%.1f%%)", freeGB, freePercent)
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckPasswordFile verifies the encryption password file exists and is non-empty
func (c *Checker) CheckPasswordFile() CheckResult {
	result := CheckResult{
		Name:   "Password File",
		Passed: false,
	}

	if c.config.PasswordFile == "" {
		result.Error = fmt.Errorf("password file path not configured")
		result.Message = result.Error.Error()
		return result
	}

	data, err := osReadFile(c.config.PasswordFile)
	if err != nil {
		result.Error = fmt.Errorf("cannot read password file %s: %w", c.config.PasswordFile, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	if strings.TrimSpace(string(data)) == "" {
		result.Error = fmt.Errorf("password file %s is empty", c.config.PasswordFile)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Message = "Password file present"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckLockFile checks for stale lock files and creates a new lock.
// An active lock from a concurrent run is a distinct failure: the caller
// must exit without touching any workload.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{
		Name:   "Lock File",
		Passed: false,
	}

	lockPath := c.config.LockFilePath
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		if age > c.config.MaxLockAge {
			// A lock older than the overall run deadline belongs to a
			// crashed run; reclaim it.
			c.logger.Warning("Removing stale lock file (age: %v)", age.Round(time.Second))
			if err := osRemove(lockPath); err != nil {
				result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
				result.Message = result.Error.Error()
				return result
			}
		} else {
			result.Message = fmt.Sprintf("Another backup is in progress (lock age: %v)", age.Round(time.Second))
			c.logger.Error("%s", result.Message)
			return result
		}
	}

	if !c.config.DryRun {
		c.logger.Debug("Creating lock file with PID %d", os.Getpid())
		f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
		if err != nil {
			if os.IsExist(err) {
				result.Message = "Another backup acquired the lock"
				c.logger.Error("%s", result.Message)
				return result
			}
			result.Error = fmt.Errorf("failed to create lock file: %w", err)
			result.Message = result.Error.Error()
			return result
		}
		defer f.Close()

		hostname, _ := os.Hostname()
		lockContent := fmt.Sprintf("pid=%d\nhost=%s\nrun_id=%s\ntime=%s\n",
			os.Getpid(), hostname, c.config.RunID, time.Now().Format(time.RFC3339))
		if _, err := f.WriteString(lockContent); err != nil {
			result.Error = fmt.Errorf("failed to write lock file: %w", err)
			result.Message = result.Error.Error()
			return result
		}
		if err := syncFile(f); err != nil {
			c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
		}
	} else {
		c.logger.Info("[DRY RUN] Would create lock file: %s", lockPath)
	}

	result.Passed = true
	result.Message = "Lock file acquired successfully"
	c.logger.Debug("%s", result.Message)
	return result
}

// ReleaseLock removes the lock file
func (c *Checker) ReleaseLock() error {
	lockPath := c.config.LockFilePath

	if c.config.DryRun {
		c.logger.Info("[DRY RUN] Would release lock file: %s", lockPath)
		return nil
	}

	if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	c.logger.Debug("Lock file released: %s", lockPath)
	return nil
}

func diskSpace(path string) (freeGB, freePercent float64, err error) {
	var stat syscall.Statfs_t
	if err := statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	free := float64(stat.Bavail * uint64(stat.Bsize))
	total := float64(stat.Blocks * uint64(stat.Bsize))
	freeGB = free / (1024 * 1024 * 1024)
	if total > 0 {
		freePercent = free / total * 100
	}
	return freeGB, freePercent, nil
}
