package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/engels74/stacksave/internal/archive"
	"github.com/engels74/stacksave/internal/checks"
	"github.com/engels74/stacksave/internal/cli"
	"github.com/engels74/stacksave/internal/config"
	"github.com/engels74/stacksave/internal/docker"
	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/maintenance"
	"github.com/engels74/stacksave/internal/metrics"
	"github.com/engels74/stacksave/internal/notify"
	"github.com/engels74/stacksave/internal/orchestrator"
	"github.com/engels74/stacksave/internal/run"
	"github.com/engels74/stacksave/internal/storage"
	"github.com/engels74/stacksave/internal/types"
	"github.com/engels74/stacksave/internal/version"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	bootstrap := logging.NewBootstrapLogger()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Process())
		}
	}()

	args := cli.Parse()
	if args.ShowHelp {
		cli.ShowHelp()
	}
	if args.ShowVersion {
		cli.ShowVersion()
	}

	bootstrap.Info("stacksave %s starting", version.String())
	bootstrap.Debug("Configuration file: %s (%s)", args.ConfigPath, args.ConfigPathSource)

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		bootstrap.Error("Cannot load configuration from %s: %v", args.ConfigPath, err)
		bootstrap.Flush(logging.New(types.LogLevelInfo, false))
		return types.ExitConfigError.Process()
	}
	if args.DryRun {
		cfg.DryRun = true
	}
	if args.LogLevel != types.LogLevelNone {
		cfg.LogLevel = args.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Error("Invalid configuration: %v", err)
		bootstrap.Flush(logging.New(types.LogLevelInfo, false))
		return types.ExitConfigError.Process()
	}

	logger := logging.New(cfg.LogLevel, cfg.UseColor)
	logging.SetDefaultLogger(logger)
	bootstrap.Flush(logger)

	var runLogPath string
	if cfg.LogDir != "" {
		logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("stacksave-%s.log", time.Now().Format("20060102-150405")))
		if err := logger.OpenLogFile(logPath); err != nil {
			logger.Warning("Cannot open log file %s: %v", logPath, err)
		} else {
			runLogPath = logPath
			defer logger.CloseLogFile()
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	runID := uuid.NewString()[:8]

	window := maintenance.NewClient(logger, cfg.MonitorURL, cfg.MonitorToken, cfg.MaintenanceIDFile(),
		time.Duration(cfg.NotifyTimeout)*time.Second)
	if !cfg.MaintenanceEnabled {
		window = maintenance.NewClient(logger, "", "", cfg.MaintenanceIDFile(), 0)
	}

	// Standalone recovery path: close a window left behind by a crashed
	// run, without starting a backup.
	if args.CloseWindow {
		found, err := window.CloseDangling(context.Background())
		if err != nil {
			logger.Error("Cannot close dangling maintenance window: %v", err)
			return types.ExitGenericError.Process()
		}
		if !found {
			logger.Info("No dangling maintenance window found")
		}
		return types.ExitSuccess.Process()
	}

	// SIGINT/SIGTERM request an orderly stop: the current unit of work
	// finishes, then the orchestrator heads to finalization.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OverallTimeout)
		defer cancel()
	}

	passphrase, err := archive.LoadPassphrase(cfg.PasswordFile)
	if err != nil {
		logger.Error("Cannot load backup passphrase: %v", err)
		return types.ExitEnvironmentError.Process()
	}
	if err := archive.ValidatePassphrase(passphrase); err != nil {
		logger.Error("Backup passphrase rejected: %v", err)
		return types.ExitEnvironmentError.Process()
	}
	identity, err := archive.DeriveIdentity(passphrase)
	if err != nil {
		logger.Error("Cannot derive encryption identity: %v", err)
		return types.ExitEnvironmentError.Process()
	}

	runner := run.NewExecRunner(logger)
	checker := checks.NewChecker(logger, &checks.CheckerConfig{
		BackupDir:          cfg.BackupDir,
		LogDir:             cfg.LogDir,
		StateDir:           cfg.StateDir,
		PasswordFile:       cfg.PasswordFile,
		RequiredBinaries:   requiredBinaries(cfg),
		MinDiskFreeGB:      cfg.MinDiskFreeGB,
		MinDiskFreePercent: cfg.MinDiskFreePercent,
		LockFilePath:       cfg.LockFilePath(),
		MaxLockAge:         cfg.OverallTimeout,
		RunID:              runID,
		DryRun:             cfg.DryRun,
	})

	deps := orchestrator.Deps{
		Registry:   docker.NewRegistry(logger, cfg.StacksDir, cfg.PriorityComposeFile),
		Controller: docker.NewController(logger, runner, cfg.DockerBin, cfg.ShutdownGraceSeconds, cfg.StartSettleDelay, cfg.DryRun),
		Archiver: archive.New(logger, archive.Config{
			Hostname:    hostname,
			SourceDirs:  cfg.SourceDirs,
			PriorityDir: cfg.PriorityDataDir,
			Excludes:    cfg.ExcludeGlobs,
			Compression: cfg.Compression,
			Level:       cfg.CompressionLevel,
			DryRun:      cfg.DryRun,
		}, identity.Recipient(), identity),
		Syncer:  storage.NewSyncEngine(logger, runner, cfg.RcloneBin, cfg.RcloneTransfers, cfg.DryRun),
		Checker: checker,
		Window:  window,
		Notifier: notify.NewDiscordNotifier(logger, cfg.DiscordWebhookURL,
			time.Duration(cfg.NotifyTimeout)*time.Second, cfg.NotifyMaxRetries,
			time.Duration(cfg.NotifyRetryDelay)*time.Second),
		LogUpload: logUploader(logger, cfg, runLogPath),
		Rotator:   storage.NewRotator(logger, cfg.DryRun),
		Exporter:  metrics.NewPrometheusExporter(cfg.MetricsTextfileDir, logger),
	}

	orch := orchestrator.New(cfg, logger, runID, hostname, version.String(), deps)
	code := orch.Run(ctx)

	logger.Debug("Exiting with code %d (%s)", code.Process(), code)
	return code.Process()
}

// logUploader builds the run-log uploader; disabled (empty log path)
// when the feature is off or no log file was opened.
func logUploader(logger *logging.Logger, cfg *config.Config, runLogPath string) *notify.LogUploader {
	if !cfg.PrivateBinEnabled {
		runLogPath = ""
	}
	return notify.NewLogUploader(logger, cfg.PrivateBinBin, runLogPath, cfg.DryRun)
}

// requiredBinaries lists the external tools a run depends on, given the
// configured compression and sync settings.
func requiredBinaries(cfg *config.Config) []string {
	bins := []string{cfg.DockerBin, "tar"}
	switch cfg.Compression {
	case types.CompressionPigz:
		// pigz falls back to gzip at archive time, so gzip is the
		// binary whose absence is fatal.
		bins = append(bins, "gzip")
	case types.CompressionGzip:
		bins = append(bins, "gzip")
	}
	if cfg.SyncEnabled {
		bins = append(bins, cfg.RcloneBin)
	}
	return bins
}
