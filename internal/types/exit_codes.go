// Package types defines shared application data types.
package types

// ExitCode classifies how a backup run ended. The process itself only
// ever exits 0 or 1 (see Process); the richer codes feed logs, metrics
// and notifications.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully (warnings allowed).
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError - Host environment not usable (directories, tools, disk).
	ExitEnvironmentError ExitCode = 3

	// ExitLockError - Another run holds the lock.
	ExitLockError ExitCode = 4

	// ExitSnapshotError - Error while creating the backup archive.
	ExitSnapshotError ExitCode = 5

	// ExitVerificationError - Error during archive integrity verification.
	ExitVerificationError ExitCode = 6

	// ExitSyncError - Off-site sync failed permanently.
	ExitSyncError ExitCode = 7

	// ExitShutdownError - Workloads could not be stopped cleanly.
	ExitShutdownError ExitCode = 8

	// ExitCancelled - Run interrupted by an external signal.
	ExitCancelled ExitCode = 9

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 10
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitEnvironmentError:
		return "environment error"
	case ExitLockError:
		return "lock held"
	case ExitSnapshotError:
		return "snapshot error"
	case ExitVerificationError:
		return "verification error"
	case ExitSyncError:
		return "sync error"
	case ExitShutdownError:
		return "shutdown error"
	case ExitCancelled:
		return "cancelled"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}

// Process collapses the internal code to the 0/1 contract exposed to
// cron and wrapper scripts.
func (e ExitCode) Process() int {
	if e == ExitSuccess {
		return 0
	}
	return 1
}
