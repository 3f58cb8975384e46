package types

// CompressionType represents the compression tool used for archives.
type CompressionType string

const (
	// CompressionGzip - gzip compression
	CompressionGzip CompressionType = "gzip"

	// CompressionPigz - parallel gzip compression (pigz)
	CompressionPigz CompressionType = "pigz"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
