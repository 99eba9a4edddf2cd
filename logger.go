package courseinfo

// Logger defines the interface for structured logging throughout the cache.
// All operations (graph builds, store rebuilds, lock contention, purges)
// are logged through this interface using variadic key-value pairs:
//
//	logger.Info("Rebuilt course cache", "course", 42, "version", 7)
//
// The shape is compatible with slog, zap's sugared logger, logrus and
// similar structured loggers, so callers can adapt whichever they already
// run. cmd/courseinfod ships a zap-backed implementation.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// NopLogger discards all log output. It is the default for registries
// constructed without WithLogger.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}
