package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Initialize with a safe no-op logger at package load time
	// This prevents nil pointer panics if logger is used before Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zap.InfoLevel)
}

// InitializeWithLevel sets up the global logger with an explicit minimum level.
// Commands map their -v count flag through VerbosityToLevel before calling this.
func InitializeWithLevel(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput

	loadThemeFromEnv()

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
	} else {
		// Human-readable console output with minimal, calm formatting
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// loadThemeFromEnv attempts to load the log theme from the environment.
// Config loading happens after logger init, so the env var is the only
// source this early; am.Load applies the configured theme later.
func loadThemeFromEnv() {
	if theme := os.Getenv("SCRY_LOG_THEME"); theme != "" {
		SetTheme(theme)
	}
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		Logger.Sync()
	}
}

// Info logs an info message
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Error logs an error message
func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
