package logger

import "go.uber.org/zap/zapcore"

// Verbosity counts from the CLI's -v flag. The count selects output
// categories, not just log severity; output.go maps categories to the
// minimum verbosity that shows them.
//
//	if logger.ShouldOutput(verbosity, logger.OutputStageDetail) {
//	    fmt.Printf("[%s] attempt %dms\n", stage, latency)
//	}
const (
	VerbosityUser  = 0 // results and errors only
	VerbosityInfo  = 1 // -v: progress, startup, coverage
	VerbosityDebug = 2 // -vv: strategies, timing, config details
	VerbosityTrace = 3 // -vvv: stage detail, SQL
	VerbosityAll   = 4 // -vvvv: full request/response bodies
)

// VerbosityToLevel maps a -v count to a zap level. Everything past -vv is
// still DebugLevel: zap has no finer levels, so the extra counts gate
// categories instead.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ShouldLogTrace reports -vvv or above.
func ShouldLogTrace(verbosity int) bool {
	return verbosity >= VerbosityTrace
}

// ShouldLogAll reports -vvvv or above, the level that dumps full bodies.
func ShouldLogAll(verbosity int) bool {
	return verbosity >= VerbosityAll
}

// LevelName renders a verbosity count for status output.
func LevelName(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "User"
	case VerbosityInfo:
		return "Info (-v)"
	case VerbosityDebug:
		return "Debug (-vv)"
	case VerbosityTrace:
		return "Trace (-vvv)"
	case VerbosityAll:
		return "All (-vvvv)"
	default:
		if verbosity > VerbosityAll {
			return "All (-vvvv+)"
		}
		return "Unknown"
	}
}
