package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels counted from repeated -v flags.
const (
	VerbosityUser  = 0 // results and errors only
	VerbosityInfo  = 1 // -v: progress, startup
	VerbosityDebug = 2 // -vv: per-attempt detail
)

// VerbosityToLevel maps a -v count to a zap level.
//
//	0 (none)  -> WarnLevel
//	1 (-v)    -> InfoLevel
//	2+ (-vv)  -> DebugLevel
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
