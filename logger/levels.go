package logger

import "log/slog"

// LevelTrace sits below slog.LevelDebug and carries the debug-trace
// enter/exit records.
const LevelTrace slog.Level = slog.LevelDebug - 4

// LevelName returns the printed name of level, naming LevelTrace "TRACE"
func LevelName(level slog.Level) string {
	if level == LevelTrace {
		return "TRACE"
	}
	return level.String()
}
