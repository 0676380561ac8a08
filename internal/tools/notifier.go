package tools

import "context"

// LogLevel is a client-facing log severity.
type LogLevel string

// Log levels in increasing severity.
const (
	LevelDebug     LogLevel = "debug"
	LevelInfo      LogLevel = "info"
	LevelNotice    LogLevel = "notice"
	LevelWarning   LogLevel = "warning"
	LevelError     LogLevel = "error"
	LevelCritical  LogLevel = "critical"
	LevelAlert     LogLevel = "alert"
	LevelEmergency LogLevel = "emergency"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0, LevelInfo: 1, LevelNotice: 2, LevelWarning: 3,
	LevelError: 4, LevelCritical: 5, LevelAlert: 6, LevelEmergency: 7,
}

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Enabled reports whether a message at l passes a minimum level of min.
func (l LogLevel) Enabled(min LogLevel) bool {
	return levelRank[l] >= levelRank[min]
}

// Notifier pushes out-of-band messages to the caller while a tool runs.
type Notifier interface {
	Log(ctx context.Context, level LogLevel, logger string, data any)
	Progress(ctx context.Context, progress, total float64, message string)
	ResourceUpdated(ctx context.Context, uri string)
}

type discard struct{}

func (discard) Log(context.Context, LogLevel, string, any)         {}
func (discard) Progress(context.Context, float64, float64, string) {}
func (discard) ResourceUpdated(context.Context, string)            {}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}
