package logger

import (
	"log/slog"
	"os"
)

var log *slog.Logger

// Init configures the process-wide structured logger. Safe to call more
// than once; later calls replace the handler.
func Init() {
	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func get() *slog.Logger {
	if log == nil {
		Init()
	}
	return log
}

func attrs(fields map[string]interface{}) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func Info(event string, fields map[string]interface{}) {
	get().Info(event, attrs(fields)...)
}

func InfoWithUser(userID, event string, fields map[string]interface{}) {
	get().With("user_id", userID).Info(event, attrs(fields)...)
}

func Warn(event string, fields map[string]interface{}) {
	get().Warn(event, attrs(fields)...)
}

func Error(event string, err error, fields map[string]interface{}) {
	args := attrs(fields)
	if err != nil {
		args = append(args, "error", err.Error())
	}
	get().Error(event, args...)
}
