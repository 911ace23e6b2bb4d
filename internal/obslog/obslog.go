// Package obslog configures the process-wide slog logger.
package obslog

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger. JSON if ORCH_JSON_LOG=1/true else text.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("ORCH_JSON_LOG"))
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("ORCH_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithWorkflow returns a logger scoped to a workflow/task pair for the
// orchestrator's per-task log lines.
func WithWorkflow(l *slog.Logger, workflowID, taskID string) *slog.Logger {
	if taskID == "" {
		return l.With("workflow_id", workflowID)
	}
	return l.With("workflow_id", workflowID, "task_id", taskID)
}
