package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"autodash/internal/domain"
	"autodash/internal/repo"
)

// Writer appends workflow log rows and mirrors each one to slog.
type Writer struct {
	Repo   repo.Repo
	Logger *slog.Logger
	Now    func() time.Time
}

func (w Writer) Append(ctx context.Context, workflowID string, level domain.LogLevel, message string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	entry, err := w.Repo.AppendLog(ctx, domain.LogEntry{
		WorkflowID: workflowID,
		Level:      level,
		Message:    message,
		Timestamp:  domain.FormatTime(w.Now()),
	})
	if err != nil {
		return fmt.Errorf("append log for workflow %s: %w", workflowID, err)
	}
	w.mirror(ctx, entry)
	return nil
}

func (w Writer) Info(ctx context.Context, workflowID, message string) error {
	return w.Append(ctx, workflowID, domain.LevelInfo, message)
}

func (w Writer) mirror(ctx context.Context, entry domain.LogEntry) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch entry.Level {
	case domain.LevelWarning:
		level = slog.LevelWarn
	case domain.LevelError:
		level = slog.LevelError
	}
	logger.Log(ctx, level, entry.Message, "workflow_id", entry.WorkflowID, "log_id", entry.ID)
}
