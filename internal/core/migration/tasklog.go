package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

// TaskLog is the human-readable log of one task. Printf may be called from
// several goroutines; each call is one atomic append.
type TaskLog interface {
	Printf(format string, args ...interface{})
}

type taskLog struct {
	repo   ports.MigrationTaskRepository
	taskID string
	log    *logger.Logger
	now    func() time.Time
}

func newTaskLog(repo ports.MigrationTaskRepository, taskID string, log *logger.Logger, now func() time.Time) *taskLog {
	return &taskLog{repo: repo, taskID: taskID, log: log, now: now}
}

func (l *taskLog) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", l.now().Format("2006-01-02 15:04:05"), msg)
	// Appends outlive cancellation of the step context.
	if err := l.repo.AppendLog(context.Background(), l.taskID, line); err != nil {
		l.log.Warnw("migration_log_append_failed", "task_id", l.taskID, "error", err)
	}
}
