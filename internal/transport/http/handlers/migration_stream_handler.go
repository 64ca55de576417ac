package handlers

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

// MigrationStreamHandler pushes a task's log and status to a websocket
// client until the task is terminal or the client goes away.
type MigrationStreamHandler struct {
	service  ports.MigrationService
	logger   *logger.Logger
	interval time.Duration
}

func NewMigrationStreamHandler(service ports.MigrationService, logger *logger.Logger, interval time.Duration) *MigrationStreamHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &MigrationStreamHandler{service: service, logger: logger, interval: interval}
}

func (h *MigrationStreamHandler) Handle(c *websocket.Conn) {
	id := c.Params("id")
	defer c.Close()

	ctx := context.Background()
	task, err := h.service.GetTask(ctx, id)
	if err != nil {
		h.logger.Warnw("migration_stream_task_not_found", "task_id", id)
		_ = c.WriteJSON(dto.TaskStreamEvent{Type: "error", Error: err.Error()})
		return
	}
	h.logger.Infow("migration_stream_open", "task_id", id)

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	sent := 0
	var lastStatus domain.MigrationStatus
	lastProgress := -1
	for {
		// The log only ever grows by appending.
		if len(task.Log) > sent {
			if err := c.WriteJSON(dto.TaskStreamEvent{Type: "log", Data: task.Log[sent:]}); err != nil {
				return
			}
			sent = len(task.Log)
		}
		if task.Status != lastStatus || task.Progress != lastProgress {
			err := c.WriteJSON(dto.TaskStreamEvent{
				Type:        "status",
				Status:      task.Status,
				Progress:    task.Progress,
				TotalSteps:  task.TotalSteps,
				CurrentStep: task.CurrentStep,
				Error:       task.Error,
			})
			if err != nil {
				return
			}
			lastStatus, lastProgress = task.Status, task.Progress
		}
		if task.Status.Terminal() {
			h.logger.Infow("migration_stream_done", "task_id", id, "status", task.Status)
			return
		}

		select {
		case <-gone:
			return
		case <-ticker.C:
		}

		task, err = h.service.GetTask(ctx, id)
		if err != nil {
			_ = c.WriteJSON(dto.TaskStreamEvent{Type: "error", Error: err.Error()})
			return
		}
	}
}
