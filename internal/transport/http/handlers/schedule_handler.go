package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hostshift/backend/internal/core/services"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

type ScheduleHandler struct {
	service *services.SchedulerService
	logger  *logger.Logger
}

func NewScheduleHandler(service *services.SchedulerService, logger *logger.Logger) *ScheduleHandler {
	return &ScheduleHandler{service: service, logger: logger}
}

func (h *ScheduleHandler) ListSchedules(c *fiber.Ctx) error {
	list, err := h.service.List(c.UserContext())
	if err != nil {
		return respondError(c, h.logger, "schedule_list_failed", err)
	}
	return c.JSON(list)
}

func (h *ScheduleHandler) UpsertSchedule(c *fiber.Ctx) error {
	var req dto.UpsertScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		return badRequest(c, "validation failed", errs...)
	}

	sched, err := h.service.Upsert(c.UserContext(), services.ScheduleInput{
		Name:          req.Name,
		SourceHostID:  req.SourceHostID,
		TargetHostID:  req.TargetHostID,
		TargetStorage: req.TargetStorage,
		TargetBridge:  req.TargetBridge,
		Online:        req.Online,
		Cron:          req.Cron,
		Enabled:       req.IsEnabled(),
	})
	if err != nil {
		return respondError(c, h.logger, "schedule_upsert_failed", err)
	}
	h.logger.Infow("schedule_upsert_success", "id", sched.ID, "name", sched.Name)
	return c.JSON(sched)
}

func (h *ScheduleHandler) DeleteSchedule(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, h.logger, "schedule_delete_failed", err)
	}
	return c.JSON(dto.SuccessResponse{Message: "schedule deleted successfully"})
}
