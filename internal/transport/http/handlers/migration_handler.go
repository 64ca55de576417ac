package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

type MigrationHandler struct {
	service ports.MigrationService
	logger  *logger.Logger
}

func NewMigrationHandler(service ports.MigrationService, logger *logger.Logger) *MigrationHandler {
	return &MigrationHandler{service: service, logger: logger}
}

func (h *MigrationHandler) StartMigration(c *fiber.Ctx) error {
	var req dto.StartMigrationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("migration_start_validation_failed", "details", errs)
		return badRequest(c, "validation failed", errs...)
	}

	h.logger.Infow("migration_start_request", "source", req.SourceHostID, "target", req.TargetHostID)
	id, err := h.service.StartMigration(c.UserContext(), ports.StartMigrationInput{
		SourceHostID:  req.SourceHostID,
		TargetHostID:  req.TargetHostID,
		TargetStorage: req.TargetStorage,
		TargetBridge:  req.TargetBridge,
		Online:        req.Online,
	})
	if err != nil {
		return respondError(c, h.logger, "migration_start_failed", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.StartMigrationResponse{TaskID: id})
}

func (h *MigrationHandler) StartGuestMigration(c *fiber.Ctx) error {
	var req dto.StartGuestMigrationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("migration_guest_validation_failed", "details", errs)
		return badRequest(c, "validation failed", errs...)
	}
	guestType, _ := domain.ParseGuestType(req.VMType)

	h.logger.Infow("migration_guest_request", "source", req.SourceHostID, "target", req.TargetHostID, "vmid", req.VMID)
	id, err := h.service.StartGuestMigration(c.UserContext(), ports.StartGuestMigrationInput{
		SourceHostID:  req.SourceHostID,
		TargetHostID:  req.TargetHostID,
		TargetStorage: req.TargetStorage,
		TargetBridge:  req.TargetBridge,
		Online:        req.Online,
		VMID:          req.VMID,
		VMType:        guestType,
		TargetVMID:    req.TargetVMID,
		AutoVMID:      req.GetAutoVMID(),
	})
	if err != nil {
		return respondError(c, h.logger, "migration_guest_failed", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.StartMigrationResponse{TaskID: id})
}

func (h *MigrationHandler) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.service.ListTasks(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return respondError(c, h.logger, "migration_list_failed", err)
	}
	return c.JSON(tasks)
}

func (h *MigrationHandler) GetTask(c *fiber.Ctx) error {
	task, err := h.service.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, "migration_get_failed", err)
	}
	return c.JSON(task)
}

func (h *MigrationHandler) CancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	h.logger.Infow("migration_cancel_request", "task_id", id)
	if err := h.service.CancelTask(c.UserContext(), id); err != nil {
		return respondError(c, h.logger, "migration_cancel_failed", err)
	}
	task, err := h.service.GetTask(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, "migration_get_failed", err)
	}
	return c.JSON(task)
}
