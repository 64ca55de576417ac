package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/hostshift/backend/internal/core/services"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

// statusFor maps service and domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrHostNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrScheduleNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrHostAlreadyExists):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrHostInvalidInput),
		errors.Is(err, services.ErrHostNoAPIToken),
		errors.Is(err, services.ErrMigrationInvalidInput),
		errors.Is(err, services.ErrMigrationSameHost),
		errors.Is(err, services.ErrScheduleInvalidInput),
		errors.Is(err, services.ErrScheduleInvalidCron),
		errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrConnection):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, log *logger.Logger, event string, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		log.Errorw(event, "path", c.Path(), "error", err)
	} else {
		log.Warnw(event, "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(dto.ErrorResponse{Error: err.Error()})
}

func badRequest(c *fiber.Ctx, msg string, details ...string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Details: details})
}

func parseID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
