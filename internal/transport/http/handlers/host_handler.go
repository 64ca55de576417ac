package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

type HostHandler struct {
	service   ports.HostService
	inventory ports.GuestInventory
	logger    *logger.Logger
}

func NewHostHandler(service ports.HostService, inventory ports.GuestInventory, logger *logger.Logger) *HostHandler {
	return &HostHandler{service: service, inventory: inventory, logger: logger}
}

func (h *HostHandler) CreateHost(c *fiber.Ctx) error {
	var req dto.CreateHostRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("host_create_body_parse_failed", "error", err)
		return badRequest(c, "invalid request body")
	}

	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("host_create_validation_failed", "details", errs)
		return badRequest(c, "validation failed", errs...)
	}

	h.logger.Infow("host_create_request", "name", req.Name, "address", req.Address)
	host, err := h.service.CreateHost(c.UserContext(), ports.CreateHostInput{
		Name:           req.Name,
		Address:        req.Address,
		SSHPort:        req.SSHPort,
		User:           req.Username,
		Password:       req.Password,
		SSHKey:         req.PrivateKey,
		APITokenID:     req.APITokenID,
		APITokenSecret: req.APITokenSecret,
		APIPort:        req.APIPort,
	})
	if err != nil {
		return respondError(c, h.logger, "host_create_failed", err)
	}

	h.logger.Infow("host_create_success", "id", host.ID, "address", host.Address)
	return c.Status(fiber.StatusCreated).JSON(dto.HostToResponse(host))
}

func (h *HostHandler) GetHosts(c *fiber.Ctx) error {
	hosts, err := h.service.GetHosts(c.UserContext())
	if err != nil {
		return respondError(c, h.logger, "hosts_list_failed", err)
	}
	return c.JSON(dto.HostsToResponse(hosts))
}

func (h *HostHandler) GetHost(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid host id")
	}
	host, err := h.service.GetHostByID(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, "host_get_failed", err)
	}
	return c.JSON(dto.HostToResponse(host))
}

func (h *HostHandler) DeleteHost(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid host id")
	}

	h.logger.Infow("host_delete_request", "id", id)
	if err := h.service.DeleteHost(c.UserContext(), id); err != nil {
		return respondError(c, h.logger, "host_delete_failed", err)
	}
	return c.JSON(dto.SuccessResponse{Message: "host deleted successfully"})
}

// ProbeHost answers 200 with the updated host even when it is unreachable;
// the outcome is in status and last_log.
func (h *HostHandler) ProbeHost(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid host id")
	}

	host, err := h.service.ProbeHost(c.UserContext(), id)
	if err != nil && (host == nil || !errors.Is(err, domain.ErrConnection)) {
		return respondError(c, h.logger, "host_probe_failed", err)
	}
	return c.JSON(dto.HostToResponse(host))
}

func (h *HostHandler) GetGuests(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "invalid host id")
	}
	guests, err := h.inventory.ListGuests(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, "host_guests_failed", err)
	}
	return c.JSON(guests)
}
