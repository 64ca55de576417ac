package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hostshift/backend/internal/core/services"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

// SSHKeyHandler exposes the fleet public key operators install on hosts
// registered without their own credentials.
type SSHKeyHandler struct {
	keys   *services.KeyManager
	logger *logger.Logger
}

func NewSSHKeyHandler(keys *services.KeyManager, logger *logger.Logger) *SSHKeyHandler {
	return &SSHKeyHandler{keys: keys, logger: logger}
}

func (h *SSHKeyHandler) GetKey(c *fiber.Ctx) error {
	return c.JSON(dto.SSHKeyResponse{
		PublicKey:   h.keys.GetPublicKey(),
		Fingerprint: h.keys.Fingerprint(),
	})
}

func (h *SSHKeyHandler) RotateKey(c *fiber.Ctx) error {
	h.logger.Warnw("ssh_key_rotate_request", "previous_fingerprint", h.keys.Fingerprint())
	if err := h.keys.Rotate(c.UserContext()); err != nil {
		return respondError(c, h.logger, "ssh_key_rotate_failed", err)
	}
	return c.JSON(dto.SSHKeyResponse{
		PublicKey:   h.keys.GetPublicKey(),
		Fingerprint: h.keys.Fingerprint(),
	})
}
