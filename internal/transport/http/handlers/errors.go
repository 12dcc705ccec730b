package handlers

import (
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

var reasonStatus = map[string]int{
	services.ReasonValidation:        fiber.StatusBadRequest,
	services.ReasonInvalidTransition: fiber.StatusConflict,
	services.ReasonNotFound:          fiber.StatusNotFound,
	services.ReasonForbidden:         fiber.StatusForbidden,
	services.ReasonNoPendingApproval: fiber.StatusConflict,
	services.ReasonConflict:          fiber.StatusConflict,
	services.ReasonInternal:          fiber.StatusInternalServerError,
}

// respondError renders err with its reason code. Internal errors are logged
// at error level, the rest as warnings.
func respondError(c *fiber.Ctx, log *logger.Logger, event string, err error, kv ...interface{}) error {
	reason := services.ReasonOf(err)
	status, ok := reasonStatus[reason]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	kv = append(kv, "error", err, "code", reason)
	if status >= fiber.StatusInternalServerError {
		log.Errorw(event, kv...)
	} else {
		log.Warnw(event, kv...)
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error: err.Error(),
		Code:  reason,
	})
}

func badRequest(c *fiber.Ctx, msg string, details []string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:   msg,
		Code:    services.ReasonValidation,
		Details: details,
	})
}
