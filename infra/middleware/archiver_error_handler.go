// Package middleware provides the fiber middleware stack.
package middleware

import (
	"errors"

	"archive_server/core/domain"
	"archive_server/pkg/apperr"
	"archive_server/pkg/logger"
	"archive_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler maps application errors to HTTP responses. AppError carries
// its own status; engine taxonomy errors map by kind; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := apperr.AsAppError(err); ok {
		if appErr.Status >= 500 {
			logger.WithField("request_id", RequestID(c)).WithError(err).Error("request failed: %s %s", c.Method(), c.Path())
		}
		return response.Error(c, appErr.Status, appErr.Code, appErr.Message)
	}

	var se *domain.SyncError
	if errors.As(err, &se) {
		return response.Error(c, statusForKind(se.Kind), string(se.Kind), se.Error())
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return response.Error(c, fiberErr.Code, "HTTP_ERROR", fiberErr.Message)
	}

	logger.WithField("request_id", RequestID(c)).WithError(err).Error("unhandled error: %s %s", c.Method(), c.Path())
	return response.Error(c, fiber.StatusInternalServerError, apperr.CodeInternalError, "internal error")
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindAuth:
		return fiber.StatusUnauthorized
	case domain.KindRateLimited:
		return fiber.StatusTooManyRequests
	case domain.KindConfig:
		return fiber.StatusInternalServerError
	case domain.KindNetwork, domain.KindProtocol:
		return fiber.StatusBadGateway
	case domain.KindStoreUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
