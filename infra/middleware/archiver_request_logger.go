package middleware

import (
	"time"

	"archive_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// RequestLogger logs one line per request with latency and status.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id":  RequestID(c),
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("%s %s -> %d", c.Method(), c.Path(), status)
		}
		return err
	}
}
