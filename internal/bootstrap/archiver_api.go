package bootstrap

import (
	"archive_server/infra/middleware"
	"archive_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewAPI builds the fiber application and mounts all routes on the shared
// dependency graph.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler,
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		BodyLimit:             5 * 1024 * 1024,

		// go-json over encoding/json for serialization throughput
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(middleware.WithRequestID())
	app.Use(middleware.RequestLogger())

	// Liveness and readiness, no auth
	app.Get("/health", deps.HealthHandler.Health)
	app.Get("/ready", deps.HealthHandler.Ready)

	// Provider-facing webhook, authenticated by HMAC signature
	if cfg.WebhookEnabled {
		app.Post("/webhook/:provider", deps.WebhookHandler.Handle)
	} else {
		logger.Warn("webhook intake disabled by configuration")
	}

	// Management surface, optionally behind a bearer token
	mgmt := app.Group("/", middleware.ManagementAuth(cfg.ManagementJWTSecret))

	mgmt.Post("/sync/trigger", deps.SyncHandler.Trigger)
	mgmt.Get("/sync/status", deps.SyncHandler.Status)

	archive := mgmt.Group("/archive")
	archive.Get("/health", deps.HealthHandler.ArchiveHealth)
	archive.Get("/mailboxes", deps.ArchiveHandler.ListMailboxes)
	archive.Get("/mailboxes/:id/emails", deps.ArchiveHandler.ListEmails)
	archive.Get("/emails/recent", deps.ArchiveHandler.RecentEmails)
	archive.Get("/emails/:remoteId", deps.ArchiveHandler.GetEmail)
	archive.Get("/threads/:id", deps.ArchiveHandler.GetThread)
	archive.Get("/search", deps.ArchiveHandler.Search)
	archive.Get("/stats", deps.ArchiveHandler.Stats)
	archive.Get("/integrity", deps.ArchiveHandler.Validate)
	archive.Post("/integrity/repair", deps.ArchiveHandler.Repair)

	logger.Info("API initialized, webhook=%v management_auth=%v", cfg.WebhookEnabled, cfg.ManagementJWTSecret != "")
	return app
}
