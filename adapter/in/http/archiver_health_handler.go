package http

import (
	"archive_server/core/port/out"
	"archive_server/infra/database"
	"archive_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// HealthHandler serves liveness, readiness and archive health.
type HealthHandler struct {
	pool      *pgxpool.Pool
	db        *sqlx.DB
	rdb       *redis.Client
	integrity out.IntegrityRepository
}

func NewHealthHandler(pool *pgxpool.Pool, db *sqlx.DB, rdb *redis.Client, integrity out.IntegrityRepository) *HealthHandler {
	return &HealthHandler{pool: pool, db: db, rdb: rdb, integrity: integrity}
}

// Health is GET /health: process liveness only.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"status": "ok"})
}

// Ready is GET /ready: dependencies reachable. Both postgres handles are
// pinged: the pgx pool (which also reports its stats) and the sqlx handle the
// store adapters run on.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true

	if err := h.pool.Ping(c.Context()); err != nil {
		checks["database"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "up"
		checks["pool"] = database.GetPoolStats(h.pool)
	}

	if err := h.db.PingContext(c.Context()); err != nil {
		checks["store"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["store"] = "up"
	}

	if h.rdb != nil {
		if err := h.rdb.Ping(c.Context()).Err(); err != nil {
			// Redis is optional; locks and idempotency degrade without it.
			checks["redis"] = "down: " + err.Error()
		} else {
			checks["redis"] = "up"
		}
	}

	if !healthy {
		return response.Error(c, fiber.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
	}
	return response.OK(c, checks)
}

// ArchiveHealth is GET /archive/health: cursor-level health per account.
func (h *HealthHandler) ArchiveHealth(c *fiber.Ctx) error {
	report, err := h.integrity.Health(c.Context())
	if err != nil {
		return response.Error(c, fiber.StatusInternalServerError, "HEALTH_CHECK_FAILED", err.Error())
	}
	status := fiber.StatusOK
	if report.Status == "ERROR" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(response.Response{Success: report.Status != "ERROR", Data: report})
}
