package http

import (
	"context"
	"time"

	"archive_server/pkg/apperr"
	"archive_server/pkg/logger"
	"archive_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// SyncHandler exposes sync management: manual trigger and cursor status.
type SyncHandler struct {
	engine    Syncer
	accountID string
	log       *logger.Logger
}

func NewSyncHandler(engine Syncer, accountID string) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		accountID: accountID,
		log:       logger.WithField("component", "sync_handler"),
	}
}

type triggerRequest struct {
	AccountID string `json:"account_id"`
	Force     bool   `json:"force"`
	Cursor    string `json:"cursor"`
}

// Trigger is POST /sync/trigger. Force rewinds the cursor first: to scratch,
// or to an explicitly supplied provider state. The tick itself runs in the
// background; an already-running tick is a conflict, not a queue entry.
func (h *SyncHandler) Trigger(c *fiber.Ctx) error {
	var req triggerRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return apperr.BadRequest("malformed trigger request").WithError(err)
		}
	}
	accountID := req.AccountID
	if accountID == "" {
		accountID = h.accountID
	}
	if accountID == "" {
		return apperr.MissingField("account_id")
	}

	if h.engine.InFlight(accountID) {
		return apperr.Conflict("sync already in progress for account")
	}

	if req.Force {
		if _, err := h.engine.Reset(c.Context(), accountID, req.Cursor); err != nil {
			h.log.WithAccount(accountID).WithError(err).Error("cursor reset failed")
			return apperr.DatabaseError("reset cursor", err)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.engine.Tick(ctx, accountID); err != nil {
			h.log.WithAccount(accountID).WithError(err).Error("triggered tick failed")
		}
	}()

	return response.Accepted(c, fiber.Map{
		"account_id": accountID,
		"forced":     req.Force,
	})
}

// Status is GET /sync/status[?account_id=...].
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	cursors, err := h.engine.Status(c.Context())
	if err != nil {
		return apperr.DatabaseError("read sync status", err)
	}

	if accountID := c.Query("account_id"); accountID != "" {
		for _, cursor := range cursors {
			if cursor.AccountID == accountID {
				return response.OK(c, cursor)
			}
		}
		return apperr.NotFound("sync cursor")
	}
	return response.OK(c, cursors)
}
