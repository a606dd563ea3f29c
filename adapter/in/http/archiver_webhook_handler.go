// Package http implements the inbound HTTP surface: webhook change listener,
// sync management and health endpoints.
package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"archive_server/core/domain"
	"archive_server/pkg/apperr"
	"archive_server/pkg/logger"
	"archive_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const idempotencyTTL = 24 * time.Hour

// Syncer is the slice of the sync engine the listener needs. The listener
// never mutates archive state directly.
type Syncer interface {
	Tick(ctx context.Context, accountID string) error
	SyncOne(ctx context.Context, accountID, remoteID string) error
	MarkDeleted(ctx context.Context, remoteID string) error
	Reset(ctx context.Context, accountID, cursor string) (*domain.SyncCursor, error)
	Status(ctx context.Context) ([]*domain.SyncCursor, error)
	InFlight(accountID string) bool
}

// WebhookHandler verifies, deduplicates and dispatches provider change
// notifications.
type WebhookHandler struct {
	engine    Syncer
	rdb       *redis.Client
	secret    string
	accountID string
	log       *logger.Logger
}

func NewWebhookHandler(engine Syncer, rdb *redis.Client, secret, accountID string) *WebhookHandler {
	h := &WebhookHandler{
		engine:    engine,
		rdb:       rdb,
		secret:    secret,
		accountID: accountID,
		log:       logger.WithField("component", "webhook_handler"),
	}
	if secret == "" {
		h.log.Warn("WEBHOOK_SECRET not set, all webhook deliveries will be rejected")
	}
	return h
}

// Handle is POST /webhook/:provider.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	provider := c.Params("provider")
	body := c.Body()

	if err := h.verifySignature(c.Get("Signature"), body); err != nil {
		h.log.WithField("provider", provider).Warn("webhook rejected: %v", err)
		return err
	}

	var event domain.ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return apperr.BadRequest("malformed event payload").WithError(err)
	}

	if dup := h.isDuplicate(c.Context(), provider, body); dup {
		h.log.WithField("provider", provider).Info("duplicate webhook delivery ignored")
		return response.OK(c, fiber.Map{"duplicate": true})
	}

	return h.dispatch(c, provider, &event)
}

// verifySignature checks "Signature: <alg>=<hexdigest>" over the raw body.
// No secret means no verification is possible, so everything is rejected.
func (h *WebhookHandler) verifySignature(header string, body []byte) error {
	if h.secret == "" {
		return apperr.Unauthorized("webhook verification is not configured")
	}
	if header == "" {
		return apperr.InvalidSignature()
	}

	alg, digest, found := strings.Cut(header, "=")
	if !found || alg != "sha256" {
		return apperr.InvalidSignature()
	}
	provided, err := hex.DecodeString(digest)
	if err != nil {
		return apperr.InvalidSignature()
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return apperr.InvalidSignature()
	}
	return nil
}

// isDuplicate claims a redis idempotency key derived from the payload.
// Without redis, or with redis down, deliveries are processed; dispatch
// itself is idempotent.
func (h *WebhookHandler) isDuplicate(ctx context.Context, provider string, body []byte) bool {
	if h.rdb == nil {
		return false
	}
	sum := sha256.Sum256(body)
	key := "webhook:idempotent:" + provider + ":" + hex.EncodeToString(sum[:])

	claimed, err := h.rdb.SetNX(ctx, key, "1", idempotencyTTL).Result()
	if err != nil {
		h.log.WithError(err).Warn("webhook idempotency check unavailable, processing anyway")
		return false
	}
	return !claimed
}

func (h *WebhookHandler) dispatch(c *fiber.Ctx, provider string, event *domain.ChangeEvent) error {
	accountID := event.AccountID
	if accountID == "" {
		accountID = h.accountID
	}
	log := h.log.WithAccount(accountID).WithField("provider", provider).WithField("event_type", string(event.Type))

	if !event.IsKnownType() {
		log.Info("unknown event type acknowledged and dropped")
		return response.OK(c, fiber.Map{"handled": false})
	}
	if event.RequiresEmailID() && event.EmailID == "" {
		return apperr.MissingField("emailId")
	}

	switch event.Type {
	case domain.EventEmailReceived, domain.EventEmailUpdated:
		if err := h.engine.SyncOne(c.Context(), accountID, event.EmailID); err != nil {
			log.WithError(err).Error("on-demand sync failed")
			return apperr.SyncFailed(err)
		}
	case domain.EventEmailDeleted:
		if err := h.engine.MarkDeleted(c.Context(), event.EmailID); err != nil {
			log.WithError(err).Error("tombstone failed")
			return apperr.SyncFailed(err)
		}
	case domain.EventMailboxUpdate:
		// A mailbox-level change means unknown scope; run a full tick in the
		// background rather than holding the delivery open.
		go h.backgroundTick(accountID)
		return response.Accepted(c, fiber.Map{"handled": true, "async": true})
	}

	log.Info("webhook event handled")
	return response.OK(c, fiber.Map{"handled": true})
}

func (h *WebhookHandler) backgroundTick(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := h.engine.Tick(ctx, accountID); err != nil {
		h.log.WithAccount(accountID).WithError(err).Error("webhook-triggered tick failed")
	}
}
