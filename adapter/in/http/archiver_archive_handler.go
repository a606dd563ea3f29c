package http

import (
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/apperr"
	"archive_server/pkg/logger"
	"archive_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const maxPageSize = 200

// ArchiveHandler exposes read-only inspection of the archive: mailboxes,
// emails, search, stats and integrity tooling. Operator-facing, not a public
// search API.
type ArchiveHandler struct {
	emails    out.EmailRepository
	mailboxes out.MailboxRepository
	threads   out.ThreadRepository
	integrity out.IntegrityRepository
	log       *logger.Logger
}

func NewArchiveHandler(
	emails out.EmailRepository,
	mailboxes out.MailboxRepository,
	threads out.ThreadRepository,
	integrity out.IntegrityRepository,
) *ArchiveHandler {
	return &ArchiveHandler{
		emails:    emails,
		mailboxes: mailboxes,
		threads:   threads,
		integrity: integrity,
		log:       logger.WithField("component", "archive_handler"),
	}
}

// ListMailboxes is GET /archive/mailboxes.
func (h *ArchiveHandler) ListMailboxes(c *fiber.Ctx) error {
	mailboxes, err := h.mailboxes.List(c.Context())
	if err != nil {
		return apperr.DatabaseError("list mailboxes", err)
	}
	return response.OK(c, mailboxes)
}

// ListEmails is GET /archive/mailboxes/:id/emails.
func (h *ArchiveHandler) ListEmails(c *fiber.Ctx) error {
	mailboxID := c.Params("id")
	limit, offset := pagination(c)

	emails, err := h.emails.ListByMailbox(c.Context(), mailboxID, domain.SearchSort(c.Query("sort")), limit, offset)
	if err != nil {
		return apperr.DatabaseError("list emails", err)
	}
	return response.OKWithMeta(c, emails, &response.Meta{
		Limit:   limit,
		Offset:  offset,
		HasMore: len(emails) == limit,
	})
}

// RecentEmails is GET /archive/emails/recent.
func (h *ArchiveHandler) RecentEmails(c *fiber.Ctx) error {
	limit, _ := pagination(c)
	emails, err := h.emails.Recent(c.Context(), limit)
	if err != nil {
		return apperr.DatabaseError("recent emails", err)
	}
	return response.OK(c, emails)
}

// GetEmail is GET /archive/emails/:remoteId.
func (h *ArchiveHandler) GetEmail(c *fiber.Ctx) error {
	email, err := h.emails.GetByRemoteID(c.Context(), c.Params("remoteId"))
	if err != nil {
		return apperr.NotFound("email").WithError(err)
	}
	return response.OK(c, email)
}

// GetThread is GET /archive/threads/:id.
func (h *ArchiveHandler) GetThread(c *fiber.Ctx) error {
	thread, err := h.threads.Get(c.Context(), c.Params("id"))
	if err != nil {
		return apperr.NotFound("thread").WithError(err)
	}
	return response.OK(c, thread)
}

// Search is GET /archive/search?q=...&mailbox_id=...&is_read=...&sort=...
func (h *ArchiveHandler) Search(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return apperr.MissingField("q")
	}
	limit, offset := pagination(c)

	filter := &domain.SearchFilter{}
	if mb := c.Query("mailbox_id"); mb != "" {
		filter.MailboxIDs = []string{mb}
	}
	if v := c.Query("is_read"); v != "" {
		b := v == "true"
		filter.IsRead = &b
	}
	if v := c.Query("is_flagged"); v != "" {
		b := v == "true"
		filter.IsFlagged = &b
	}
	if v := c.Query("has_attachments"); v != "" {
		b := v == "true"
		filter.HasAttachments = &b
	}
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.BadRequest("date_from must be RFC3339")
		}
		filter.DateFrom = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return apperr.BadRequest("date_to must be RFC3339")
		}
		filter.DateTo = &t
	}

	sort := domain.SearchSort(c.Query("sort", string(domain.SortByRank)))
	hits, err := h.emails.Search(c.Context(), query, filter, sort, limit, offset)
	if err != nil {
		return apperr.DatabaseError("search", err)
	}
	return response.OKWithMeta(c, hits, &response.Meta{
		Limit:   limit,
		Offset:  offset,
		HasMore: len(hits) == limit,
	})
}

// Stats is GET /archive/stats.
func (h *ArchiveHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.emails.Stats(c.Context())
	if err != nil {
		return apperr.DatabaseError("stats", err)
	}
	return response.OK(c, stats)
}

// Validate is GET /archive/integrity.
func (h *ArchiveHandler) Validate(c *fiber.Ctx) error {
	checks, err := h.integrity.Validate(c.Context())
	if err != nil {
		return apperr.DatabaseError("validate integrity", err)
	}
	return response.OK(c, checks)
}

// Repair is POST /archive/integrity/repair.
func (h *ArchiveHandler) Repair(c *fiber.Ctx) error {
	actions, err := h.integrity.Repair(c.Context())
	if err != nil {
		return apperr.DatabaseError("repair integrity", err)
	}
	h.log.Info("integrity repair ran: %d actions", len(actions))
	return response.OK(c, actions)
}

func pagination(c *fiber.Ctx) (limit, offset int) {
	limit = c.QueryInt("limit", 50)
	if limit <= 0 || limit > maxPageSize {
		limit = 50
	}
	offset = c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
