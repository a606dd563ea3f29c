package persistence

import (
	"context"
	"database/sql"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// MailboxAdapter mirrors remote mailboxes keyed on remote_id.
type MailboxAdapter struct {
	db *sqlx.DB
}

func NewMailboxAdapter(db *sqlx.DB) *MailboxAdapter {
	return &MailboxAdapter{db: db}
}

type mailboxEntity struct {
	ID             int64          `db:"id"`
	RemoteID       string         `db:"remote_id"`
	Name           string         `db:"name"`
	ParentRemoteID sql.NullString `db:"parent_remote_id"`
	Role           sql.NullString `db:"role"`
	SortOrder      int            `db:"sort_order"`
	TotalEmails    int            `db:"total_emails"`
	UnreadEmails   int            `db:"unread_emails"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (e *mailboxEntity) toDomain() *domain.Mailbox {
	return &domain.Mailbox{
		ID:             e.ID,
		RemoteID:       e.RemoteID,
		Name:           e.Name,
		ParentRemoteID: e.ParentRemoteID.String,
		Role:           e.Role.String,
		SortOrder:      e.SortOrder,
		TotalEmails:    e.TotalEmails,
		UnreadEmails:   e.UnreadEmails,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

const mailboxUpsertQuery = `
	INSERT INTO mailboxes (remote_id, name, parent_remote_id, role, sort_order, total_emails, unread_emails)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (remote_id) DO UPDATE SET
		name = EXCLUDED.name,
		parent_remote_id = EXCLUDED.parent_remote_id,
		role = EXCLUDED.role,
		sort_order = EXCLUDED.sort_order,
		total_emails = EXCLUDED.total_emails,
		unread_emails = EXCLUDED.unread_emails,
		updated_at = NOW()
	RETURNING id, created_at, updated_at
`

func (a *MailboxAdapter) Upsert(ctx context.Context, mailbox *domain.Mailbox) (*domain.Mailbox, error) {
	const op = "store.mailboxes.upsert"

	stored := *mailbox
	err := a.db.QueryRowxContext(ctx, mailboxUpsertQuery,
		mailbox.RemoteID,
		mailbox.Name,
		toNullableString(mailbox.ParentRemoteID),
		toNullableString(mailbox.Role),
		mailbox.SortOrder,
		mailbox.TotalEmails,
		mailbox.UnreadEmails,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &stored, nil
}

func (a *MailboxAdapter) UpsertBatch(ctx context.Context, mailboxes []*domain.Mailbox) ([]*domain.Mailbox, error) {
	stored := make([]*domain.Mailbox, 0, len(mailboxes))
	for _, mb := range mailboxes {
		s, err := a.Upsert(ctx, mb)
		if err != nil {
			return stored, err
		}
		stored = append(stored, s)
	}
	return stored, nil
}

func (a *MailboxAdapter) GetByRemoteID(ctx context.Context, remoteID string) (*domain.Mailbox, error) {
	const op = "store.mailboxes.get"

	var entity mailboxEntity
	query := `SELECT * FROM mailboxes WHERE remote_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, remoteID); err != nil {
		return nil, storeErr(op, err)
	}
	return entity.toDomain(), nil
}

func (a *MailboxAdapter) List(ctx context.Context) ([]*domain.Mailbox, error) {
	const op = "store.mailboxes.list"

	var entities []mailboxEntity
	query := `SELECT * FROM mailboxes ORDER BY sort_order ASC, name ASC`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, storeErr(op, err)
	}

	mailboxes := make([]*domain.Mailbox, len(entities))
	for i := range entities {
		mailboxes[i] = entities[i].toDomain()
	}
	return mailboxes, nil
}

var _ out.MailboxRepository = (*MailboxAdapter)(nil)
