package persistence

import (
	"context"
	"database/sql"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ThreadAdapter stores conversation groupings keyed on the remote thread id.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) *ThreadAdapter {
	return &ThreadAdapter{db: db}
}

type threadEntity struct {
	ID                string         `db:"id"`
	EmailRemoteIDs    pq.StringArray `db:"email_remote_ids"`
	Subject           sql.NullString `db:"subject"`
	MailboxMembership []byte         `db:"mailbox_membership"`
	MessageCount      int            `db:"message_count"`
	UnreadCount       int            `db:"unread_count"`
	LastMessageDate   sql.NullTime   `db:"last_message_date"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (e *threadEntity) toDomain() (*domain.Thread, error) {
	thread := &domain.Thread{
		ID:             e.ID,
		EmailRemoteIDs: []string(e.EmailRemoteIDs),
		Subject:        e.Subject.String,
		MessageCount:   e.MessageCount,
		UnreadCount:    e.UnreadCount,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.LastMessageDate.Valid {
		t := e.LastMessageDate.Time
		thread.LastMessageDate = &t
	}
	if len(e.MailboxMembership) > 0 {
		if err := json.Unmarshal(e.MailboxMembership, &thread.MailboxMembership); err != nil {
			return nil, err
		}
	}
	return thread, nil
}

const threadUpsertQuery = `
	INSERT INTO email_threads (id, email_remote_ids, subject, mailbox_membership, message_count, unread_count, last_message_date)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		email_remote_ids = EXCLUDED.email_remote_ids,
		subject = EXCLUDED.subject,
		mailbox_membership = EXCLUDED.mailbox_membership,
		message_count = EXCLUDED.message_count,
		unread_count = EXCLUDED.unread_count,
		last_message_date = EXCLUDED.last_message_date,
		updated_at = NOW()
	RETURNING created_at, updated_at
`

func (a *ThreadAdapter) Upsert(ctx context.Context, thread *domain.Thread) (*domain.Thread, error) {
	const op = "store.threads.upsert"

	var membership interface{}
	if len(thread.MailboxMembership) > 0 {
		data, err := json.Marshal(thread.MailboxMembership)
		if err != nil {
			return nil, storeErr(op, err)
		}
		membership = data
	}

	stored := *thread
	err := a.db.QueryRowxContext(ctx, threadUpsertQuery,
		thread.ID,
		pq.StringArray(thread.EmailRemoteIDs),
		toNullableString(thread.Subject),
		membership,
		thread.MessageCount,
		thread.UnreadCount,
		toNullableTime(thread.LastMessageDate),
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &stored, nil
}

func (a *ThreadAdapter) UpsertBatch(ctx context.Context, threads []*domain.Thread) ([]*domain.Thread, error) {
	stored := make([]*domain.Thread, 0, len(threads))
	for _, t := range threads {
		s, err := a.Upsert(ctx, t)
		if err != nil {
			return stored, err
		}
		stored = append(stored, s)
	}
	return stored, nil
}

func (a *ThreadAdapter) Get(ctx context.Context, id string) (*domain.Thread, error) {
	const op = "store.threads.get"

	var entity threadEntity
	query := `SELECT * FROM email_threads WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		return nil, storeErr(op, err)
	}
	thread, err := entity.toDomain()
	if err != nil {
		return nil, storeErr(op, err)
	}
	return thread, nil
}

var _ out.ThreadRepository = (*ThreadAdapter)(nil)
