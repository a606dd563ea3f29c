package persistence

import (
	"context"
	"database/sql"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// CursorAdapter persists per-account sync progress. The cursor token only
// moves through Advance and Reset, and Advance is only called after the batch
// the token represents is durable.
type CursorAdapter struct {
	db *sqlx.DB
}

func NewCursorAdapter(db *sqlx.DB) *CursorAdapter {
	return &CursorAdapter{db: db}
}

type cursorEntity struct {
	ID        int64  `db:"id"`
	AccountID string `db:"account_id"`

	LastSyncToken   sql.NullString `db:"last_sync_token"`
	ThreadSyncToken sql.NullString `db:"thread_sync_token"`
	LastSyncDate    sql.NullTime   `db:"last_sync_date"`

	TotalEmailsSynced int64          `db:"total_emails_synced"`
	LastError         sql.NullString `db:"last_error"`
	Status            string         `db:"sync_status"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *cursorEntity) toDomain() *domain.SyncCursor {
	cursor := &domain.SyncCursor{
		ID:                e.ID,
		AccountID:         e.AccountID,
		LastSyncToken:     e.LastSyncToken.String,
		ThreadSyncToken:   e.ThreadSyncToken.String,
		TotalEmailsSynced: e.TotalEmailsSynced,
		LastError:         e.LastError.String,
		Status:            domain.SyncStatus(e.Status),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.LastSyncDate.Valid {
		t := e.LastSyncDate.Time
		cursor.LastSyncDate = &t
	}
	return cursor
}

// Initialize creates the cursor row if it does not exist and returns the
// current row either way.
func (a *CursorAdapter) Initialize(ctx context.Context, accountID string) (*domain.SyncCursor, error) {
	const op = "store.cursor.initialize"

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, sync_status)
		VALUES ($1, 'idle')
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return a.Get(ctx, accountID)
}

func (a *CursorAdapter) Get(ctx context.Context, accountID string) (*domain.SyncCursor, error) {
	const op = "store.cursor.get"

	var entity cursorEntity
	query := `SELECT * FROM sync_state WHERE account_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, accountID); err != nil {
		return nil, storeErr(op, err)
	}
	return entity.toDomain(), nil
}

func (a *CursorAdapter) List(ctx context.Context) ([]*domain.SyncCursor, error) {
	const op = "store.cursor.list"

	var entities []cursorEntity
	query := `SELECT * FROM sync_state ORDER BY account_id ASC`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, storeErr(op, err)
	}

	cursors := make([]*domain.SyncCursor, len(entities))
	for i := range entities {
		cursors[i] = entities[i].toDomain()
	}
	return cursors, nil
}

// Advance moves the cursor forward and clears any recorded error. The token
// is opaque provider state; no ordering is assumed beyond "newer".
func (a *CursorAdapter) Advance(ctx context.Context, accountID, newState string, emailsAdded int, status domain.SyncStatus) (*domain.SyncCursor, error) {
	const op = "store.cursor.advance"

	var entity cursorEntity
	err := a.db.GetContext(ctx, &entity, `
		UPDATE sync_state SET
			last_sync_token = $1,
			last_sync_date = NOW(),
			total_emails_synced = total_emails_synced + $2,
			sync_status = $3,
			last_error = NULL,
			updated_at = NOW()
		WHERE account_id = $4
		RETURNING *
	`, newState, emailsAdded, string(status), accountID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return entity.toDomain(), nil
}

func (a *CursorAdapter) AdvanceThreadState(ctx context.Context, accountID, newState string) error {
	const op = "store.cursor.advance_threads"

	_, err := a.db.ExecContext(ctx, `
		UPDATE sync_state SET
			thread_sync_token = $1,
			updated_at = NOW()
		WHERE account_id = $2
	`, newState, accountID)
	return storeErr(op, err)
}

func (a *CursorAdapter) SetStatus(ctx context.Context, accountID string, status domain.SyncStatus) error {
	const op = "store.cursor.set_status"

	_, err := a.db.ExecContext(ctx, `
		UPDATE sync_state SET
			sync_status = $1,
			updated_at = NOW()
		WHERE account_id = $2
	`, string(status), accountID)
	return storeErr(op, err)
}

// RecordError marks the account failed without touching the cursor token, so
// the next tick resumes from the last durable state.
func (a *CursorAdapter) RecordError(ctx context.Context, accountID, message string) error {
	const op = "store.cursor.record_error"

	_, err := a.db.ExecContext(ctx, `
		UPDATE sync_state SET
			sync_status = 'error',
			last_error = $1,
			updated_at = NOW()
		WHERE account_id = $2
	`, message, accountID)
	return storeErr(op, err)
}

// Reset rewinds the cursor, typically to empty after the provider reports it
// can no longer calculate changes from the stored token.
func (a *CursorAdapter) Reset(ctx context.Context, accountID, newState string) (*domain.SyncCursor, error) {
	const op = "store.cursor.reset"

	var entity cursorEntity
	err := a.db.GetContext(ctx, &entity, `
		UPDATE sync_state SET
			last_sync_token = $1,
			thread_sync_token = NULL,
			sync_status = 'idle',
			last_error = NULL,
			updated_at = NOW()
		WHERE account_id = $2
		RETURNING *
	`, toNullableString(newState), accountID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return entity.toDomain(), nil
}

var _ out.CursorRepository = (*CursorAdapter)(nil)
