package out

import (
	"context"

	"archive_server/core/domain"
)

// BatchFailure reports one email that could not be written in a batch.
type BatchFailure struct {
	RemoteID string
	Err      error
}

// BatchResult is the aggregate outcome of a batch upsert. Written lists the
// canonical post-write rows; a failure of one item never aborts the rest.
type BatchResult struct {
	Written []*domain.Email
	Failed  []BatchFailure
}

// EmailRepository is the only writer of archived email rows. All mutations
// are idempotent upserts keyed on remote_id; the search row is maintained in
// the same logical transaction as its email.
type EmailRepository interface {
	Upsert(ctx context.Context, email *domain.Email) (*domain.Email, error)
	UpsertBatch(ctx context.Context, emails []*domain.Email) (*BatchResult, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*domain.Email, error)
	ListByMailbox(ctx context.Context, mailboxID string, sort domain.SearchSort, limit, offset int) ([]*domain.Email, error)
	Recent(ctx context.Context, limit int) ([]*domain.Email, error)
	MarkDeleted(ctx context.Context, remoteID string) error
	Search(ctx context.Context, query string, filter *domain.SearchFilter, sort domain.SearchSort, limit, offset int) ([]*domain.SearchHit, error)
	Stats(ctx context.Context) (*domain.ArchiveStats, error)
}

// MailboxRepository upserts and reads mailbox rows keyed on remote_id.
type MailboxRepository interface {
	Upsert(ctx context.Context, mailbox *domain.Mailbox) (*domain.Mailbox, error)
	UpsertBatch(ctx context.Context, mailboxes []*domain.Mailbox) ([]*domain.Mailbox, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*domain.Mailbox, error)
	List(ctx context.Context) ([]*domain.Mailbox, error)
}

// ThreadRepository upserts and reads thread rows keyed on the remote id.
type ThreadRepository interface {
	Upsert(ctx context.Context, thread *domain.Thread) (*domain.Thread, error)
	UpsertBatch(ctx context.Context, threads []*domain.Thread) ([]*domain.Thread, error)
	Get(ctx context.Context, id string) (*domain.Thread, error)
}

// CursorRepository persists per-account sync progress. Advance must only be
// called after the batch the new state represents is durable.
type CursorRepository interface {
	Initialize(ctx context.Context, accountID string) (*domain.SyncCursor, error)
	Get(ctx context.Context, accountID string) (*domain.SyncCursor, error)
	List(ctx context.Context) ([]*domain.SyncCursor, error)
	Advance(ctx context.Context, accountID, newState string, emailsAdded int, status domain.SyncStatus) (*domain.SyncCursor, error)
	AdvanceThreadState(ctx context.Context, accountID, newState string) error
	SetStatus(ctx context.Context, accountID string, status domain.SyncStatus) error
	RecordError(ctx context.Context, accountID, message string) error
	Reset(ctx context.Context, accountID, newState string) (*domain.SyncCursor, error)
}

// IntegrityRepository exposes health and integrity queries over the archive.
type IntegrityRepository interface {
	Validate(ctx context.Context) ([]domain.IntegrityCheck, error)
	Repair(ctx context.Context) ([]domain.RepairAction, error)
	Health(ctx context.Context) (*domain.HealthReport, error)
}
