package out

import (
	"context"

	"archive_server/core/domain"
)

// Session is an authenticated JMAP session. The bearer token travels with the
// session so a refreshed credential means a fresh session.
type Session struct {
	AccountID    string
	APIURL       string
	Username     string
	Capabilities []string
	State        string
	Token        string
}

// EmailQueryOptions narrows an identifier query. SinceState is the opaque
// provider cursor; empty means "from the beginning".
type EmailQueryOptions struct {
	MailboxID  string
	SinceState string
	Position   int // backfill offset, only meaningful with an empty SinceState
	Limit      int
}

// EmailQueryResult carries provider-order identifiers and the state that the
// cursor may advance to once the batch is durable. Destroyed ids are only
// populated on the changes path.
type EmailQueryResult struct {
	IDs       []string
	Destroyed []string
	NextState string
}

// ThreadQueryOptions narrows a thread change query.
type ThreadQueryOptions struct {
	SinceState string
	Limit      int
}

// ThreadQueryResult mirrors EmailQueryResult for threads.
type ThreadQueryResult struct {
	IDs       []string
	NextState string
}

// MailClient speaks the JMAP request/response protocol against the remote
// mail service. The client never retries; retry is policy owned by the engine.
type MailClient interface {
	OpenSession(ctx context.Context, token string) (*Session, error)
	ListMailboxes(ctx context.Context, s *Session) ([]*domain.Mailbox, error)
	QueryEmails(ctx context.Context, s *Session, opts *EmailQueryOptions) (*EmailQueryResult, error)
	GetEmails(ctx context.Context, s *Session, ids []string) ([]*domain.Email, error)
	GetEmail(ctx context.Context, s *Session, id string) (*domain.Email, error)
	QueryThreads(ctx context.Context, s *Session, opts *ThreadQueryOptions) (*ThreadQueryResult, error)
	GetThreads(ctx context.Context, s *Session, ids []string) ([]*domain.Thread, error)
	SetFlags(ctx context.Context, s *Session, id string, keywords map[string]bool) error
}
