package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EmailAdapter is the only writer of archived email rows. Every mutation is
// an idempotent upsert keyed on remote_id, and the search row is maintained
// inside the same transaction as its email.
type EmailAdapter struct {
	db *sqlx.DB
}

func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

type emailEntity struct {
	ID        int64          `db:"id"`
	RemoteID  string         `db:"remote_id"`
	ThreadID  sql.NullString `db:"thread_id"`
	MailboxID sql.NullString `db:"mailbox_id"`

	Subject          sql.NullString `db:"subject"`
	FromAddress      []byte         `db:"from_address"`
	ToAddresses      []byte         `db:"to_addresses"`
	CcAddresses      []byte         `db:"cc_addresses"`
	BccAddresses     []byte         `db:"bcc_addresses"`
	ReplyToAddresses []byte         `db:"reply_to_addresses"`

	DateReceived sql.NullTime `db:"date_received"`
	DateSent     sql.NullTime `db:"date_sent"`

	MessageID        sql.NullString `db:"message_id"`
	InReplyTo        sql.NullString `db:"in_reply_to"`
	HeaderReferences pq.StringArray `db:"header_references"`

	BodyText    sql.NullString `db:"body_text"`
	BodyHTML    sql.NullString `db:"body_html"`
	Attachments []byte         `db:"attachments"`
	Flags       []byte         `db:"flags"`
	SizeBytes   int64          `db:"size_bytes"`

	IsRead    bool `db:"is_read"`
	IsFlagged bool `db:"is_flagged"`
	IsDeleted bool `db:"is_deleted"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *emailEntity) toDomain() (*domain.Email, error) {
	email := &domain.Email{
		ID:               e.ID,
		RemoteID:         e.RemoteID,
		ThreadID:         e.ThreadID.String,
		MailboxID:        e.MailboxID.String,
		Subject:          e.Subject.String,
		MessageID:        e.MessageID.String,
		InReplyTo:        e.InReplyTo.String,
		References:       []string(e.HeaderReferences),
		BodyText:         e.BodyText.String,
		BodyHTML:         e.BodyHTML.String,
		SizeBytes:        e.SizeBytes,
		IsRead:           e.IsRead,
		IsFlagged:        e.IsFlagged,
		IsDeleted:        e.IsDeleted,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}

	if e.DateReceived.Valid {
		t := e.DateReceived.Time
		email.DateReceived = &t
	}
	if e.DateSent.Valid {
		t := e.DateSent.Time
		email.DateSent = &t
	}

	if len(e.FromAddress) > 0 {
		if err := json.Unmarshal(e.FromAddress, &email.FromAddress); err != nil {
			return nil, err
		}
	}
	for _, pair := range []struct {
		raw []byte
		dst *[]domain.EmailAddress
	}{
		{e.ToAddresses, &email.ToAddresses},
		{e.CcAddresses, &email.CcAddresses},
		{e.BccAddresses, &email.BccAddresses},
		{e.ReplyToAddresses, &email.ReplyToAddresses},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
	}
	if len(e.Attachments) > 0 {
		if err := json.Unmarshal(e.Attachments, &email.Attachments); err != nil {
			return nil, err
		}
	}
	if len(e.Flags) > 0 {
		if err := json.Unmarshal(e.Flags, &email.Flags); err != nil {
			return nil, err
		}
	}
	return email, nil
}

const emailUpsertQuery = `
	INSERT INTO emails (
		remote_id, thread_id, mailbox_id, subject,
		from_address, to_addresses, cc_addresses, bcc_addresses, reply_to_addresses,
		date_received, date_sent, message_id, in_reply_to, header_references,
		body_text, body_html, attachments, flags, size_bytes,
		is_read, is_flagged
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	ON CONFLICT (remote_id) DO UPDATE SET
		thread_id = EXCLUDED.thread_id,
		mailbox_id = EXCLUDED.mailbox_id,
		subject = EXCLUDED.subject,
		from_address = EXCLUDED.from_address,
		to_addresses = EXCLUDED.to_addresses,
		cc_addresses = EXCLUDED.cc_addresses,
		bcc_addresses = EXCLUDED.bcc_addresses,
		reply_to_addresses = EXCLUDED.reply_to_addresses,
		date_received = EXCLUDED.date_received,
		date_sent = EXCLUDED.date_sent,
		message_id = EXCLUDED.message_id,
		in_reply_to = EXCLUDED.in_reply_to,
		header_references = EXCLUDED.header_references,
		body_text = EXCLUDED.body_text,
		body_html = EXCLUDED.body_html,
		attachments = EXCLUDED.attachments,
		flags = EXCLUDED.flags,
		size_bytes = EXCLUDED.size_bytes,
		is_read = EXCLUDED.is_read,
		is_flagged = EXCLUDED.is_flagged,
		is_deleted = FALSE,
		updated_at = NOW()
	RETURNING id, created_at, updated_at
`

// Upsert writes one email and its search row in a single transaction. Calling
// it twice with the same record leaves the archive unchanged apart from
// updated_at.
func (a *EmailAdapter) Upsert(ctx context.Context, email *domain.Email) (*domain.Email, error) {
	const op = "store.emails.upsert"

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer tx.Rollback()

	stored, err := upsertEmailTx(ctx, tx, email)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if err := upsertSearchRowTx(ctx, tx, stored); err != nil {
		return nil, storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(op, err)
	}
	return stored, nil
}

// UpsertBatch writes each email independently. A failure of one item never
// aborts the rest, except when the store itself is down.
func (a *EmailAdapter) UpsertBatch(ctx context.Context, emails []*domain.Email) (*out.BatchResult, error) {
	result := &out.BatchResult{}
	for _, email := range emails {
		stored, err := a.Upsert(ctx, email)
		if err != nil {
			if domain.IsKind(err, domain.KindStoreUnavailable) {
				return result, err
			}
			result.Failed = append(result.Failed, out.BatchFailure{RemoteID: email.RemoteID, Err: err})
			continue
		}
		result.Written = append(result.Written, stored)
	}
	return result, nil
}

func upsertEmailTx(ctx context.Context, tx *sqlx.Tx, email *domain.Email) (*domain.Email, error) {
	fromJSON, err := marshalNullable(email.FromAddress)
	if err != nil {
		return nil, err
	}
	toJSON, err := marshalNullable(email.ToAddresses)
	if err != nil {
		return nil, err
	}
	ccJSON, err := marshalNullable(email.CcAddresses)
	if err != nil {
		return nil, err
	}
	bccJSON, err := marshalNullable(email.BccAddresses)
	if err != nil {
		return nil, err
	}
	replyToJSON, err := marshalNullable(email.ReplyToAddresses)
	if err != nil {
		return nil, err
	}
	attachmentsJSON, err := marshalNullable(email.Attachments)
	if err != nil {
		return nil, err
	}
	flagsJSON, err := marshalNullable(email.Flags)
	if err != nil {
		return nil, err
	}

	stored := *email
	err = tx.QueryRowxContext(ctx, emailUpsertQuery,
		email.RemoteID,
		toNullableString(email.ThreadID),
		toNullableString(email.MailboxID),
		toNullableString(email.Subject),
		fromJSON,
		toJSON,
		ccJSON,
		bccJSON,
		replyToJSON,
		toNullableTime(email.DateReceived),
		toNullableTime(email.DateSent),
		toNullableString(email.MessageID),
		toNullableString(email.InReplyTo),
		pq.StringArray(email.References),
		toNullableString(email.BodyText),
		toNullableString(email.BodyHTML),
		attachmentsJSON,
		flagsJSON,
		email.SizeBytes,
		email.IsRead,
		email.IsFlagged,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, err
	}
	stored.IsDeleted = false
	return &stored, nil
}

// upsertSearchRowTx keeps the search row in step with its email. The content
// hash short-circuits re-tokenization when nothing searchable changed.
func upsertSearchRowTx(ctx context.Context, tx *sqlx.Tx, email *domain.Email) error {
	text := searchableText(email)
	hash := ContentHash(text)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_search (email_id, search_vector, content_hash, updated_at)
		VALUES ($1, to_tsvector('english', $2), $3, NOW())
		ON CONFLICT (email_id) DO UPDATE SET
			search_vector = to_tsvector('english', $2),
			content_hash = $3,
			updated_at = NOW()
		WHERE email_search.content_hash IS DISTINCT FROM $3
	`, email.ID, text, hash)
	return err
}

// searchableText is the canonical tokenization input, with HTML markup
// stripped before it reaches the tokenizer.
func searchableText(email *domain.Email) string {
	raw := email.SearchText()
	if email.BodyHTML == "" {
		return raw
	}
	return StripTags(raw)
}

// ContentHash fingerprints the searchable text of an email.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// StripTags removes HTML markup, leaving the visible text. Entities are left
// alone; the tokenizer treats them as noise words.
func StripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			if inTag {
				inTag = false
				b.WriteByte(' ')
			} else {
				b.WriteRune(r)
			}
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func marshalNullable(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case *domain.EmailAddress:
		if val == nil {
			return nil, nil
		}
	case []domain.EmailAddress:
		if len(val) == 0 {
			return nil, nil
		}
	case []domain.Attachment:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]bool:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (a *EmailAdapter) GetByRemoteID(ctx context.Context, remoteID string) (*domain.Email, error) {
	const op = "store.emails.get"

	var entity emailEntity
	query := `SELECT * FROM emails WHERE remote_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, remoteID); err != nil {
		return nil, storeErr(op, err)
	}
	email, err := entity.toDomain()
	if err != nil {
		return nil, storeErr(op, err)
	}
	return email, nil
}

// sortColumn whitelists ORDER BY targets; anything unknown falls back to the
// received date.
func sortColumn(sort domain.SearchSort) string {
	switch sort {
	case domain.SortByDateSent:
		return "date_sent DESC NULLS LAST"
	case domain.SortBySubject:
		return "subject ASC NULLS LAST"
	default:
		return "date_received DESC NULLS LAST"
	}
}

func (a *EmailAdapter) ListByMailbox(ctx context.Context, mailboxID string, sort domain.SearchSort, limit, offset int) ([]*domain.Email, error) {
	const op = "store.emails.list"
	if limit <= 0 {
		limit = 50
	}

	var entities []emailEntity
	query := fmt.Sprintf(`
		SELECT * FROM emails
		WHERE mailbox_id = $1 AND is_deleted = FALSE
		ORDER BY %s
		LIMIT $2 OFFSET $3
	`, sortColumn(sort))
	if err := a.db.SelectContext(ctx, &entities, query, mailboxID, limit, offset); err != nil {
		return nil, storeErr(op, err)
	}
	return entitiesToDomain(op, entities)
}

func (a *EmailAdapter) Recent(ctx context.Context, limit int) ([]*domain.Email, error) {
	const op = "store.emails.recent"
	if limit <= 0 {
		limit = 50
	}

	var entities []emailEntity
	query := `
		SELECT * FROM emails
		WHERE is_deleted = FALSE
		ORDER BY date_received DESC NULLS LAST
		LIMIT $1
	`
	if err := a.db.SelectContext(ctx, &entities, query, limit); err != nil {
		return nil, storeErr(op, err)
	}
	return entitiesToDomain(op, entities)
}

func entitiesToDomain(op string, entities []emailEntity) ([]*domain.Email, error) {
	emails := make([]*domain.Email, 0, len(entities))
	for i := range entities {
		email, err := entities[i].toDomain()
		if err != nil {
			return nil, storeErr(op, err)
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// MarkDeleted soft-deletes the email and drops it from the search index.
// Unknown remote ids are a no-op; a deletion webhook may race the sync pull.
func (a *EmailAdapter) MarkDeleted(ctx context.Context, remoteID string) error {
	const op = "store.emails.delete"

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE emails SET is_deleted = TRUE, updated_at = NOW()
		WHERE remote_id = $1 AND is_deleted = FALSE
	`, remoteID)
	if err != nil {
		return storeErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM email_search
		WHERE email_id = (SELECT id FROM emails WHERE remote_id = $1)
	`, remoteID)
	if err != nil {
		return storeErr(op, err)
	}
	return storeErr(op, tx.Commit())
}

type searchHitEntity struct {
	EmailID      int64          `db:"email_id"`
	Subject      sql.NullString `db:"subject"`
	FromAddress  []byte         `db:"from_address"`
	Snippet      sql.NullString `db:"snippet"`
	Rank         float64        `db:"rank"`
	DateReceived sql.NullTime   `db:"date_received"`
	IsRead       bool           `db:"is_read"`
	IsFlagged    bool           `db:"is_flagged"`
}

// Search runs a ranked full-text query. All user input travels through
// parameter binding.
func (a *EmailAdapter) Search(ctx context.Context, query string, filter *domain.SearchFilter, sort domain.SearchSort, limit, offset int) ([]*domain.SearchHit, error) {
	const op = "store.emails.search"

	sqlQuery, args := BuildSearchQuery(query, filter, sort, limit, offset)

	var entities []searchHitEntity
	if err := a.db.SelectContext(ctx, &entities, sqlQuery, args...); err != nil {
		return nil, storeErr(op, err)
	}

	hits := make([]*domain.SearchHit, 0, len(entities))
	for _, e := range entities {
		hit := &domain.SearchHit{
			EmailID:   e.EmailID,
			Subject:   e.Subject.String,
			Snippet:   e.Snippet.String,
			Rank:      e.Rank,
			IsRead:    e.IsRead,
			IsFlagged: e.IsFlagged,
		}
		if e.DateReceived.Valid {
			t := e.DateReceived.Time
			hit.DateReceived = &t
		}
		if len(e.FromAddress) > 0 {
			var from domain.EmailAddress
			if err := json.Unmarshal(e.FromAddress, &from); err == nil {
				hit.From = from.Email
				if from.Name != "" {
					hit.From = from.Name + " <" + from.Email + ">"
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// BuildSearchQuery assembles the ranked search statement and its bind
// arguments. Exported for tests; no caller-supplied text is interpolated.
func BuildSearchQuery(query string, filter *domain.SearchFilter, sort domain.SearchSort, limit, offset int) (string, []interface{}) {
	if limit <= 0 {
		limit = 50
	}

	args := []interface{}{query}
	var where []string

	if filter != nil {
		if len(filter.MailboxIDs) > 0 {
			args = append(args, pq.StringArray(filter.MailboxIDs))
			where = append(where, fmt.Sprintf("e.mailbox_id = ANY($%d)", len(args)))
		}
		if filter.DateFrom != nil {
			args = append(args, *filter.DateFrom)
			where = append(where, fmt.Sprintf("e.date_received >= $%d", len(args)))
		}
		if filter.DateTo != nil {
			args = append(args, *filter.DateTo)
			where = append(where, fmt.Sprintf("e.date_received <= $%d", len(args)))
		}
		if filter.IsRead != nil {
			args = append(args, *filter.IsRead)
			where = append(where, fmt.Sprintf("e.is_read = $%d", len(args)))
		}
		if filter.IsFlagged != nil {
			args = append(args, *filter.IsFlagged)
			where = append(where, fmt.Sprintf("e.is_flagged = $%d", len(args)))
		}
		if filter.HasAttachments != nil {
			if *filter.HasAttachments {
				where = append(where, "e.attachments IS NOT NULL AND jsonb_array_length(e.attachments) > 0")
			} else {
				where = append(where, "(e.attachments IS NULL OR jsonb_array_length(e.attachments) = 0)")
			}
		}
	}

	// Ranking is only computed when it orders the results; other sorts
	// return rank 0.
	rankExpr := "ts_rank(s.search_vector, websearch_to_tsquery('english', $1))"
	switch sort {
	case domain.SortByDateReceived, domain.SortByDateSent, domain.SortBySubject:
		rankExpr = "0::real"
	}

	var b strings.Builder
	b.WriteString(`
		SELECT
			e.id AS email_id,
			e.subject,
			e.from_address,
			ts_headline('english', COALESCE(e.body_text, e.subject, ''), websearch_to_tsquery('english', $1)) AS snippet,
			` + rankExpr + ` AS rank,
			e.date_received,
			e.is_read,
			e.is_flagged
		FROM email_search s
		JOIN emails e ON e.id = s.email_id
		WHERE e.is_deleted = FALSE
		  AND s.search_vector @@ websearch_to_tsquery('english', $1)`)
	for _, cond := range where {
		b.WriteString("\n\t\t  AND ")
		b.WriteString(cond)
	}

	switch sort {
	case domain.SortByDateReceived:
		b.WriteString("\n\t\tORDER BY e.date_received DESC NULLS LAST")
	case domain.SortByDateSent:
		b.WriteString("\n\t\tORDER BY e.date_sent DESC NULLS LAST")
	case domain.SortBySubject:
		b.WriteString("\n\t\tORDER BY e.subject ASC NULLS LAST")
	default:
		b.WriteString("\n\t\tORDER BY rank DESC, e.date_received DESC NULLS LAST")
	}

	args = append(args, limit)
	b.WriteString(fmt.Sprintf("\n\t\tLIMIT $%d", len(args)))
	args = append(args, offset)
	b.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))

	return b.String(), args
}

// Stats aggregates archive-wide counts. Each aggregate is an independent
// query; a failure of one fails the call.
func (a *EmailAdapter) Stats(ctx context.Context) (*domain.ArchiveStats, error) {
	const op = "store.emails.stats"

	stats := &domain.ArchiveStats{}

	err := a.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT is_read),
			COUNT(*) FILTER (WHERE is_flagged)
		FROM emails WHERE is_deleted = FALSE
	`).Scan(&stats.TotalEmails, &stats.UnreadEmails, &stats.FlaggedEmails)
	if err != nil {
		return nil, storeErr(op, err)
	}

	if err := a.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM mailboxes`).Scan(&stats.TotalMailboxes); err != nil {
		return nil, storeErr(op, err)
	}
	if err := a.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM email_threads`).Scan(&stats.TotalThreads); err != nil {
		return nil, storeErr(op, err)
	}

	rows, err := a.db.QueryxContext(ctx, `
		SELECT e.mailbox_id, COALESCE(m.name, e.mailbox_id) AS name, COUNT(*) AS count
		FROM emails e
		LEFT JOIN mailboxes m ON m.remote_id = e.mailbox_id
		WHERE e.is_deleted = FALSE AND e.mailbox_id IS NOT NULL
		GROUP BY e.mailbox_id, m.name
		ORDER BY count DESC
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var mc domain.MailboxCount
		if err := rows.Scan(&mc.MailboxID, &mc.Name, &mc.Count); err != nil {
			return nil, storeErr(op, err)
		}
		stats.PerMailbox = append(stats.PerMailbox, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}

	monthRows, err := a.db.QueryxContext(ctx, `
		SELECT to_char(date_received, 'YYYY-MM') AS month, COUNT(*) AS count
		FROM emails
		WHERE is_deleted = FALSE AND date_received IS NOT NULL
		GROUP BY month
		ORDER BY month DESC
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer monthRows.Close()
	for monthRows.Next() {
		var mc domain.MonthCount
		if err := monthRows.Scan(&mc.Month, &mc.Count); err != nil {
			return nil, storeErr(op, err)
		}
		stats.PerMonth = append(stats.PerMonth, mc)
	}
	if err := monthRows.Err(); err != nil {
		return nil, storeErr(op, err)
	}

	return stats, nil
}

var _ out.EmailRepository = (*EmailAdapter)(nil)
