package persistence

import (
	"context"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// IntegrityAdapter runs consistency checks and repairs over the archive.
type IntegrityAdapter struct {
	db *sqlx.DB
}

func NewIntegrityAdapter(db *sqlx.DB) *IntegrityAdapter {
	return &IntegrityAdapter{db: db}
}

type integrityQuery struct {
	name string
	sql  string
}

// Each check counts rows violating one invariant. Zero is a PASS.
var integrityChecks = []integrityQuery{
	{
		name: "orphaned_search_rows",
		sql: `SELECT COUNT(*) FROM email_search s
		      WHERE NOT EXISTS (SELECT 1 FROM emails e WHERE e.id = s.email_id)`,
	},
	{
		name: "missing_search_rows",
		sql: `SELECT COUNT(*) FROM emails e
		      WHERE e.is_deleted = FALSE
		        AND NOT EXISTS (SELECT 1 FROM email_search s WHERE s.email_id = e.id)`,
	},
	{
		name: "deleted_emails_in_index",
		sql: `SELECT COUNT(*) FROM email_search s
		      JOIN emails e ON e.id = s.email_id
		      WHERE e.is_deleted = TRUE`,
	},
	{
		name: "emails_with_unknown_mailbox",
		sql: `SELECT COUNT(*) FROM emails e
		      WHERE e.is_deleted = FALSE
		        AND e.mailbox_id IS NOT NULL
		        AND NOT EXISTS (SELECT 1 FROM mailboxes m WHERE m.remote_id = e.mailbox_id)`,
	},
	{
		name: "threads_with_missing_emails",
		sql: `SELECT COUNT(*) FROM email_threads t
		      WHERE EXISTS (
		        SELECT 1 FROM unnest(t.email_remote_ids) AS rid
		        WHERE NOT EXISTS (SELECT 1 FROM emails e WHERE e.remote_id = rid)
		      )`,
	},
	{
		// remote_id carries a unique constraint; a duplicate here means the
		// constraint was dropped or the table was loaded out of band.
		name: "duplicate_email_remote_ids",
		sql: `SELECT COUNT(*) FROM (
		        SELECT remote_id FROM emails GROUP BY remote_id HAVING COUNT(*) > 1
		      ) d`,
	},
	{
		name: "malformed_address_arrays",
		sql: `SELECT COUNT(*) FROM emails e
		      WHERE (e.from_address IS NOT NULL AND jsonb_typeof(e.from_address) <> 'object')
		         OR (e.to_addresses IS NOT NULL AND jsonb_typeof(e.to_addresses) <> 'array')
		         OR (e.cc_addresses IS NOT NULL AND jsonb_typeof(e.cc_addresses) <> 'array')
		         OR (e.bcc_addresses IS NOT NULL AND jsonb_typeof(e.bcc_addresses) <> 'array')
		         OR (e.reply_to_addresses IS NOT NULL AND jsonb_typeof(e.reply_to_addresses) <> 'array')`,
	},
}

// Validate runs every integrity check and reports per-check results. Checks
// are read-only; nothing is repaired here.
func (a *IntegrityAdapter) Validate(ctx context.Context) ([]domain.IntegrityCheck, error) {
	const op = "store.integrity.validate"

	checks := make([]domain.IntegrityCheck, 0, len(integrityChecks))
	for _, q := range integrityChecks {
		var issues int64
		if err := a.db.QueryRowxContext(ctx, q.sql).Scan(&issues); err != nil {
			return nil, storeErr(op, err)
		}
		status := domain.CheckPass
		if issues > 0 {
			status = domain.CheckFail
		}
		checks = append(checks, domain.IntegrityCheck{Name: q.name, Status: status, Issues: issues})
	}
	return checks, nil
}

// Repair fixes what Validate can detect mechanically: orphaned and stale
// search rows are dropped, missing ones rebuilt from current email content,
// and mailbox counters recounted from live rows. Threads referencing unknown
// emails are left alone; the next sync tick reconciles them.
func (a *IntegrityAdapter) Repair(ctx context.Context) ([]domain.RepairAction, error) {
	const op = "store.integrity.repair"

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer tx.Rollback()

	var actions []domain.RepairAction

	res, err := tx.ExecContext(ctx, `
		DELETE FROM email_search s
		WHERE NOT EXISTS (SELECT 1 FROM emails e WHERE e.id = s.email_id)
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	n, _ := res.RowsAffected()
	actions = append(actions, domain.RepairAction{Action: "dropped_orphaned_search_rows", ItemsAffected: n})

	res, err = tx.ExecContext(ctx, `
		DELETE FROM email_search s
		USING emails e
		WHERE e.id = s.email_id AND e.is_deleted = TRUE
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	n, _ = res.RowsAffected()
	actions = append(actions, domain.RepairAction{Action: "dropped_deleted_emails_from_index", ItemsAffected: n})

	// Rebuild through the same code path as a normal upsert so the stored
	// content_hash matches what the next write will compute.
	var missing []emailEntity
	err = tx.SelectContext(ctx, &missing, `
		SELECT * FROM emails e
		WHERE e.is_deleted = FALSE
		  AND NOT EXISTS (SELECT 1 FROM email_search s WHERE s.email_id = e.id)
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	for i := range missing {
		email, err := missing[i].toDomain()
		if err != nil {
			return nil, storeErr(op, err)
		}
		if err := upsertSearchRowTx(ctx, tx, email); err != nil {
			return nil, storeErr(op, err)
		}
	}
	actions = append(actions, domain.RepairAction{Action: "rebuilt_missing_search_rows", ItemsAffected: int64(len(missing))})

	res, err = tx.ExecContext(ctx, `
		UPDATE mailboxes m SET
			total_emails = c.total,
			unread_emails = c.unread,
			updated_at = NOW()
		FROM (
			SELECT m2.remote_id,
			       COUNT(e.id) FILTER (WHERE e.is_deleted = FALSE) AS total,
			       COUNT(e.id) FILTER (WHERE e.is_deleted = FALSE AND NOT e.is_read) AS unread
			FROM mailboxes m2
			LEFT JOIN emails e ON e.mailbox_id = m2.remote_id
			GROUP BY m2.remote_id
		) c
		WHERE c.remote_id = m.remote_id
		  AND (m.total_emails <> c.total OR m.unread_emails <> c.unread)
	`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	n, _ = res.RowsAffected()
	actions = append(actions, domain.RepairAction{Action: "recounted_mailbox_counters", ItemsAffected: n})

	if err := tx.Commit(); err != nil {
		return nil, storeErr(op, err)
	}
	return actions, nil
}

// Health summarizes cursor state across accounts. An account in error makes
// the archive ERROR; a cursor that has not advanced within the stall
// threshold makes it WARNING.
func (a *IntegrityAdapter) Health(ctx context.Context) (*domain.HealthReport, error) {
	const op = "store.integrity.health"

	report := &domain.HealthReport{Status: domain.HealthHealthy}
	stallDeadline := time.Now().Add(-domain.StallThreshold)

	err := a.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE sync_status = 'error'),
			COUNT(*) FILTER (
				WHERE sync_status IN ('syncing', 'completed')
				  AND COALESCE(last_sync_date, updated_at) < $1
			),
			MAX(last_sync_date)
		FROM sync_state
	`, stallDeadline).Scan(&report.Accounts, &report.ErrorAccounts, &report.Stalled, &report.LastSyncDate)
	if err != nil {
		return nil, storeErr(op, err)
	}

	if err := a.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM emails WHERE is_deleted = FALSE
	`).Scan(&report.TotalEmails); err != nil {
		return nil, storeErr(op, err)
	}

	switch {
	case report.ErrorAccounts > 0:
		report.Status = domain.HealthError
	case report.Stalled > 0:
		report.Status = domain.HealthWarning
	}
	return report, nil
}

var _ out.IntegrityRepository = (*IntegrityAdapter)(nil)
