package domain

import (
	"time"
)

// SyncStatus is the per-account state machine position.
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// SyncCursor tracks per-account sync progress. LastSyncToken is opaque
// provider state and only advances after the batch it represents is durable.
type SyncCursor struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_id"`

	LastSyncToken   string     `json:"last_sync_token,omitempty"`
	ThreadSyncToken string     `json:"thread_sync_token,omitempty"`
	LastSyncDate    *time.Time `json:"last_sync_date,omitempty"`

	TotalEmailsSynced int64      `json:"total_emails_synced"`
	LastError         string     `json:"last_error,omitempty"`
	Status            SyncStatus `json:"sync_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RetryBackoff returns the wait before retry attempt n (0-based) for a
// transient failure. Rate-limit responses double the base delay.
func RetryBackoff(base time.Duration, attempt int, rateLimited bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base << uint(attempt)
	if rateLimited {
		delay *= 2
	}
	const maxDelay = 10 * time.Minute
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
