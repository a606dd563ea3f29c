package domain

import (
	"time"
)

// HealthStatus is the coarse archive health signal.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "HEALTHY"
	HealthWarning HealthStatus = "WARNING"
	HealthError   HealthStatus = "ERROR"
)

// StallThreshold is how long a cursor may sit without advancing before the
// archive reports WARNING.
const StallThreshold = 24 * time.Hour

// HealthReport summarizes cursor state across accounts.
type HealthReport struct {
	Status        HealthStatus `json:"status"`
	Accounts      int          `json:"accounts"`
	ErrorAccounts int          `json:"error_accounts"`
	Stalled       int          `json:"stalled_accounts"`
	LastSyncDate  *time.Time   `json:"last_sync_date,omitempty"`
	TotalEmails   int64        `json:"total_emails"`
}

// CheckStatus is the outcome of one integrity check.
type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
)

// IntegrityCheck is one row of validate_integrity output.
type IntegrityCheck struct {
	Name   string      `json:"check"`
	Status CheckStatus `json:"status"`
	Issues int64       `json:"issues"`
}

// RepairAction is one row of repair_integrity output.
type RepairAction struct {
	Action        string `json:"action"`
	ItemsAffected int64  `json:"items_affected"`
}
