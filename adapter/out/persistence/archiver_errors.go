// Package persistence implements the archive store adapters on Postgres.
package persistence

import (
	"database/sql"
	"errors"
	"time"

	"archive_server/core/domain"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// storeErr classifies a database failure into the error taxonomy. Constraint
// violations (class 23) are integrity failures; everything else is treated as
// the store being unavailable, which is transient and retried.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if pqErr.Code.Class() == "23" {
			return domain.EC(domain.KindIntegrity, op, code, err)
		}
		return domain.EC(domain.KindStoreUnavailable, op, code, err)
	}
	return domain.E(domain.KindStoreUnavailable, op, err)
}

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
