package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry policy. Retry decisions dispatch
// on the kind, never on message text.
type ErrorKind string

const (
	KindConfig           ErrorKind = "config"            // missing/malformed configuration, fatal to the process
	KindAuth             ErrorKind = "auth"              // credential invalid and refresh impossible
	KindNetwork          ErrorKind = "network"           // transport failure, transient
	KindRateLimited      ErrorKind = "rate_limited"      // provider backpressure, transient
	KindProtocol         ErrorKind = "protocol"          // provider response malformed, fatal to the tick
	KindStoreUnavailable ErrorKind = "store_unavailable" // archive store unreachable, transient
	KindIntegrity        ErrorKind = "integrity"         // unresolvable upsert conflict
	KindCancelled        ErrorKind = "cancelled"         // caller cancelled, clean abort
	KindUnknown          ErrorKind = "unknown"
)

// SyncError is the single error type crossing component boundaries.
type SyncError struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "jmap.Email/query"
	Code string // provider or store error code, preserved verbatim
	Err  error
}

func (e *SyncError) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Code, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError.
func E(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// EC builds a SyncError carrying a provider error code.
func EC(kind ErrorKind, op, code string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf extracts the kind from an error chain. Context cancellation maps to
// KindCancelled; a context deadline is treated like a transport failure so
// the retry policy handles both paths the same way.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the failure class is transient.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindStoreUnavailable:
		return true
	default:
		return false
	}
}
