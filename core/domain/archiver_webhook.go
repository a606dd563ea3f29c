package domain

import (
	"github.com/goccy/go-json"
)

// ChangeEventType enumerates remote-originated notification types.
type ChangeEventType string

const (
	EventEmailReceived ChangeEventType = "email.received"
	EventEmailUpdated  ChangeEventType = "email.updated"
	EventEmailDeleted  ChangeEventType = "email.deleted"
	EventMailboxUpdate ChangeEventType = "mailbox.updated"
)

// ChangeEvent is the accepted webhook envelope.
type ChangeEvent struct {
	Type      ChangeEventType `json:"type"`
	AccountID string          `json:"accountId"`
	EmailID   string          `json:"emailId,omitempty"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// IsKnownType reports whether the event type is one we dispatch on.
// Unknown types are acknowledged and dropped for forward compatibility.
func (e *ChangeEvent) IsKnownType() bool {
	switch e.Type {
	case EventEmailReceived, EventEmailUpdated, EventEmailDeleted, EventMailboxUpdate:
		return true
	default:
		return false
	}
}

// RequiresEmailID reports whether the event type must carry an email id.
func (e *ChangeEvent) RequiresEmailID() bool {
	switch e.Type {
	case EventEmailReceived, EventEmailUpdated, EventEmailDeleted:
		return true
	default:
		return false
	}
}
