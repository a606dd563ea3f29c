package domain

import (
	"strings"
	"time"
)

// Canonical keyword flags carried in the provider's email record.
const (
	KeywordSeen     = "$seen"
	KeywordFlagged  = "$flagged"
	KeywordAnswered = "$answered"
	KeywordDraft    = "$draft"
)

// EmailAddress is a header address with an optional display name.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment is attachment metadata; blob content stays at the provider.
type Attachment struct {
	ID        string `json:"id"`
	BlobID    string `json:"blob_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline"`
}

// Email is the archived copy of one remote message. RemoteID is the natural
// key; rows are soft-deleted via IsDeleted, never removed by the engine.
type Email struct {
	ID        int64  `json:"id"`
	RemoteID  string `json:"remote_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	MailboxID string `json:"mailbox_id"` // remote mailbox id

	Subject          string         `json:"subject,omitempty"`
	FromAddress      *EmailAddress  `json:"from_address,omitempty"`
	ToAddresses      []EmailAddress `json:"to_addresses,omitempty"`
	CcAddresses      []EmailAddress `json:"cc_addresses,omitempty"`
	BccAddresses     []EmailAddress `json:"bcc_addresses,omitempty"`
	ReplyToAddresses []EmailAddress `json:"reply_to_addresses,omitempty"`

	DateReceived *time.Time `json:"date_received,omitempty"`
	DateSent     *time.Time `json:"date_sent,omitempty"`

	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	BodyText    string          `json:"body_text,omitempty"`
	BodyHTML    string          `json:"body_html,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	SizeBytes   int64           `json:"size_bytes"`

	IsRead    bool `json:"is_read"`
	IsFlagged bool `json:"is_flagged"`
	IsDeleted bool `json:"is_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyFlags sets the derived read/flagged booleans from canonical keywords.
func (e *Email) ApplyFlags() {
	e.IsRead = e.Flags[KeywordSeen]
	e.IsFlagged = e.Flags[KeywordFlagged]
}

// SearchText is the canonical tokenization input for the search row:
// subject, sender, text body and the HTML body (tags are stripped at the
// store layer). The content hash is computed over this same input.
func (e *Email) SearchText() string {
	parts := make([]string, 0, 4)
	if e.Subject != "" {
		parts = append(parts, e.Subject)
	}
	if e.FromAddress != nil {
		if e.FromAddress.Name != "" {
			parts = append(parts, e.FromAddress.Name)
		}
		if e.FromAddress.Email != "" {
			parts = append(parts, e.FromAddress.Email)
		}
	}
	if e.BodyText != "" {
		parts = append(parts, e.BodyText)
	}
	if e.BodyHTML != "" {
		parts = append(parts, e.BodyHTML)
	}
	return strings.Join(parts, "\n")
}

// Mailbox mirrors one remote mailbox. RemoteID is the natural key.
type Mailbox struct {
	ID             int64     `json:"id"`
	RemoteID       string    `json:"remote_id"`
	Name           string    `json:"name"`
	ParentRemoteID string    `json:"parent_remote_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	SortOrder      int       `json:"sort_order"`
	TotalEmails    int       `json:"total_emails"`
	UnreadEmails   int       `json:"unread_emails"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Thread groups emails by the provider's thread id.
type Thread struct {
	ID                string          `json:"id"` // remote thread id
	EmailRemoteIDs    []string        `json:"email_remote_ids"`
	Subject           string          `json:"subject,omitempty"`
	MailboxMembership map[string]bool `json:"mailbox_membership,omitempty"`
	MessageCount      int             `json:"message_count"`
	UnreadCount       int             `json:"unread_count"`
	LastMessageDate   *time.Time      `json:"last_message_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SearchSort selects search result ordering.
type SearchSort string

const (
	SortByRank         SearchSort = "rank"
	SortByDateReceived SearchSort = "date_received"
	SortByDateSent     SearchSort = "date_sent"
	SortBySubject      SearchSort = "subject"
)

// SearchFilter narrows a full-text search.
type SearchFilter struct {
	MailboxIDs     []string
	DateFrom       *time.Time
	DateTo         *time.Time
	IsRead         *bool
	IsFlagged      *bool
	HasAttachments *bool
}

// SearchHit is one ranked search result.
type SearchHit struct {
	EmailID      int64      `json:"email_id"`
	Subject      string     `json:"subject"`
	From         string     `json:"from"`
	Snippet      string     `json:"snippet"`
	Rank         float64    `json:"rank"`
	DateReceived *time.Time `json:"date_received,omitempty"`
	IsRead       bool       `json:"is_read"`
	IsFlagged    bool       `json:"is_flagged"`
}

// MailboxCount is a per-mailbox total for stats.
type MailboxCount struct {
	MailboxID string `json:"mailbox_id"`
	Name      string `json:"name"`
	Count     int64  `json:"count"`
}

// MonthCount is one bucket of the per-month histogram.
type MonthCount struct {
	Month string `json:"month"` // YYYY-MM
	Count int64  `json:"count"`
}

// ArchiveStats summarizes the archive contents.
type ArchiveStats struct {
	TotalEmails    int64          `json:"total_emails"`
	UnreadEmails   int64          `json:"unread_emails"`
	FlaggedEmails  int64          `json:"flagged_emails"`
	PerMailbox     []MailboxCount `json:"per_mailbox"`
	PerMonth       []MonthCount   `json:"per_month"`
	TotalMailboxes int64          `json:"total_mailboxes"`
	TotalThreads   int64          `json:"total_threads"`
}
