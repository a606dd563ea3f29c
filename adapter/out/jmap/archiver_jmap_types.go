// Package jmap implements the remote mail client over the JMAP protocol
// (RFC 8620/8621): a session document, then compound method calls.
package jmap

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Capability identifiers sent with every compound request.
const (
	CapCore = "urn:ietf:params:jmap:core"
	CapMail = "urn:ietf:params:jmap:mail"
)

// Request is a JMAP compound request.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Invocation is the [name, arguments, callId] triple of a method call.
type Invocation struct {
	Name   string
	Args   interface{}
	CallID string
}

func (inv Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{inv.Name, inv.Args, inv.CallID})
}

// Response is a JMAP compound response. MethodResponses is parallel to the
// request's methodCalls.
type Response struct {
	MethodResponses []ResponseInvocation `json:"methodResponses"`
	SessionState    string               `json:"sessionState"`
}

// ResponseInvocation is one [name, arguments, callId] response triple.
type ResponseInvocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (inv *ResponseInvocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method response has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return err
	}
	inv.Args = parts[1]
	return json.Unmarshal(parts[2], &inv.CallID)
}

// MethodError is the argument object of an "error" method response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// SessionDoc is the JMAP session resource (RFC 8620 §2).
type SessionDoc struct {
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	Accounts        map[string]SessionAccount  `json:"accounts"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Username        string                     `json:"username"`
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	UploadURL       string                     `json:"uploadUrl"`
	EventSourceURL  string                     `json:"eventSourceUrl"`
	State           string                     `json:"state"`
}

// SessionAccount describes one account in the session document.
type SessionAccount struct {
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// wireMailbox is the Mailbox/get record shape.
type wireMailbox struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ParentID     *string `json:"parentId"`
	Role         *string `json:"role"`
	SortOrder    int     `json:"sortOrder"`
	TotalEmails  int     `json:"totalEmails"`
	UnreadEmails int     `json:"unreadEmails"`
}

// wireAddress is one header address.
type wireAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// wireBodyPart is one entry of textBody/htmlBody/attachments.
type wireBodyPart struct {
	PartID      string  `json:"partId,omitempty"`
	BlobID      string  `json:"blobId,omitempty"`
	Size        int64   `json:"size"`
	Name        *string `json:"name"`
	Type        string  `json:"type"`
	CID         *string `json:"cid"`
	Disposition *string `json:"disposition"`
}

// wireBodyValue is one entry of the bodyValues map.
type wireBodyValue struct {
	Value       string `json:"value"`
	IsTruncated bool   `json:"isTruncated,omitempty"`
}

// wireEmail is the Email/get record shape under the fixed projection.
type wireEmail struct {
	ID         string          `json:"id"`
	BlobID     string          `json:"blobId"`
	ThreadID   string          `json:"threadId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Size       int64           `json:"size"`
	ReceivedAt string          `json:"receivedAt"`
	SentAt     string          `json:"sentAt"`
	MessageID  []string        `json:"messageId"`
	InReplyTo  []string        `json:"inReplyTo"`
	References []string        `json:"references"`
	From       []wireAddress   `json:"from"`
	To         []wireAddress   `json:"to"`
	Cc         []wireAddress   `json:"cc"`
	Bcc        []wireAddress   `json:"bcc"`
	ReplyTo    []wireAddress   `json:"replyTo"`
	Subject    string          `json:"subject"`

	TextBody    []wireBodyPart           `json:"textBody"`
	HTMLBody    []wireBodyPart           `json:"htmlBody"`
	Attachments []wireBodyPart           `json:"attachments"`
	BodyValues  map[string]wireBodyValue `json:"bodyValues"`
}

// wireThread is the Thread/get record shape.
type wireThread struct {
	ID       string   `json:"id"`
	EmailIDs []string `json:"emailIds"`
}

// Method argument shapes. AccountID is mandatory on every call.

type mailboxGetArgs struct {
	AccountID string    `json:"accountId"`
	IDs       *[]string `json:"ids"`
}

type mailboxGetResponse struct {
	AccountID string        `json:"accountId"`
	State     string        `json:"state"`
	List      []wireMailbox `json:"list"`
	NotFound  []string      `json:"notFound"`
}

type emailFilterCondition struct {
	InMailbox string `json:"inMailbox,omitempty"`
}

// emailQueryArgs deliberately omits a sort: some providers reject requested
// sorts, so results are surfaced in provider order.
type emailQueryArgs struct {
	AccountID string                `json:"accountId"`
	Filter    *emailFilterCondition `json:"filter,omitempty"`
	Position  int                   `json:"position,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
}

type emailQueryResponse struct {
	AccountID           string   `json:"accountId"`
	QueryState          string   `json:"queryState"`
	CanCalculateChanges bool     `json:"canCalculateChanges"`
	Position            int      `json:"position"`
	IDs                 []string `json:"ids"`
}

type changesArgs struct {
	AccountID  string `json:"accountId"`
	SinceState string `json:"sinceState"`
	MaxChanges int    `json:"maxChanges,omitempty"`
}

type changesResponse struct {
	AccountID      string   `json:"accountId"`
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

type emailGetArgs struct {
	AccountID          string   `json:"accountId"`
	IDs                []string `json:"ids"`
	Properties         []string `json:"properties,omitempty"`
	FetchAllBodyValues bool     `json:"fetchAllBodyValues,omitempty"`
}

type emailGetResponse struct {
	AccountID string      `json:"accountId"`
	State     string      `json:"state"`
	List      []wireEmail `json:"list"`
	NotFound  []string    `json:"notFound"`
}

type threadGetArgs struct {
	AccountID string   `json:"accountId"`
	IDs       []string `json:"ids"`
}

type threadGetResponse struct {
	AccountID string       `json:"accountId"`
	State     string       `json:"state"`
	List      []wireThread `json:"list"`
	NotFound  []string     `json:"notFound"`
}

type emailSetArgs struct {
	AccountID string                            `json:"accountId"`
	Update    map[string]map[string]interface{} `json:"update,omitempty"`
}

type emailSetResponse struct {
	AccountID  string                     `json:"accountId"`
	OldState   string                     `json:"oldState"`
	NewState   string                     `json:"newState"`
	Updated    map[string]json.RawMessage `json:"updated"`
	NotUpdated map[string]MethodError     `json:"notUpdated"`
}

// emailProjection is the fixed Email/get property set: identifiers, thread
// id, mailbox ids, headers, subject, timestamps, bodies, attachments,
// keywords and size.
var emailProjection = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "size",
	"receivedAt", "sentAt", "messageId", "inReplyTo", "references",
	"from", "to", "cc", "bcc", "replyTo", "subject",
	"textBody", "htmlBody", "attachments", "bodyValues",
}
