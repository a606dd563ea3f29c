package jmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 60 * time.Second
	callID         = "c0"
)

// Client implements out.MailClient against a JMAP provider.
type Client struct {
	httpClient *http.Client
	sessionURL string
	cb         *gobreaker.CircuitBreaker
}

// NewClient creates a JMAP client for the given session endpoint.
func NewClient(sessionURL string) *Client {
	cbSettings := gobreaker.Settings{
		Name:        "jmap-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		sessionURL: sessionURL,
		cb:         gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// OpenSession authenticates against the session endpoint and returns the
// account's API session.
func (c *Client) OpenSession(ctx context.Context, token string) (*out.Session, error) {
	const op = "jmap.session"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, domain.E(domain.KindNetwork, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	body, status, err := c.roundTrip(req)
	if err != nil {
		return nil, domain.E(domain.KindNetwork, op, err)
	}
	if err := statusError(op, status); err != nil {
		return nil, err
	}

	var doc SessionDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.E(domain.KindProtocol, op, fmt.Errorf("malformed session document: %w", err))
	}
	if doc.APIURL == "" {
		return nil, domain.E(domain.KindProtocol, op, errors.New("session document has no apiUrl"))
	}

	accountID := doc.PrimaryAccounts[CapMail]
	if accountID == "" {
		// Fall back to the only account, if there is exactly one.
		for id := range doc.Accounts {
			if accountID != "" {
				return nil, domain.E(domain.KindProtocol, op, errors.New("no primary mail account in session"))
			}
			accountID = id
		}
	}
	if accountID == "" {
		return nil, domain.E(domain.KindProtocol, op, errors.New("session exposes no accounts"))
	}

	caps := make([]string, 0, len(doc.Capabilities))
	for uri := range doc.Capabilities {
		caps = append(caps, uri)
	}
	sort.Strings(caps)

	return &out.Session{
		AccountID:    accountID,
		APIURL:       doc.APIURL,
		Username:     doc.Username,
		Capabilities: caps,
		State:        doc.State,
		Token:        token,
	}, nil
}

// ListMailboxes fetches every mailbox visible to the account, ordered by the
// provider-supplied sortOrder.
func (c *Client) ListMailboxes(ctx context.Context, s *out.Session) ([]*domain.Mailbox, error) {
	const op = "jmap.Mailbox/get"

	raw, err := c.call(ctx, s, "Mailbox/get", &mailboxGetArgs{AccountID: s.AccountID})
	if err != nil {
		return nil, err
	}

	var resp mailboxGetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	mailboxes := make([]*domain.Mailbox, 0, len(resp.List))
	for _, mb := range resp.List {
		m := &domain.Mailbox{
			RemoteID:     mb.ID,
			Name:         mb.Name,
			SortOrder:    mb.SortOrder,
			TotalEmails:  mb.TotalEmails,
			UnreadEmails: mb.UnreadEmails,
		}
		if mb.ParentID != nil {
			m.ParentRemoteID = *mb.ParentID
		}
		if mb.Role != nil {
			m.Role = *mb.Role
		}
		mailboxes = append(mailboxes, m)
	}
	sort.SliceStable(mailboxes, func(i, j int) bool {
		return mailboxes[i].SortOrder < mailboxes[j].SortOrder
	})
	return mailboxes, nil
}

// QueryEmails fetches email identifiers in provider-chosen order. With a
// since state it uses Email/changes; without one it walks Email/query from
// the top. The caller must not depend on global date ordering.
func (c *Client) QueryEmails(ctx context.Context, s *out.Session, opts *out.EmailQueryOptions) (*out.EmailQueryResult, error) {
	if opts == nil {
		opts = &out.EmailQueryOptions{}
	}

	if opts.SinceState == "" {
		const op = "jmap.Email/query"
		args := &emailQueryArgs{AccountID: s.AccountID, Position: opts.Position, Limit: opts.Limit}
		if opts.MailboxID != "" {
			args.Filter = &emailFilterCondition{InMailbox: opts.MailboxID}
		}
		raw, err := c.call(ctx, s, "Email/query", args)
		if err != nil {
			return nil, err
		}
		var resp emailQueryResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, domain.E(domain.KindProtocol, op, err)
		}
		return &out.EmailQueryResult{IDs: resp.IDs, NextState: resp.QueryState}, nil
	}

	const op = "jmap.Email/changes"
	raw, err := c.call(ctx, s, "Email/changes", &changesArgs{
		AccountID:  s.AccountID,
		SinceState: opts.SinceState,
		MaxChanges: opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	var resp changesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	ids := make([]string, 0, len(resp.Created)+len(resp.Updated))
	ids = append(ids, resp.Created...)
	ids = append(ids, resp.Updated...)
	return &out.EmailQueryResult{IDs: ids, Destroyed: resp.Destroyed, NextState: resp.NewState}, nil
}

// GetEmails resolves identifiers to full records under the fixed projection.
func (c *Client) GetEmails(ctx context.Context, s *out.Session, ids []string) ([]*domain.Email, error) {
	const op = "jmap.Email/get"
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := c.call(ctx, s, "Email/get", &emailGetArgs{
		AccountID:          s.AccountID,
		IDs:                ids,
		Properties:         emailProjection,
		FetchAllBodyValues: true,
	})
	if err != nil {
		return nil, err
	}

	var resp emailGetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	emails := make([]*domain.Email, 0, len(resp.List))
	for i := range resp.List {
		emails = append(emails, convertEmail(&resp.List[i]))
	}
	return emails, nil
}

// GetEmail is the single-record convenience for the webhook path.
func (c *Client) GetEmail(ctx context.Context, s *out.Session, id string) (*domain.Email, error) {
	emails, err := c.GetEmails(ctx, s, []string{id})
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, domain.EC(domain.KindProtocol, "jmap.Email/get", "notFound",
			fmt.Errorf("email %s not found", id))
	}
	return emails[0], nil
}

// QueryThreads fetches thread identifiers changed since the given state.
func (c *Client) QueryThreads(ctx context.Context, s *out.Session, opts *out.ThreadQueryOptions) (*out.ThreadQueryResult, error) {
	const op = "jmap.Thread/changes"
	if opts == nil || opts.SinceState == "" {
		// No state to diff against yet. Fetch the current Thread state with
		// an empty get so the next tick can diff from it; threads themselves
		// are discovered through emails.
		raw, err := c.call(ctx, s, "Thread/get", &threadGetArgs{AccountID: s.AccountID, IDs: []string{}})
		if err != nil {
			return nil, err
		}
		var resp threadGetResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, domain.E(domain.KindProtocol, "jmap.Thread/get", err)
		}
		return &out.ThreadQueryResult{NextState: resp.State}, nil
	}

	raw, err := c.call(ctx, s, "Thread/changes", &changesArgs{
		AccountID:  s.AccountID,
		SinceState: opts.SinceState,
		MaxChanges: opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	var resp changesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	ids := make([]string, 0, len(resp.Created)+len(resp.Updated))
	ids = append(ids, resp.Created...)
	ids = append(ids, resp.Updated...)
	return &out.ThreadQueryResult{IDs: ids, NextState: resp.NewState}, nil
}

// GetThreads resolves thread identifiers to member email id lists.
func (c *Client) GetThreads(ctx context.Context, s *out.Session, ids []string) ([]*domain.Thread, error) {
	const op = "jmap.Thread/get"
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := c.call(ctx, s, "Thread/get", &threadGetArgs{AccountID: s.AccountID, IDs: ids})
	if err != nil {
		return nil, err
	}

	var resp threadGetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	threads := make([]*domain.Thread, 0, len(resp.List))
	for _, t := range resp.List {
		threads = append(threads, &domain.Thread{
			ID:             t.ID,
			EmailRemoteIDs: t.EmailIDs,
			MessageCount:   len(t.EmailIDs),
		})
	}
	return threads, nil
}

// SetFlags mutates per-email keywords via an Email/set patch.
func (c *Client) SetFlags(ctx context.Context, s *out.Session, id string, keywords map[string]bool) error {
	const op = "jmap.Email/set"

	patch := make(map[string]interface{}, len(keywords))
	for k, v := range keywords {
		patch["keywords/"+k] = v
	}

	raw, err := c.call(ctx, s, "Email/set", &emailSetArgs{
		AccountID: s.AccountID,
		Update:    map[string]map[string]interface{}{id: patch},
	})
	if err != nil {
		return err
	}

	var resp emailSetResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.E(domain.KindProtocol, op, err)
	}
	if me, ok := resp.NotUpdated[id]; ok {
		return mapMethodError(op, &me)
	}
	return nil
}

// call issues one compound request carrying a single method call and returns
// the matching response arguments. No retry happens at this layer.
func (c *Client) call(ctx context.Context, s *out.Session, method string, args interface{}) (json.RawMessage, error) {
	op := "jmap." + method

	reqBody := &Request{
		Using:       []string{CapCore, CapMail},
		MethodCalls: []Invocation{{Name: method, Args: args, CallID: callID}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, domain.E(domain.KindProtocol, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.E(domain.KindNetwork, op, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	body, status, err := c.roundTrip(httpReq)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.EC(domain.KindNetwork, op, "circuitOpen", err)
		}
		if ctx.Err() != nil {
			return nil, domain.E(domain.KindOf(ctx.Err()), op, ctx.Err())
		}
		return nil, domain.E(domain.KindNetwork, op, err)
	}
	if err := statusError(op, status); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.E(domain.KindProtocol, op, fmt.Errorf("malformed response: %w", err))
	}

	for _, inv := range resp.MethodResponses {
		if inv.CallID != callID {
			continue
		}
		if inv.Name == "error" {
			var me MethodError
			if err := json.Unmarshal(inv.Args, &me); err != nil {
				return nil, domain.E(domain.KindProtocol, op, err)
			}
			return nil, mapMethodError(op, &me)
		}
		return inv.Args, nil
	}
	return nil, domain.E(domain.KindProtocol, op, errors.New("response missing method call result"))
}

// roundTrip executes the HTTP exchange under the circuit breaker. Transport
// failures and 5xx responses count against the breaker; auth and rate-limit
// statuses pass through as results.
func (c *Client) roundTrip(req *http.Request) ([]byte, int, error) {
	type result struct {
		body   []byte
		status int
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return result{body: body, status: resp.StatusCode},
				fmt.Errorf("server error: status %d", resp.StatusCode)
		}
		return result{body: body, status: resp.StatusCode}, nil
	})
	if err != nil {
		if r, ok := res.(result); ok {
			return r.body, r.status, err
		}
		return nil, 0, err
	}
	r := res.(result)
	return r.body, r.status, nil
}

// statusError maps an HTTP status to the error taxonomy.
func statusError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.EC(domain.KindAuth, op, fmt.Sprintf("http:%d", status),
			errors.New("credential rejected"))
	case status == http.StatusTooManyRequests:
		return domain.EC(domain.KindRateLimited, op, fmt.Sprintf("http:%d", status),
			errors.New("provider asked to slow down"))
	case status >= 500:
		return domain.EC(domain.KindNetwork, op, fmt.Sprintf("http:%d", status),
			errors.New("server error"))
	default:
		return domain.EC(domain.KindProtocol, op, fmt.Sprintf("http:%d", status),
			errors.New("unexpected status"))
	}
}

// mapMethodError translates a JMAP method-level error into the taxonomy,
// preserving the provider's error type verbatim.
func mapMethodError(op string, me *MethodError) error {
	err := errors.New(me.Description)
	if me.Description == "" {
		err = errors.New(me.Type)
	}
	switch me.Type {
	case "serverUnavailable", "serverPartialFail":
		return domain.EC(domain.KindNetwork, op, me.Type, err)
	case "rateLimit", "limitReached":
		return domain.EC(domain.KindRateLimited, op, me.Type, err)
	case "forbidden", "accountNotFound", "accountReadOnly":
		return domain.EC(domain.KindAuth, op, me.Type, err)
	default:
		// unknownMethod, invalidArguments, cannotCalculateChanges, ...
		return domain.EC(domain.KindProtocol, op, me.Type, err)
	}
}

// convertEmail translates the provider's wire shape into the archive record.
func convertEmail(w *wireEmail) *domain.Email {
	e := &domain.Email{
		RemoteID:   w.ID,
		ThreadID:   w.ThreadID,
		Subject:    w.Subject,
		References: w.References,
		Flags:      w.Keywords,
		SizeBytes:  w.Size,
	}

	// A JMAP email may live in several mailboxes; archive it under the
	// lowest id for a deterministic home.
	mailboxIDs := make([]string, 0, len(w.MailboxIDs))
	for id, in := range w.MailboxIDs {
		if in {
			mailboxIDs = append(mailboxIDs, id)
		}
	}
	sort.Strings(mailboxIDs)
	if len(mailboxIDs) > 0 {
		e.MailboxID = mailboxIDs[0]
	}

	if len(w.MessageID) > 0 {
		e.MessageID = w.MessageID[0]
	}
	if len(w.InReplyTo) > 0 {
		e.InReplyTo = w.InReplyTo[0]
	}

	if len(w.From) > 0 {
		e.FromAddress = &domain.EmailAddress{Name: w.From[0].Name, Email: w.From[0].Email}
	}
	e.ToAddresses = convertAddresses(w.To)
	e.CcAddresses = convertAddresses(w.Cc)
	e.BccAddresses = convertAddresses(w.Bcc)
	e.ReplyToAddresses = convertAddresses(w.ReplyTo)

	if t, err := time.Parse(time.RFC3339, w.ReceivedAt); err == nil {
		e.DateReceived = &t
	}
	if t, err := time.Parse(time.RFC3339, w.SentAt); err == nil {
		e.DateSent = &t
	}

	e.BodyText = joinBodyParts(w.TextBody, w.BodyValues)
	e.BodyHTML = joinBodyParts(w.HTMLBody, w.BodyValues)

	for _, part := range w.Attachments {
		att := domain.Attachment{
			ID:       part.PartID,
			BlobID:   part.BlobID,
			MimeType: part.Type,
			Size:     part.Size,
		}
		if part.Name != nil {
			att.Name = *part.Name
		}
		if part.CID != nil {
			att.ContentID = *part.CID
		}
		if part.Disposition != nil && *part.Disposition == "inline" {
			att.Inline = true
		}
		e.Attachments = append(e.Attachments, att)
	}

	e.ApplyFlags()
	return e
}

func convertAddresses(in []wireAddress) []domain.EmailAddress {
	if len(in) == 0 {
		return nil
	}
	addrs := make([]domain.EmailAddress, 0, len(in))
	for _, a := range in {
		addrs = append(addrs, domain.EmailAddress{Name: a.Name, Email: a.Email})
	}
	return addrs
}

func joinBodyParts(parts []wireBodyPart, values map[string]wireBodyValue) string {
	var buf bytes.Buffer
	for _, part := range parts {
		if part.PartID == "" {
			continue
		}
		v, ok := values[part.PartID]
		if !ok {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(v.Value)
	}
	return buf.String()
}

// Ensure Client implements out.MailClient
var _ out.MailClient = (*Client)(nil)
