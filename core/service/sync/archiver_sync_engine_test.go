package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"archive_server/config"
	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/logger"
)

// fakeMail is an in-memory JMAP provider: a fixed set of emails, an opaque
// state counter, and per-call failure injection.
type fakeMail struct {
	mu gosync.Mutex

	emails    []*domain.Email
	state     string
	changes   map[string][]string // sinceState -> changed ids
	destroyed map[string][]string // sinceState -> destroyed ids
	nextMap   map[string]string   // sinceState -> newState
	sessions  int

	rejectToken  string // this bearer token gets an auth failure
	queryErr     error
	queryErrOnce bool
}

func (f *fakeMail) OpenSession(_ context.Context, token string) (*out.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	if token == f.rejectToken {
		return nil, domain.EC(domain.KindAuth, "jmap.session", "http:401", errors.New("credential rejected"))
	}
	return &out.Session{AccountID: "acc-1", APIURL: "fake", Token: token}, nil
}

func (f *fakeMail) ListMailboxes(_ context.Context, _ *out.Session) ([]*domain.Mailbox, error) {
	return []*domain.Mailbox{{RemoteID: "mb-inbox", Name: "Inbox"}}, nil
}

func (f *fakeMail) QueryEmails(_ context.Context, _ *out.Session, opts *out.EmailQueryOptions) (*out.EmailQueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queryErr != nil {
		err := f.queryErr
		if f.queryErrOnce {
			f.queryErr = nil
		}
		return nil, err
	}

	if opts.SinceState == "" {
		end := opts.Position + opts.Limit
		if end > len(f.emails) {
			end = len(f.emails)
		}
		start := opts.Position
		if start > len(f.emails) {
			start = len(f.emails)
		}
		var ids []string
		for _, e := range f.emails[start:end] {
			ids = append(ids, e.RemoteID)
		}
		return &out.EmailQueryResult{IDs: ids, NextState: f.state}, nil
	}

	ids := f.changes[opts.SinceState]
	next, ok := f.nextMap[opts.SinceState]
	if !ok {
		next = opts.SinceState
	}
	return &out.EmailQueryResult{IDs: ids, Destroyed: f.destroyed[opts.SinceState], NextState: next}, nil
}

func (f *fakeMail) GetEmails(_ context.Context, _ *out.Session, ids []string) ([]*domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*domain.Email
	for _, id := range ids {
		for _, e := range f.emails {
			if e.RemoteID == id {
				copied := *e
				res = append(res, &copied)
			}
		}
	}
	return res, nil
}

func (f *fakeMail) GetEmail(ctx context.Context, s *out.Session, id string) (*domain.Email, error) {
	emails, err := f.GetEmails(ctx, s, []string{id})
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, domain.EC(domain.KindProtocol, "jmap.Email/get", "notFound", errors.New("not found"))
	}
	return emails[0], nil
}

func (f *fakeMail) QueryThreads(_ context.Context, _ *out.Session, opts *out.ThreadQueryOptions) (*out.ThreadQueryResult, error) {
	return &out.ThreadQueryResult{NextState: "tstate-1"}, nil
}

func (f *fakeMail) GetThreads(_ context.Context, _ *out.Session, ids []string) ([]*domain.Thread, error) {
	threads := make([]*domain.Thread, 0, len(ids))
	for _, id := range ids {
		threads = append(threads, &domain.Thread{ID: id, EmailRemoteIDs: []string{id + "-m"}})
	}
	return threads, nil
}

func (f *fakeMail) SetFlags(_ context.Context, _ *out.Session, _ string, _ map[string]bool) error {
	return nil
}

// fakeStore implements the email, mailbox, thread and cursor repositories in
// memory.
type fakeStore struct {
	mu gosync.Mutex

	emails    map[string]*domain.Email
	upserts   int
	mailboxes map[string]*domain.Mailbox
	threads   map[string]*domain.Thread
	cursor    *domain.SyncCursor
	tokenLog  []string // every token the cursor has been advanced to
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		emails:    make(map[string]*domain.Email),
		mailboxes: make(map[string]*domain.Mailbox),
		threads:   make(map[string]*domain.Thread),
	}
}

func (f *fakeStore) Upsert(_ context.Context, email *domain.Email) (*domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	copied := *email
	f.emails[email.RemoteID] = &copied
	return &copied, nil
}

func (f *fakeStore) UpsertBatch(ctx context.Context, emails []*domain.Email) (*out.BatchResult, error) {
	result := &out.BatchResult{}
	for _, e := range emails {
		stored, err := f.Upsert(ctx, e)
		if err != nil {
			result.Failed = append(result.Failed, out.BatchFailure{RemoteID: e.RemoteID, Err: err})
			continue
		}
		result.Written = append(result.Written, stored)
	}
	return result, nil
}

func (f *fakeStore) GetByRemoteID(_ context.Context, remoteID string) (*domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[remoteID]; ok {
		return e, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) ListByMailbox(context.Context, string, domain.SearchSort, int, int) ([]*domain.Email, error) {
	return nil, nil
}
func (f *fakeStore) Recent(context.Context, int) ([]*domain.Email, error) { return nil, nil }

func (f *fakeStore) MarkDeleted(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[remoteID]; ok {
		e.IsDeleted = true
	}
	return nil
}

func (f *fakeStore) Search(context.Context, string, *domain.SearchFilter, domain.SearchSort, int, int) ([]*domain.SearchHit, error) {
	return nil, nil
}
func (f *fakeStore) Stats(context.Context) (*domain.ArchiveStats, error) { return nil, nil }

func (f *fakeStore) UpsertMailbox(_ context.Context, mb *domain.Mailbox) (*domain.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailboxes[mb.RemoteID] = mb
	return mb, nil
}

func (f *fakeStore) UpsertThread(_ context.Context, t *domain.Thread) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[t.ID] = t
	return t, nil
}

// mailboxRepo / threadRepo / cursorRepo adapters over fakeStore.

type fakeMailboxRepo struct{ store *fakeStore }

func (r *fakeMailboxRepo) Upsert(ctx context.Context, mb *domain.Mailbox) (*domain.Mailbox, error) {
	return r.store.UpsertMailbox(ctx, mb)
}
func (r *fakeMailboxRepo) UpsertBatch(ctx context.Context, mbs []*domain.Mailbox) ([]*domain.Mailbox, error) {
	for _, mb := range mbs {
		if _, err := r.store.UpsertMailbox(ctx, mb); err != nil {
			return nil, err
		}
	}
	return mbs, nil
}
func (r *fakeMailboxRepo) GetByRemoteID(context.Context, string) (*domain.Mailbox, error) {
	return nil, nil
}
func (r *fakeMailboxRepo) List(context.Context) ([]*domain.Mailbox, error) { return nil, nil }

type fakeThreadRepo struct{ store *fakeStore }

func (r *fakeThreadRepo) Upsert(ctx context.Context, t *domain.Thread) (*domain.Thread, error) {
	return r.store.UpsertThread(ctx, t)
}
func (r *fakeThreadRepo) UpsertBatch(ctx context.Context, ts []*domain.Thread) ([]*domain.Thread, error) {
	for _, t := range ts {
		if _, err := r.store.UpsertThread(ctx, t); err != nil {
			return nil, err
		}
	}
	return ts, nil
}
func (r *fakeThreadRepo) Get(context.Context, string) (*domain.Thread, error) { return nil, nil }

type fakeCursorRepo struct{ store *fakeStore }

func (r *fakeCursorRepo) Initialize(_ context.Context, accountID string) (*domain.SyncCursor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.cursor == nil {
		r.store.cursor = &domain.SyncCursor{AccountID: accountID, Status: domain.SyncStatusIdle}
	}
	copied := *r.store.cursor
	return &copied, nil
}

func (r *fakeCursorRepo) Get(_ context.Context, _ string) (*domain.SyncCursor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *r.store.cursor
	return &copied, nil
}

func (r *fakeCursorRepo) List(_ context.Context) ([]*domain.SyncCursor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.cursor == nil {
		return nil, nil
	}
	copied := *r.store.cursor
	return []*domain.SyncCursor{&copied}, nil
}

func (r *fakeCursorRepo) Advance(_ context.Context, _, newState string, emailsAdded int, status domain.SyncStatus) (*domain.SyncCursor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	r.store.cursor.LastSyncToken = newState
	r.store.cursor.LastSyncDate = &now
	r.store.cursor.TotalEmailsSynced += int64(emailsAdded)
	r.store.cursor.Status = status
	r.store.cursor.LastError = ""
	r.store.tokenLog = append(r.store.tokenLog, newState)
	copied := *r.store.cursor
	return &copied, nil
}

func (r *fakeCursorRepo) AdvanceThreadState(_ context.Context, _, newState string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.cursor.ThreadSyncToken = newState
	return nil
}

func (r *fakeCursorRepo) SetStatus(_ context.Context, _ string, status domain.SyncStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.cursor.Status = status
	return nil
}

func (r *fakeCursorRepo) RecordError(_ context.Context, _, message string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.cursor.Status = domain.SyncStatusError
	r.store.cursor.LastError = message
	return nil
}

func (r *fakeCursorRepo) Reset(_ context.Context, _, newState string) (*domain.SyncCursor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.cursor.LastSyncToken = newState
	r.store.cursor.ThreadSyncToken = ""
	r.store.cursor.Status = domain.SyncStatusIdle
	r.store.cursor.LastError = ""
	copied := *r.store.cursor
	return &copied, nil
}

type fakeTokens struct {
	token        string
	rotated      string
	forceCalls   int
	forceErr     error
	ensureCalled int
}

func (f *fakeTokens) EnsureFresh(_ context.Context, _ string) (string, error) {
	f.ensureCalled++
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, _ string) (string, error) {
	f.forceCalls++
	if f.forceErr != nil {
		return "", f.forceErr
	}
	return f.rotated, nil
}

func genEmails(n int) []*domain.Email {
	emails := make([]*domain.Email, n)
	for i := range emails {
		emails[i] = &domain.Email{
			RemoteID: fmt.Sprintf("m%03d", i),
			ThreadID: fmt.Sprintf("t%03d", i/3),
			Subject:  fmt.Sprintf("message %d", i),
		}
	}
	return emails
}

func newTestEngine(mail *fakeMail, store *fakeStore, tokens TokenSource) *Engine {
	cfg := &config.Config{
		SyncAccountID: "acc-1",
		BatchSize:     10,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		SyncInterval:  time.Minute,
	}
	e := NewEngine(cfg, mail, tokens, store, &fakeMailboxRepo{store}, &fakeThreadRepo{store}, &fakeCursorRepo{store}, nil)
	e.log = logger.New(logger.Config{Level: logger.LevelFatal})
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestTick_ColdStartBackfillsInBatches(t *testing.T) {
	mail := &fakeMail{emails: genEmails(25), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(store.emails) != 25 {
		t.Errorf("archived %d emails, want 25", len(store.emails))
	}
	if store.cursor.LastSyncToken != "state-A" {
		t.Errorf("cursor token = %q, want state-A", store.cursor.LastSyncToken)
	}
	if store.cursor.Status != domain.SyncStatusCompleted {
		t.Errorf("status = %q, want completed", store.cursor.Status)
	}
	if store.cursor.TotalEmailsSynced != 25 {
		t.Errorf("total synced = %d, want 25", store.cursor.TotalEmailsSynced)
	}
	if len(store.mailboxes) != 1 {
		t.Errorf("mailboxes = %d, want 1", len(store.mailboxes))
	}
	if len(store.threads) == 0 {
		t.Error("threads were not archived")
	}
	if store.cursor.ThreadSyncToken != "tstate-1" {
		t.Errorf("thread token = %q, want tstate-1", store.cursor.ThreadSyncToken)
	}
}

func TestTick_TokenCommittedOnlyAfterBackfillCompletes(t *testing.T) {
	mail := &fakeMail{emails: genEmails(25), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	// Intermediate advances record progress with an empty token; state-A
	// only appears once every batch is durable.
	for i, tok := range store.tokenLog {
		if tok == "state-A" && i < len(store.tokenLog)-1 {
			t.Errorf("token committed at advance %d of %d, before backfill completed", i, len(store.tokenLog))
		}
	}
	if store.tokenLog[len(store.tokenLog)-1] != "state-A" {
		t.Errorf("final advance = %q, want state-A", store.tokenLog[len(store.tokenLog)-1])
	}
}

func TestTick_IncrementalAdvancesPerBatch(t *testing.T) {
	mail := &fakeMail{
		emails:  genEmails(25),
		state:   "state-C",
		changes: map[string][]string{"state-A": {"m001", "m002"}, "state-B": {"m003"}},
		nextMap: map[string]string{"state-A": "state-B", "state-B": "state-C"},
	}
	store := newFakeStore()
	store.cursor = &domain.SyncCursor{AccountID: "acc-1", LastSyncToken: "state-A", Status: domain.SyncStatusIdle}
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if store.cursor.LastSyncToken != "state-C" {
		t.Errorf("cursor token = %q, want state-C", store.cursor.LastSyncToken)
	}
	if store.cursor.TotalEmailsSynced != 3 {
		t.Errorf("total synced = %d, want 3", store.cursor.TotalEmailsSynced)
	}
	if _, ok := store.emails["m003"]; !ok {
		t.Error("changed email m003 not archived")
	}
	// state-B must be committed before state-C: per-batch durability.
	sawB := false
	for _, tok := range store.tokenLog {
		if tok == "state-B" {
			sawB = true
		}
		if tok == "state-C" && !sawB {
			t.Error("state-C committed before state-B")
		}
	}
	if !sawB {
		t.Error("intermediate state-B was never committed")
	}
}

func TestTick_IncrementalTombstonesDestroyed(t *testing.T) {
	mail := &fakeMail{
		emails:    genEmails(5),
		state:     "state-B",
		changes:   map[string][]string{"state-A": {"m002"}},
		destroyed: map[string][]string{"state-A": {"m000", "m001"}},
		nextMap:   map[string]string{"state-A": "state-B"},
	}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	// Backfill first so the destroyed ids exist locally.
	store.cursor = &domain.SyncCursor{AccountID: "acc-1", Status: domain.SyncStatusIdle}
	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("backfill Tick() error = %v", err)
	}

	store.cursor.LastSyncToken = "state-A"
	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("incremental Tick() error = %v", err)
	}

	for _, id := range []string{"m000", "m001"} {
		if e, ok := store.emails[id]; !ok || !e.IsDeleted {
			t.Errorf("destroyed email %s not tombstoned", id)
		}
	}
	if store.emails["m002"].IsDeleted {
		t.Error("changed email m002 must not be tombstoned")
	}
	if store.cursor.LastSyncToken != "state-B" {
		t.Errorf("cursor token = %q, want state-B", store.cursor.LastSyncToken)
	}
}

func TestReset_PinsSuppliedCursor(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	cursor, err := engine.Reset(context.Background(), "acc-1", "state-known-good")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if cursor.LastSyncToken != "state-known-good" {
		t.Errorf("token after pinned reset = %q, want state-known-good", cursor.LastSyncToken)
	}
	if cursor.ThreadSyncToken != "" {
		t.Errorf("thread token = %q, want cleared", cursor.ThreadSyncToken)
	}
}

func TestTick_ReupsertIsIdempotent(t *testing.T) {
	mail := &fakeMail{emails: genEmails(5), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("first Tick() error = %v", err)
	}
	// Rewind and tick again: same emails re-pulled, row count unchanged.
	if _, err := engine.Reset(context.Background(), "acc-1", ""); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}

	if len(store.emails) != 5 {
		t.Errorf("archived %d emails after double sync, want 5", len(store.emails))
	}
}

func TestTick_AuthFailureTriggersSingleRefresh(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A", rejectToken: "stale"}
	store := newFakeStore()
	tokens := &fakeTokens{token: "stale", rotated: "fresh"}
	engine := newTestEngine(mail, store, tokens)

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if tokens.forceCalls != 1 {
		t.Errorf("ForceRefresh called %d times, want exactly 1", tokens.forceCalls)
	}
	if len(store.emails) != 3 {
		t.Errorf("archived %d emails, want 3", len(store.emails))
	}
}

func TestTick_SecondAuthFailureIsFatal(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A", rejectToken: "stale"}
	store := newFakeStore()
	tokens := &fakeTokens{token: "stale", rotated: "stale"} // rotation yields the same bad token
	engine := newTestEngine(mail, store, tokens)

	err := engine.Tick(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if !domain.IsKind(err, domain.KindAuth) {
		t.Errorf("kind = %v, want auth", domain.KindOf(err))
	}
	if tokens.forceCalls != 1 {
		t.Errorf("ForceRefresh called %d times, want exactly 1 (no refresh loop)", tokens.forceCalls)
	}
	if store.cursor.Status != domain.SyncStatusError {
		t.Errorf("status = %q, want error", store.cursor.Status)
	}
	if store.cursor.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestTick_TransientFailureRetriesThenSucceeds(t *testing.T) {
	mail := &fakeMail{
		emails:       genEmails(3),
		state:        "state-A",
		queryErr:     domain.E(domain.KindNetwork, "jmap.Email/query", errors.New("connection reset")),
		queryErrOnce: true,
	}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() should recover from one transient failure, got %v", err)
	}
	if len(store.emails) != 3 {
		t.Errorf("archived %d emails, want 3", len(store.emails))
	}
}

func TestTick_ProtocolFailureDoesNotRetry(t *testing.T) {
	mail := &fakeMail{
		emails:   genEmails(3),
		state:    "state-A",
		queryErr: domain.EC(domain.KindProtocol, "jmap.Email/query", "invalidArguments", errors.New("bad request")),
	}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	err := engine.Tick(context.Background(), "acc-1")
	if !domain.IsKind(err, domain.KindProtocol) {
		t.Fatalf("kind = %v, want protocol", domain.KindOf(err))
	}
	if mail.sessions > 1 {
		t.Errorf("opened %d sessions, want 1 (no retry on protocol errors)", mail.sessions)
	}
}

func TestTick_CannotCalculateChangesRewindsToBackfill(t *testing.T) {
	mail := &fakeMail{
		emails:       genEmails(7),
		state:        "state-B",
		queryErr:     domain.EC(domain.KindProtocol, "jmap.Email/changes", "cannotCalculateChanges", errors.New("state too old")),
		queryErrOnce: true,
	}
	store := newFakeStore()
	store.cursor = &domain.SyncCursor{AccountID: "acc-1", LastSyncToken: "ancient", Status: domain.SyncStatusIdle}
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(store.emails) != 7 {
		t.Errorf("archived %d emails after rewind, want 7", len(store.emails))
	}
	if store.cursor.LastSyncToken != "state-B" {
		t.Errorf("cursor token = %q, want fresh state-B", store.cursor.LastSyncToken)
	}
}

func TestTick_SingleFlight(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	// Hold the lock as if a tick were mid-flight.
	if !engine.acquire(context.Background(), "acc-1") {
		t.Fatal("first acquire failed")
	}
	err := engine.Tick(context.Background(), "acc-1")
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
	engine.release("acc-1")

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Errorf("Tick() after release error = %v", err)
	}
}

func TestTick_CancelledContext(t *testing.T) {
	mail := &fakeMail{
		emails:   genEmails(3),
		state:    "state-A",
		queryErr: domain.E(domain.KindNetwork, "jmap.Email/query", errors.New("transient")),
	}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := engine.Tick(ctx, "acc-1")
	if !domain.IsKind(err, domain.KindCancelled) {
		t.Errorf("kind = %v, want cancelled", domain.KindOf(err))
	}
	if store.cursor.Status != domain.SyncStatusIdle {
		t.Errorf("status = %q, want idle after clean abort", store.cursor.Status)
	}
}

func TestSyncOne(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.SyncOne(context.Background(), "acc-1", "m001"); err != nil {
		t.Fatalf("SyncOne() error = %v", err)
	}
	if _, ok := store.emails["m001"]; !ok {
		t.Error("email m001 not archived")
	}
	if len(store.emails) != 1 {
		t.Errorf("archived %d emails, want 1", len(store.emails))
	}
}

func TestMarkDeleted(t *testing.T) {
	mail := &fakeMail{emails: genEmails(3), state: "state-A"}
	store := newFakeStore()
	engine := newTestEngine(mail, store, &fakeTokens{token: "tok"})

	if err := engine.Tick(context.Background(), "acc-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := engine.MarkDeleted(context.Background(), "m001"); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}
	if !store.emails["m001"].IsDeleted {
		t.Error("m001 not soft-deleted")
	}
}
