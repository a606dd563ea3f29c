// Package sync implements the archive sync engine: a single-flight,
// cursor-driven pull loop from the remote mail provider into the store.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"archive_server/config"
	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// ErrSyncInProgress is returned when a tick is requested while one is
// already running for the same account.
var ErrSyncInProgress = errors.New("sync already in progress for account")

const lockTTL = 30 * time.Minute

// Engine drives the tick state machine: idle -> syncing -> completed|error.
// At most one tick runs per account at a time; overlapping triggers are
// rejected, never queued.
type Engine struct {
	cfg *config.Config

	mail      out.MailClient
	tokens    TokenSource
	emails    out.EmailRepository
	mailboxes out.MailboxRepository
	threads   out.ThreadRepository
	cursors   out.CursorRepository

	// rdb fences ticks across processes; nil means single-process locking.
	rdb *redis.Client

	mu      gosync.Mutex
	running map[string]bool

	log   *logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// TokenSource provides a usable bearer token for an account. Implemented by
// the token service.
type TokenSource interface {
	EnsureFresh(ctx context.Context, accountID string) (string, error)
	ForceRefresh(ctx context.Context, accountID string) (string, error)
}

func NewEngine(
	cfg *config.Config,
	mail out.MailClient,
	tokens TokenSource,
	emails out.EmailRepository,
	mailboxes out.MailboxRepository,
	threads out.ThreadRepository,
	cursors out.CursorRepository,
	rdb *redis.Client,
) *Engine {
	return &Engine{
		cfg:       cfg,
		mail:      mail,
		tokens:    tokens,
		emails:    emails,
		mailboxes: mailboxes,
		threads:   threads,
		cursors:   cursors,
		rdb:       rdb,
		running:   make(map[string]bool),
		log:       logger.WithField("component", "sync_engine"),
		sleep:     sleepCtx,
	}
}

// Run is the scheduler loop: one tick immediately, then one per interval
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	accountID := e.cfg.SyncAccountID
	log := e.log.WithAccount(accountID)
	log.Info("sync scheduler started, interval %s", e.cfg.SyncInterval)

	e.tickAndLog(ctx, accountID)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			e.tickAndLog(ctx, accountID)
		}
	}
}

func (e *Engine) tickAndLog(ctx context.Context, accountID string) {
	start := time.Now()
	err := e.Tick(ctx, accountID)
	log := e.log.WithAccount(accountID).WithField("duration_ms", time.Since(start).Milliseconds())
	switch {
	case err == nil:
		log.Info("sync tick completed")
	case errors.Is(err, ErrSyncInProgress):
		log.Warn("sync tick skipped, previous tick still running")
	case domain.IsKind(err, domain.KindCancelled):
		log.Info("sync tick cancelled")
	default:
		log.WithError(err).Error("sync tick failed")
	}
}

// Tick runs one full sync pass for the account, retrying transient failures
// with exponential backoff. The cursor only moves after a durable write, so
// a failed tick resumes from the last good state.
func (e *Engine) Tick(ctx context.Context, accountID string) error {
	if accountID == "" {
		return domain.E(domain.KindConfig, "sync.tick", errors.New("no account configured"))
	}
	if !e.acquire(ctx, accountID) {
		return ErrSyncInProgress
	}
	defer e.release(accountID)

	if _, err := e.cursors.Initialize(ctx, accountID); err != nil {
		return err
	}
	if err := e.cursors.SetStatus(ctx, accountID, domain.SyncStatusSyncing); err != nil {
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = e.runTick(ctx, accountID)
		if err == nil {
			return nil
		}
		if domain.IsKind(err, domain.KindCancelled) {
			// Clean abort. The cursor keeps its last durable state; the next
			// tick picks up from there.
			e.setStatusDetached(accountID, domain.SyncStatusIdle)
			return err
		}
		if !domain.IsRetryable(err) || attempt >= e.cfg.MaxRetries {
			break
		}

		delay := domain.RetryBackoff(e.cfg.RetryDelay, attempt, domain.IsKind(err, domain.KindRateLimited))
		e.log.WithAccount(accountID).WithError(err).Warn("transient sync failure, retrying in %s (attempt %d/%d)",
			delay, attempt+1, e.cfg.MaxRetries)
		if serr := e.sleep(ctx, delay); serr != nil {
			e.setStatusDetached(accountID, domain.SyncStatusIdle)
			return domain.E(domain.KindCancelled, "sync.tick", serr)
		}
	}

	e.recordErrorDetached(accountID, err)
	return err
}

// runTick is a single attempt: session, mailboxes, emails, threads.
func (e *Engine) runTick(ctx context.Context, accountID string) error {
	session, err := e.openSession(ctx, accountID)
	if err != nil {
		return err
	}

	if err := e.syncMailboxes(ctx, session); err != nil {
		return err
	}

	cursor, err := e.cursors.Get(ctx, accountID)
	if err != nil {
		return err
	}

	seenThreads := make(map[string]struct{})
	var finalState string
	if cursor.LastSyncToken == "" {
		finalState, err = e.backfill(ctx, session, accountID, seenThreads)
	} else {
		finalState, err = e.incremental(ctx, session, accountID, cursor.LastSyncToken, seenThreads)
	}
	if err != nil {
		return err
	}

	if err := e.syncThreads(ctx, session, accountID, seenThreads); err != nil {
		return err
	}

	// Commit completion. The token is the last durable state either path
	// produced; re-advancing to it is a no-op beyond the timestamp.
	_, err = e.cursors.Advance(ctx, accountID, finalState, 0, domain.SyncStatusCompleted)
	return err
}

// openSession acquires a bearer token and opens the JMAP session. One forced
// refresh is attempted after a credential rejection; a second rejection is
// surfaced as-is.
func (e *Engine) openSession(ctx context.Context, accountID string) (*out.Session, error) {
	tok, err := e.tokens.EnsureFresh(ctx, accountID)
	if err != nil {
		return nil, err
	}

	session, err := e.mail.OpenSession(ctx, tok)
	if err == nil {
		return session, nil
	}
	if !domain.IsKind(err, domain.KindAuth) {
		return nil, err
	}

	e.log.WithAccount(accountID).Warn("session rejected, forcing token refresh")
	fresh, rerr := e.tokens.ForceRefresh(ctx, accountID)
	if rerr != nil {
		return nil, err
	}
	return e.mail.OpenSession(ctx, fresh)
}

func (e *Engine) syncMailboxes(ctx context.Context, session *out.Session) error {
	mailboxes, err := e.mail.ListMailboxes(ctx, session)
	if err != nil {
		return err
	}
	_, err = e.mailboxes.UpsertBatch(ctx, mailboxes)
	return err
}

// backfill walks the full mailbox from the top in batches. The provider
// state is captured on the first page and only committed once every page is
// durable; an interrupted backfill restarts, converging through idempotent
// upserts. Per-batch progress still lands in the cursor row.
func (e *Engine) backfill(ctx context.Context, session *out.Session, accountID string, seenThreads map[string]struct{}) (string, error) {
	log := e.log.WithAccount(accountID)
	log.Info("starting full backfill")

	var state string
	position := 0
	for {
		res, err := e.mail.QueryEmails(ctx, session, &out.EmailQueryOptions{
			Position: position,
			Limit:    e.cfg.BatchSize,
		})
		if err != nil {
			return "", err
		}
		if state == "" {
			state = res.NextState
		}
		if len(res.IDs) == 0 {
			break
		}

		written, err := e.pullAndStore(ctx, session, res.IDs, seenThreads)
		if err != nil {
			return "", err
		}
		// Progress without committing the token: the backfill is not done.
		if _, err := e.cursors.Advance(ctx, accountID, "", written, domain.SyncStatusSyncing); err != nil {
			return "", err
		}

		position += len(res.IDs)
		log.Debug("backfill batch stored: %d emails, position %d", written, position)

		if len(res.IDs) < e.cfg.BatchSize {
			break
		}
	}

	log.Info("backfill finished at position %d", position)
	return state, nil
}

// incremental applies provider changes batch by batch. The cursor advances
// to each new state only after its batch is durable, so a crash between
// batches loses nothing.
func (e *Engine) incremental(ctx context.Context, session *out.Session, accountID, sinceState string, seenThreads map[string]struct{}) (string, error) {
	state := sinceState
	for {
		res, err := e.mail.QueryEmails(ctx, session, &out.EmailQueryOptions{
			SinceState: state,
			Limit:      e.cfg.BatchSize,
		})
		if err != nil {
			if isCannotCalculateChanges(err) {
				// The stored token is too old for the provider to diff from.
				// Rewind and backfill from scratch inside the same tick.
				e.log.WithAccount(accountID).Warn("provider cannot calculate changes, rewinding cursor")
				if _, rerr := e.cursors.Reset(ctx, accountID, ""); rerr != nil {
					return "", rerr
				}
				return e.backfill(ctx, session, accountID, seenThreads)
			}
			return "", err
		}

		if len(res.IDs) == 0 && len(res.Destroyed) == 0 && res.NextState == state {
			break
		}

		written := 0
		if len(res.IDs) > 0 {
			written, err = e.pullAndStore(ctx, session, res.IDs, seenThreads)
			if err != nil {
				return "", err
			}
		}
		for _, id := range res.Destroyed {
			if err := e.emails.MarkDeleted(ctx, id); err != nil {
				return "", err
			}
		}

		if _, err := e.cursors.Advance(ctx, accountID, res.NextState, written, domain.SyncStatusSyncing); err != nil {
			return "", err
		}

		if res.NextState == state {
			break
		}
		state = res.NextState

		if len(res.IDs) == 0 && len(res.Destroyed) == 0 {
			break
		}
	}
	return state, nil
}

// pullAndStore resolves ids to full records and upserts them. Individual
// integrity failures are logged and skipped; they never abort the batch.
func (e *Engine) pullAndStore(ctx context.Context, session *out.Session, ids []string, seenThreads map[string]struct{}) (int, error) {
	written := 0
	for start := 0; start < len(ids); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		emails, err := e.mail.GetEmails(ctx, session, ids[start:end])
		if err != nil {
			return written, err
		}

		result, err := e.emails.UpsertBatch(ctx, emails)
		if err != nil {
			return written, err
		}
		for _, failure := range result.Failed {
			e.log.WithError(failure.Err).Error("email %s failed to store, skipped", failure.RemoteID)
		}
		for _, email := range result.Written {
			if email.ThreadID != "" {
				seenThreads[email.ThreadID] = struct{}{}
			}
		}
		written += len(result.Written)
	}
	return written, nil
}

// syncThreads reconciles conversation groupings: threads seen in this tick's
// emails plus whatever the provider reports changed since the thread state.
func (e *Engine) syncThreads(ctx context.Context, session *out.Session, accountID string, seenThreads map[string]struct{}) error {
	cursor, err := e.cursors.Get(ctx, accountID)
	if err != nil {
		return err
	}

	res, err := e.mail.QueryThreads(ctx, session, &out.ThreadQueryOptions{
		SinceState: cursor.ThreadSyncToken,
		Limit:      e.cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, id := range res.IDs {
		seenThreads[id] = struct{}{}
	}

	if len(seenThreads) > 0 {
		ids := make([]string, 0, len(seenThreads))
		for id := range seenThreads {
			ids = append(ids, id)
		}
		for start := 0; start < len(ids); start += e.cfg.BatchSize {
			end := start + e.cfg.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			threads, err := e.mail.GetThreads(ctx, session, ids[start:end])
			if err != nil {
				return err
			}
			if _, err := e.threads.UpsertBatch(ctx, threads); err != nil {
				return err
			}
		}
	}

	if res.NextState != "" && res.NextState != cursor.ThreadSyncToken {
		return e.cursors.AdvanceThreadState(ctx, accountID, res.NextState)
	}
	return nil
}

// SyncOne fetches a single email by its remote id and upserts it. Used by
// the change listener; safe to run alongside a tick.
func (e *Engine) SyncOne(ctx context.Context, accountID, remoteID string) error {
	session, err := e.openSession(ctx, accountID)
	if err != nil {
		return err
	}
	email, err := e.mail.GetEmail(ctx, session, remoteID)
	if err != nil {
		return err
	}
	_, err = e.emails.Upsert(ctx, email)
	if err != nil {
		return err
	}
	e.log.WithAccount(accountID).Info("email %s synced on demand", remoteID)
	return nil
}

// MarkDeleted soft-deletes an archived email.
func (e *Engine) MarkDeleted(ctx context.Context, remoteID string) error {
	return e.emails.MarkDeleted(ctx, remoteID)
}

// Reset rewinds the account's cursor. An empty cursor means from scratch:
// the next tick backfills. A non-empty cursor pins a known-good provider
// state so the next tick resumes incrementally from it.
func (e *Engine) Reset(ctx context.Context, accountID, cursor string) (*domain.SyncCursor, error) {
	return e.cursors.Reset(ctx, accountID, cursor)
}

// Status reports every account cursor.
func (e *Engine) Status(ctx context.Context) ([]*domain.SyncCursor, error) {
	return e.cursors.List(ctx)
}

// InFlight reports whether this process is currently ticking the account.
func (e *Engine) InFlight(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[accountID]
}

// acquire takes the per-account tick lock: a process-local flag, fenced
// across processes through redis when configured. A redis outage degrades to
// local locking rather than blocking sync.
func (e *Engine) acquire(ctx context.Context, accountID string) bool {
	e.mu.Lock()
	if e.running[accountID] {
		e.mu.Unlock()
		return false
	}
	e.running[accountID] = true
	e.mu.Unlock()

	if e.rdb != nil {
		ok, err := e.rdb.SetNX(ctx, lockKey(accountID), "1", lockTTL).Result()
		if err != nil {
			e.log.WithError(err).Warn("redis lock unavailable, proceeding with local lock")
			return true
		}
		if !ok {
			e.mu.Lock()
			delete(e.running, accountID)
			e.mu.Unlock()
			return false
		}
	}
	return true
}

func (e *Engine) release(accountID string) {
	if e.rdb != nil {
		// Detached context: the tick's context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.rdb.Del(releaseCtx, lockKey(accountID)).Err(); err != nil {
			e.log.WithError(err).Warn("failed to release redis lock, TTL will expire it")
		}
	}
	e.mu.Lock()
	delete(e.running, accountID)
	e.mu.Unlock()
}

func lockKey(accountID string) string {
	return "sync:lock:" + accountID
}

// setStatusDetached writes a status outside the tick's context, which may
// already be cancelled.
func (e *Engine) setStatusDetached(accountID string, status domain.SyncStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.cursors.SetStatus(ctx, accountID, status); err != nil {
		e.log.WithAccount(accountID).WithError(err).Error("failed to record sync status")
	}
}

func (e *Engine) recordErrorDetached(accountID string, tickErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := fmt.Sprintf("%v", tickErr)
	if err := e.cursors.RecordError(ctx, accountID, msg); err != nil {
		e.log.WithAccount(accountID).WithError(err).Error("failed to record sync error")
	}
}

func isCannotCalculateChanges(err error) bool {
	var se *domain.SyncError
	return errors.As(err, &se) && se.Code == "cannotCalculateChanges"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
