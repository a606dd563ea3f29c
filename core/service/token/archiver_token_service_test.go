package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"archive_server/core/domain"
	"archive_server/pkg/logger"
)

type fakeTokenRepo struct {
	stored *domain.OAuthToken
	puts   int
	putErr error
}

func (f *fakeTokenRepo) Put(_ context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts++
	copied := *token
	f.stored = &copied
	return &copied, nil
}

func (f *fakeTokenRepo) Get(_ context.Context, _ string) (*domain.OAuthToken, error) {
	if f.stored == nil {
		return nil, nil
	}
	copied := *f.stored
	return &copied, nil
}

func (f *fakeTokenRepo) Delete(_ context.Context, _ string) error {
	f.stored = nil
	return nil
}

type fakeRefresher struct {
	calls int
	err   error
	next  *domain.OAuthToken
}

func (f *fakeRefresher) Refresh(_ context.Context, _ *domain.OAuthToken) (*domain.OAuthToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.next
	return &copied, nil
}

func newTestService(repo *fakeTokenRepo, refresher *fakeRefresher, static string) *Service {
	s := NewService(repo, refresher, static)
	s.log = logger.New(logger.Config{Level: logger.LevelFatal})
	return s
}

var base = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func tokenExpiring(at time.Time) *domain.OAuthToken {
	return &domain.OAuthToken{
		AccountID:    "acc-1",
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    at,
	}
}

func TestEnsureFresh_StaticToken(t *testing.T) {
	svc := newTestService(&fakeTokenRepo{}, nil, "static-tok")
	got, err := svc.EnsureFresh(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if got != "static-tok" {
		t.Errorf("token = %q, want static-tok", got)
	}
}

func TestEnsureFresh_ValidTokenNotRefreshed(t *testing.T) {
	repo := &fakeTokenRepo{stored: tokenExpiring(base.Add(2 * time.Hour))}
	refresher := &fakeRefresher{}
	svc := newTestService(repo, refresher, "")
	svc.now = func() time.Time { return base }

	got, err := svc.EnsureFresh(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if got != "old-access" {
		t.Errorf("token = %q, want old-access", got)
	}
	if refresher.calls != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls)
	}
}

func TestEnsureFresh_InsideWindowRefreshes(t *testing.T) {
	repo := &fakeTokenRepo{stored: tokenExpiring(base.Add(2 * time.Minute))}
	refresher := &fakeRefresher{next: &domain.OAuthToken{
		AccountID:   "acc-1",
		AccessToken: "new-access",
		ExpiresAt:   base.Add(time.Hour),
	}}
	svc := newTestService(repo, refresher, "")
	svc.now = func() time.Time { return base }

	got, err := svc.EnsureFresh(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if got != "new-access" {
		t.Errorf("token = %q, want new-access", got)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
	if repo.stored.AccessToken != "new-access" {
		t.Error("refreshed token was not persisted")
	}
}

func TestEnsureFresh_RefreshFailsButTokenStillValid(t *testing.T) {
	repo := &fakeTokenRepo{stored: tokenExpiring(base.Add(2 * time.Minute))}
	refresher := &fakeRefresher{err: domain.E(domain.KindNetwork, "oauth.refresh", errors.New("timeout"))}
	svc := newTestService(repo, refresher, "")
	svc.now = func() time.Time { return base }

	got, err := svc.EnsureFresh(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v, want stored token fallback", err)
	}
	if got != "old-access" {
		t.Errorf("token = %q, want old-access", got)
	}
	if repo.stored.AccessToken != "old-access" {
		t.Error("failed refresh must not clobber the stored row")
	}
}

func TestEnsureFresh_RefreshFailsAndExpired(t *testing.T) {
	repo := &fakeTokenRepo{stored: tokenExpiring(base.Add(-time.Minute))}
	refresher := &fakeRefresher{err: domain.E(domain.KindAuth, "oauth.refresh", errors.New("invalid_grant"))}
	svc := newTestService(repo, refresher, "")
	svc.now = func() time.Time { return base }

	_, err := svc.EnsureFresh(context.Background(), "acc-1")
	if err == nil {
		t.Fatal("expected an error for expired token with failed refresh")
	}
	if !domain.IsKind(err, domain.KindAuth) {
		t.Errorf("kind = %v, want auth", domain.KindOf(err))
	}
}

func TestEnsureFresh_NoCredential(t *testing.T) {
	svc := newTestService(&fakeTokenRepo{}, &fakeRefresher{}, "")
	_, err := svc.EnsureFresh(context.Background(), "acc-1")
	if !domain.IsKind(err, domain.KindAuth) {
		t.Errorf("kind = %v, want auth", domain.KindOf(err))
	}
}

func TestForceRefresh(t *testing.T) {
	repo := &fakeTokenRepo{stored: tokenExpiring(base.Add(2 * time.Hour))}
	refresher := &fakeRefresher{next: &domain.OAuthToken{
		AccountID:   "acc-1",
		AccessToken: "rotated",
		ExpiresAt:   base.Add(time.Hour),
	}}
	svc := newTestService(repo, refresher, "")
	svc.now = func() time.Time { return base }

	got, err := svc.ForceRefresh(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if got != "rotated" {
		t.Errorf("token = %q, want rotated", got)
	}
	if refresher.calls != 1 {
		t.Errorf("refresher called %d times, want 1", refresher.calls)
	}
}

func TestForceRefresh_StaticTokenIsAuthFailure(t *testing.T) {
	svc := newTestService(&fakeTokenRepo{}, nil, "static-tok")
	_, err := svc.ForceRefresh(context.Background(), "acc-1")
	if !domain.IsKind(err, domain.KindAuth) {
		t.Errorf("kind = %v, want auth", domain.KindOf(err))
	}
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	repo := &fakeTokenRepo{stored: &domain.OAuthToken{
		AccountID:   "acc-1",
		AccessToken: "old-access",
		ExpiresAt:   base.Add(-time.Minute),
	}}
	svc := newTestService(repo, &fakeRefresher{}, "")
	svc.now = func() time.Time { return base }

	_, err := svc.EnsureFresh(context.Background(), "acc-1")
	if !domain.IsKind(err, domain.KindAuth) {
		t.Errorf("kind = %v, want auth", domain.KindOf(err))
	}
}
