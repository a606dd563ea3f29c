// Package token implements credential lifecycle: encrypted storage, expiry
// tracking and proactive refresh.
package token

import (
	"context"
	"errors"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/logger"
)

// Service owns the per-account credential. All reads go through EnsureFresh
// so callers never see an expired token without a refresh having been tried.
type Service struct {
	repo      out.TokenRepository
	refresher out.TokenRefresher

	// staticToken bypasses the store entirely when the provider is used
	// with a long-lived API token instead of OAuth.
	staticToken string

	now func() time.Time
	log *logger.Logger
}

func NewService(repo out.TokenRepository, refresher out.TokenRefresher, staticToken string) *Service {
	return &Service{
		repo:        repo,
		refresher:   refresher,
		staticToken: staticToken,
		now:         time.Now,
		log:         logger.WithField("component", "token_service"),
	}
}

// Put stores a credential for the account.
func (s *Service) Put(ctx context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error) {
	return s.repo.Put(ctx, token)
}

// Get returns the stored credential without refreshing, or (nil, nil) when
// none exists.
func (s *Service) Get(ctx context.Context, accountID string) (*domain.OAuthToken, error) {
	return s.repo.Get(ctx, accountID)
}

// Delete removes the stored credential.
func (s *Service) Delete(ctx context.Context, accountID string) error {
	return s.repo.Delete(ctx, accountID)
}

// EnsureFresh returns an access token usable right now. A token inside the
// refresh window is exchanged first; if the exchange fails but the stored
// token has not expired yet, the stored one is returned and the failure is
// only logged. The stored row is never clobbered by a failed refresh.
func (s *Service) EnsureFresh(ctx context.Context, accountID string) (string, error) {
	const op = "token.ensure_fresh"

	if s.staticToken != "" {
		return s.staticToken, nil
	}

	stored, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", domain.E(domain.KindAuth, op, errors.New("no credential stored for account"))
	}

	now := s.now()
	if !stored.NeedsRefresh(now) {
		return stored.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, stored)
	if err != nil {
		if stored.ExpiresAt.After(now) {
			s.log.WithAccount(accountID).WithError(err).Warn("token refresh failed, stored token still valid")
			return stored.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh discards the cached access token and performs the exchange
// unconditionally. The session layer calls this once after a 401.
func (s *Service) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	const op = "token.force_refresh"

	if s.staticToken != "" {
		// Nothing to rotate; the static token is the credential.
		return "", domain.E(domain.KindAuth, op, errors.New("static token rejected by provider"))
	}

	stored, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", domain.E(domain.KindAuth, op, errors.New("no credential stored for account"))
	}

	refreshed, err := s.refresh(ctx, stored)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh exchanges and persists. On exchange failure the stored row stays
// untouched.
func (s *Service) refresh(ctx context.Context, stored *domain.OAuthToken) (*domain.OAuthToken, error) {
	const op = "token.refresh"

	if s.refresher == nil {
		return nil, domain.E(domain.KindConfig, op, errors.New("oauth refresh not configured"))
	}
	if !stored.HasRefreshToken() {
		return nil, domain.E(domain.KindAuth, op, errors.New("credential has no refresh token"))
	}

	refreshed, err := s.refresher.Refresh(ctx, stored)
	if err != nil {
		return nil, err
	}

	persisted, err := s.repo.Put(ctx, refreshed)
	if err != nil {
		return nil, err
	}
	s.log.WithAccount(stored.AccountID).Info("access token refreshed, expires %s", persisted.ExpiresAt.Format(time.RFC3339))
	return persisted, nil
}
