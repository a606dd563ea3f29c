// Package oauth implements the refresh-token exchange against the provider's
// authorization server.
package oauth

import (
	"context"
	"errors"
	"time"

	"archive_server/config"
	"archive_server/core/domain"
	"archive_server/core/port/out"

	"golang.org/x/oauth2"
)

// Refresher exchanges refresh tokens for fresh access tokens. It never
// persists anything; the token service owns storage.
type Refresher struct {
	conf *oauth2.Config
}

func NewRefresher(cfg *config.Config) *Refresher {
	return &Refresher{
		conf: &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.OAuthTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Refresh performs one refresh-token exchange. A 4xx from the authorization
// server means the credential is dead; anything else is transient.
func (r *Refresher) Refresh(ctx context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error) {
	const op = "oauth.refresh"

	if !token.HasRefreshToken() {
		return nil, domain.E(domain.KindAuth, op, errors.New("no refresh token on record"))
	}

	src := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
				return nil, domain.EC(domain.KindAuth, op, retrieveErr.ErrorCode, err)
			}
			return nil, domain.E(domain.KindNetwork, op, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, domain.E(domain.KindCancelled, op, err)
		}
		return nil, domain.E(domain.KindNetwork, op, err)
	}

	refreshed := &domain.OAuthToken{
		AccountID:    token.AccountID,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		TokenType:    fresh.TokenType,
		ExpiresAt:    fresh.Expiry,
		Scope:        token.Scope,
	}
	// Some servers rotate the refresh token, some omit it. Keep the old one
	// when the response has none.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	if refreshed.ExpiresAt.IsZero() {
		refreshed.ExpiresAt = time.Now().Add(time.Hour)
	}
	return refreshed, nil
}

var _ out.TokenRefresher = (*Refresher)(nil)
