package out

import (
	"context"

	"archive_server/core/domain"
)

// TokenRepository stores OAuth credentials. Implementations encrypt token
// material before persistence and return decrypted rows; Get returns
// (nil, nil) when no row exists.
type TokenRepository interface {
	Put(ctx context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error)
	Get(ctx context.Context, accountID string) (*domain.OAuthToken, error)
	Delete(ctx context.Context, accountID string) error
}

// TokenRefresher exchanges a refresh token with the authorization server for
// a fresh access token. It does not persist anything.
type TokenRefresher interface {
	Refresh(ctx context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error)
}
