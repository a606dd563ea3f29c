package domain

import (
	"time"
)

// RefreshWindow is how close to expiry a token is considered stale.
const RefreshWindow = 5 * time.Minute

// OAuthToken is the per-account credential. Access and refresh tokens are
// plaintext in memory only; the store encrypts before persistence.
type OAuthToken struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the token expires within the refresh window.
func (t *OAuthToken) NeedsRefresh(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(RefreshWindow))
}

// HasRefreshToken reports whether a refresh exchange is possible.
func (t *OAuthToken) HasRefreshToken() bool {
	return t.RefreshToken != ""
}
