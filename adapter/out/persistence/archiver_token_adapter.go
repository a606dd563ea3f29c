package persistence

import (
	"context"
	"database/sql"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"
	"archive_server/pkg/crypto"

	"github.com/jmoiron/sqlx"
)

// TokenAdapter stores OAuth credentials. Token material is encrypted before
// it touches the database and decrypted on the way out; plaintext never hits
// a row or a log line.
type TokenAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
}

func NewTokenAdapter(db *sqlx.DB, enc *crypto.Encryptor) *TokenAdapter {
	return &TokenAdapter{db: db, enc: enc}
}

type tokenEntity struct {
	ID           int64          `db:"id"`
	AccountID    string         `db:"account_id"`
	AccessToken  string         `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenType    sql.NullString `db:"token_type"`
	ExpiresAt    sql.NullTime   `db:"expires_at"`
	Scope        sql.NullString `db:"scope"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (e *tokenEntity) toDomain() *domain.OAuthToken {
	token := &domain.OAuthToken{
		ID:           e.ID,
		AccountID:    e.AccountID,
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken.String,
		TokenType:    e.TokenType.String,
		Scope:        e.Scope.String,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.ExpiresAt.Valid {
		token.ExpiresAt = e.ExpiresAt.Time
	}
	return token
}

const tokenUpsertQuery = `
	INSERT INTO oauth_tokens (account_id, access_token, refresh_token, token_type, expires_at, scope)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (account_id) DO UPDATE SET
		access_token = EXCLUDED.access_token,
		refresh_token = COALESCE(EXCLUDED.refresh_token, oauth_tokens.refresh_token),
		token_type = EXCLUDED.token_type,
		expires_at = EXCLUDED.expires_at,
		scope = EXCLUDED.scope,
		updated_at = NOW()
	RETURNING id, created_at, updated_at
`

// Put writes the credential. A refresh response without a refresh token keeps
// the previously stored one.
func (a *TokenAdapter) Put(ctx context.Context, token *domain.OAuthToken) (*domain.OAuthToken, error) {
	const op = "store.tokens.put"

	encAccess, err := a.enc.Encrypt(token.AccessToken)
	if err != nil {
		return nil, domain.E(domain.KindConfig, op, err)
	}
	var encRefresh interface{}
	if token.RefreshToken != "" {
		enc, err := a.enc.Encrypt(token.RefreshToken)
		if err != nil {
			return nil, domain.E(domain.KindConfig, op, err)
		}
		encRefresh = enc
	}

	var expiresAt interface{}
	if !token.ExpiresAt.IsZero() {
		expiresAt = token.ExpiresAt
	}

	stored := *token
	err = a.db.QueryRowxContext(ctx, tokenUpsertQuery,
		token.AccountID,
		encAccess,
		encRefresh,
		toNullableString(token.TokenType),
		expiresAt,
		toNullableString(token.Scope),
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &stored, nil
}

// Get returns the decrypted credential, or (nil, nil) when no row exists.
func (a *TokenAdapter) Get(ctx context.Context, accountID string) (*domain.OAuthToken, error) {
	const op = "store.tokens.get"

	var entity tokenEntity
	query := `SELECT * FROM oauth_tokens WHERE account_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr(op, err)
	}

	return a.decryptToken(op, entity.toDomain())
}

func (a *TokenAdapter) decryptToken(op string, token *domain.OAuthToken) (*domain.OAuthToken, error) {
	access, err := a.enc.Decrypt(token.AccessToken)
	if err != nil {
		return nil, domain.EC(domain.KindConfig, op, "decrypt", err)
	}
	token.AccessToken = access

	if token.RefreshToken != "" {
		refresh, err := a.enc.Decrypt(token.RefreshToken)
		if err != nil {
			return nil, domain.EC(domain.KindConfig, op, "decrypt", err)
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

func (a *TokenAdapter) Delete(ctx context.Context, accountID string) error {
	const op = "store.tokens.delete"

	_, err := a.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account_id = $1`, accountID)
	return storeErr(op, err)
}

var _ out.TokenRepository = (*TokenAdapter)(nil)
