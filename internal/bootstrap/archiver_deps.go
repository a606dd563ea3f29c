// Package bootstrap wires configuration, infrastructure and services.
package bootstrap

import (
	"fmt"

	inhttp "archive_server/adapter/in/http"
	"archive_server/adapter/out/jmap"
	"archive_server/adapter/out/oauth"
	"archive_server/adapter/out/persistence"
	"archive_server/config"
	"archive_server/core/port/out"
	syncsvc "archive_server/core/service/sync"
	tokensvc "archive_server/core/service/token"
	"archive_server/infra/database"
	"archive_server/pkg/crypto"
	"archive_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Dependencies is the wired object graph shared by the API and the engine.
type Dependencies struct {
	Config *config.Config

	Pool  *pgxpool.Pool
	DB    *sqlx.DB
	Redis *redis.Client

	Encryptor *crypto.Encryptor

	MailClient out.MailClient
	Emails     out.EmailRepository
	Mailboxes  out.MailboxRepository
	Threads    out.ThreadRepository
	Cursors    out.CursorRepository
	Tokens     out.TokenRepository
	Integrity  out.IntegrityRepository

	TokenService *tokensvc.Service
	Engine       *syncsvc.Engine

	WebhookHandler *inhttp.WebhookHandler
	SyncHandler    *inhttp.SyncHandler
	ArchiveHandler *inhttp.ArchiveHandler
	HealthHandler  *inhttp.HealthHandler
}

// Build constructs the full graph. Postgres is mandatory; Redis degrades to
// nil with a warning.
func Build(cfg *config.Config) (*Dependencies, error) {
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	db, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, sync locks and webhook idempotency degrade")
			rdb = nil
		}
	}

	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	deps := &Dependencies{
		Config:    cfg,
		Pool:      pool,
		DB:        db,
		Redis:     rdb,
		Encryptor: encryptor,

		MailClient: jmap.NewClient(cfg.SessionURL),
		Emails:     persistence.NewEmailAdapter(db),
		Mailboxes:  persistence.NewMailboxAdapter(db),
		Threads:    persistence.NewThreadAdapter(db),
		Cursors:    persistence.NewCursorAdapter(db),
		Integrity:  persistence.NewIntegrityAdapter(db),
	}
	deps.Tokens = persistence.NewTokenAdapter(db, encryptor)

	var refresher out.TokenRefresher
	if cfg.HasOAuthRefresh() {
		refresher = oauth.NewRefresher(cfg)
	}
	deps.TokenService = tokensvc.NewService(deps.Tokens, refresher, cfg.StaticAPIToken)

	deps.Engine = syncsvc.NewEngine(
		cfg,
		deps.MailClient,
		deps.TokenService,
		deps.Emails,
		deps.Mailboxes,
		deps.Threads,
		deps.Cursors,
		rdb,
	)

	deps.WebhookHandler = inhttp.NewWebhookHandler(deps.Engine, rdb, cfg.WebhookSecret, cfg.SyncAccountID)
	deps.SyncHandler = inhttp.NewSyncHandler(deps.Engine, cfg.SyncAccountID)
	deps.ArchiveHandler = inhttp.NewArchiveHandler(deps.Emails, deps.Mailboxes, deps.Threads, deps.Integrity)
	deps.HealthHandler = inhttp.NewHealthHandler(pool, db, rdb, deps.Integrity)

	return deps, nil
}

// Close releases infrastructure handles.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.WithError(err).Warn("closing redis")
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			logger.WithError(err).Warn("closing database")
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
