package bootstrap

import (
	"context"
	"os"
	"time"

	"archive_server/core/domain"
	"archive_server/core/port/out"
	syncsvc "archive_server/core/service/sync"

	"github.com/rs/zerolog"
)

const healthReportInterval = time.Hour

// EngineRunner drives the sync scheduler and periodically reports archive
// health. It owns the engine lifecycle in engine and all modes.
type EngineRunner struct {
	engine    *syncsvc.Engine
	integrity out.IntegrityRepository
	accountID string
	log       zerolog.Logger
}

func NewEngineRunner(deps *Dependencies) *EngineRunner {
	zlog := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("component", "engine_runner").
		Logger()

	return &EngineRunner{
		engine:    deps.Engine,
		integrity: deps.Integrity,
		accountID: deps.Config.SyncAccountID,
		log:       zlog,
	}
}

// Run blocks until ctx is cancelled. The scheduler and the health reporter
// share the context so both stop together.
func (r *EngineRunner) Run(ctx context.Context) {
	r.log.Info().Str("account_id", r.accountID).Msg("engine starting")

	go r.reportHealth(ctx)
	r.engine.Run(ctx)

	r.log.Info().Msg("engine stopped")
}

func (r *EngineRunner) reportHealth(ctx context.Context) {
	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			report, err := r.integrity.Health(reportCtx)
			cancel()
			if err != nil {
				r.log.Warn().Err(err).Msg("health report failed")
				continue
			}
			event := r.log.Info()
			if report.Status != domain.HealthHealthy {
				event = r.log.Warn()
			}
			event.
				Str("status", string(report.Status)).
				Int("accounts", report.Accounts).
				Int("error_accounts", report.ErrorAccounts).
				Int("stalled", report.Stalled).
				Int64("total_emails", report.TotalEmails).
				Msg("archive health")
		}
	}
}
