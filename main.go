package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archive_server/config"
	"archive_server/internal/bootstrap"
	"archive_server/pkg/logger"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "archive_server",
	})

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, engine, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("configuration invalid")
		return 1
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "archive_server",
	})

	deps, err := bootstrap.Build(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize dependencies")
		return 2
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "api":
		return runAPI(ctx, deps)
	case "engine":
		return runEngine(ctx, deps)
	case "all":
		engineDone := make(chan struct{})
		go func() {
			defer close(engineDone)
			runEngine(ctx, deps)
		}()
		code := runAPI(ctx, deps)
		<-engineDone
		return code
	default:
		logger.Error("unknown mode: %s", *mode)
		return 1
	}
}

func runAPI(ctx context.Context, deps *bootstrap.Dependencies) int {
	app := bootstrap.NewAPI(deps)
	addr := ":" + deps.Config.Port

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()
	logger.Info("API listening on %s", addr)

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("API server failed")
			return 2
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutting down API (timeout %s)", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("API shutdown did not complete cleanly")
		}
		return 0
	}
}

func runEngine(ctx context.Context, deps *bootstrap.Dependencies) int {
	runner := bootstrap.NewEngineRunner(deps)
	runner.Run(ctx)
	return 0
}
