package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/journal"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/internal/transport"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the save service",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
			}
			if code := serve(ctx, cfg); code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func serve(parent context.Context, cfg *config.Config) int {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "formsync", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open Forms API client and optional schema.
	apiClient, schema, err := buildClient(cfg.API, logger, metrics)
	if err != nil {
		logger.Error("api client initialization failed", zap.Error(err))
		return 1
	}

	// Step 3: Caller authentication.
	authenticate, err := transport.JWTAuthenticator(cfg.Identity, []byte(os.Getenv(cfg.Identity.SecretEnv)))
	if err != nil {
		logger.Error("authentication initialization failed",
			zap.String("secret_env", cfg.Identity.SecretEnv),
			zap.Error(err),
		)
		return 1
	}

	// Step 4: Save journal (optional).
	journalStore, journalCloser, err := buildJournalStore(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("journal store initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		if journalCloser != nil {
			journalCloser()
		}
		return 1
	}

	// Step 6: Save pipeline.
	saverOpts := saverOptions(cfg, logger, metrics)
	if journalStore != nil {
		saverOpts = append(saverOpts, formsave.WithObserver(journal.NewRecorder(journalStore, logger, metrics)))
	}
	saver := formsave.New(apiClient, saverOpts...)

	// Step 7: HTTP router.
	readiness := observability.ReadinessChecks{
		Backend: backendCheck(apiClient),
		Schema:  schemaCheck(schema),
	}
	if journalStore != nil {
		readiness.JournalStore = journalStore
	}
	if idemStore != nil {
		readiness.IdempotencyStore = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: authenticate,
		Saves:        transport.NewSaveHandler(saver, idemStore, cfg.Idempotency.Store.DefaultTTL, metrics, logger),
		Journal:      journalStore,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if journalStore != nil {
		go journal.RunPruner(bgCtx, journalStore, cfg.Journal.Store.Retention, time.Hour, logger)
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("api", cfg.API.BaseURL),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight saves.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if journalCloser != nil {
		journalCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}
