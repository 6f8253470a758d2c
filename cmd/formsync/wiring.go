package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/idempotency"
	"github.com/pitabwire/formsync/internal/journal"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/internal/openapi"
)

// buildClient creates the Open Forms API client, loading the OpenAPI schema
// when one is configured. The returned index is nil without a schema.
func buildClient(cfg config.APIConfig, logger *zap.Logger, metrics *observability.Metrics) (*client.Client, *openapi.Index, error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(metrics),
	}

	var idx *openapi.Index
	if cfg.SchemaFile != "" {
		idx = openapi.NewIndex()
		if err := idx.Load(cfg.SchemaFile); err != nil {
			return nil, nil, fmt.Errorf("openapi schema: %w", err)
		}
		metrics.SetOpenAPIOperationsIndexed(len(idx.AllOperationIDs()))
		opts = append(opts, client.WithSchema(idx, cfg.StrictValidation))
		logger.Info("openapi schema loaded",
			zap.String("file", cfg.SchemaFile),
			zap.Int("operations", len(idx.AllOperationIDs())),
			zap.Bool("strict", cfg.StrictValidation),
		)
	}

	if cfg.TokenEnv != "" {
		token := os.Getenv(cfg.TokenEnv)
		if token == "" {
			return nil, nil, fmt.Errorf("api: %s environment variable not set", cfg.TokenEnv)
		}
		opts = append(opts, client.WithAPIToken(token))
	}

	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, idx, nil
}

// buildJournalStore creates the journal store based on config.
// Returns nil store and closer if the journal is disabled.
func buildJournalStore(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (journal.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory save journal")
		return journal.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("journal store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("journal store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("journal store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("journal store: ping: %w", err)
		}

		store := journal.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using postgres save journal")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported journal store driver: %q", cfg.Store.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nil store and closer if idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}

		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(rdb), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// backendCheck reports the Open Forms API as unavailable while the client
// circuit breaker is open.
func backendCheck(c *client.Client) observability.HealthChecker {
	return observability.HealthCheckFunc(func(context.Context) error {
		if c.Breaker().State() == client.BreakerOpen {
			return errors.New("circuit breaker open")
		}
		return nil
	})
}

// schemaCheck reports whether the configured OpenAPI schema indexed any
// operation.
func schemaCheck(idx *openapi.Index) observability.HealthChecker {
	if idx == nil {
		return nil
	}
	return observability.HealthCheckFunc(func(context.Context) error {
		if len(idx.AllOperationIDs()) == 0 {
			return errors.New("no operations indexed")
		}
		return nil
	})
}

func saverOptions(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) []formsave.Option {
	return []formsave.Option{
		formsave.WithConfig(cfg.Save),
		formsave.WithLogger(logger),
		formsave.WithMetrics(metrics),
	}
}
