// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/diagnostics"
	"github.com/xkilldash9x/panelbot/internal/selector"
	"github.com/xkilldash9x/panelbot/internal/store"
)

// InitializeStore connects the audit store. With no database URL configured
// it returns a recorder that drops everything and a nil store.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.RunRecorder, *store.Store, func(), error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; provisioning runs will not be audited.")
		return schemas.NopRecorder{}, nil, func() {}, nil
	}

	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx, cfg.URL, logger); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to migrate audit database: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		logger.Debug("Closing audit database pool.")
		pool.Close()
	}
	return s, s, cleanup, nil
}

// InitializeResolver builds the selector resolver from the default table
// plus configured overrides.
func InitializeResolver(cfg config.SelectorsConfig, logger *zap.Logger) (*selector.Resolver, error) {
	table, err := selector.DefaultTable().WithOverrides(cfg.Overrides)
	if err != nil {
		return nil, err
	}
	return selector.NewResolver(table, cfg.ProbeTimeout, logger), nil
}

// InitializeDiagnostics returns the screenshot capturer, or nil when
// diagnostics are disabled. Old screenshots are pruned on the way.
func InitializeDiagnostics(cfg config.DiagnosticsConfig, fs afero.Fs, logger *zap.Logger) *diagnostics.Capturer {
	if !cfg.Enabled {
		return nil
	}
	c := diagnostics.NewCapturer(fs, cfg.Dir, logger)
	if cfg.Retention > 0 {
		if n, err := c.Prune(cfg.Retention); err != nil {
			logger.Warn("Could not prune old screenshots", zap.Error(err))
		} else if n > 0 {
			logger.Info("Pruned old screenshots", zap.Int("removed", n))
		}
	}
	return c
}
