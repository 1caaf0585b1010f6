// Package cli implements the ledgerlift subcommands.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ledgerlift/ledgerlift-core/internal/config"
	"github.com/ledgerlift/ledgerlift-core/internal/logging"
	"github.com/ledgerlift/ledgerlift-core/internal/retrypolicy"
)

// app bundles the pieces every subcommand needs.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	policy *retrypolicy.Policy
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.Setup(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSize,
	})
	if err != nil {
		return nil, err
	}

	policy := retrypolicy.New(map[retrypolicy.Class]retrypolicy.Params{
		retrypolicy.ClassNetwork: {
			MaxAttempts: cfg.NetworkRetries,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		},
		retrypolicy.ClassRateLimit: {
			MaxAttempts: cfg.RateRetries,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		},
		retrypolicy.ClassLockConflict: {
			MaxAttempts: 5,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		},
	})

	return &app{cfg: cfg, log: log, policy: policy}, nil
}

// warehousePool opens the bounded warehouse session pool.
func (a *app) warehousePool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.cfg.WarehouseDSN == "" {
		return nil, fmt.Errorf("warehouse DSN is not configured (LEDGERLIFT_WAREHOUSE_DSN)")
	}
	poolCfg, err := pgxpool.ParseConfig(a.cfg.WarehouseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(a.cfg.WarehouseSessions)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}
	return pool, nil
}

func (a *app) component(name string) *logrus.Entry {
	return logging.Component(a.log, name)
}

// parseDay parses a YYYY-MM-DD argument as a UTC midnight instant.
func parseDay(flag, v string) (time.Time, error) {
	ts, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD, got %q", flag, v)
	}
	return ts.UTC(), nil
}
