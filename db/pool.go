package db

import (
	"context"
	"fmt"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens and pings a pgx pool for the configured database.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	log := logger.GetLogger()

	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infow("Connected to database",
		"host", cfg.Host,
		"name", cfg.Name,
		"url", logger.MaskConnectionString(cfg.URL()),
		"maxConns", poolCfg.MaxConns)
	return pool, nil
}
