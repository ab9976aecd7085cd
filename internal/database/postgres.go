package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"imagestudio/internal/config"
)

const (
	connectAttempts = 3
	connectBackoff  = 2 * time.Second
)

// PoolConfig translates the postgres section into pgxpool settings.
func PoolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpen > 0 {
		pc.MaxConns = int32(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 && int32(cfg.MaxIdle) <= pc.MaxConns {
		pc.MinConns = int32(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.HealthCheckPeriod = 30 * time.Second
	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = "imagestudio"
	}
	return pc, nil
}

// NewPostgresPool opens the pool backing the postgres lineage store. The database often
// comes up after the service in compose setups, so the first ping is retried a few times.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		if attempt == connectAttempts {
			break
		}
		select {
		case <-time.After(connectBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping after %d attempts: %w", connectAttempts, err)
}
