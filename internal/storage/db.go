// Package storage is the Postgres persistence layer: position/account
// rows, the config tables the Config Store reads, and the append-only
// optimization history. Adapted from the teacher's internal/database
// package — same pgxpool sizing, same raw-SQL-migration-slice startup
// sequence, narrowed to this domain's tables.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"perpfutures-engine/internal/config"
)

// DB wraps a pgxpool.Pool with the engine's migration and health-check
// conventions.
type DB struct {
	Pool *pgxpool.Pool
}

// New connects to Postgres and verifies connectivity, matching the
// teacher's NewDB.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns == 0 {
		maxConns = 10
	}
	minConns := cfg.MinConns
	if minConns == 0 {
		minConns = 2
	}
	maxLifetime := cfg.MaxConnLifetime
	if maxLifetime == 0 {
		maxLifetime = time.Hour
	}
	maxIdle := cfg.MaxConnIdleTime
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	poolCfg.MaxConnLifetime = maxLifetime
	poolCfg.MaxConnIdleTime = maxIdle
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// HealthCheck pings the database with a 3-second timeout. Nothing in the
// engine calls it.
func (db *DB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.Pool.Ping(pingCtx)
}

// migrations is executed in order at startup. Each statement is wrapped
// with its index on failure so a bad migration is easy to locate, the
// same convention as the teacher's RunMigrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance NUMERIC(24,8) NOT NULL DEFAULT 0,
		frozen_margin NUMERIC(24,8) NOT NULL DEFAULT 0,
		realized_pnl_cum NUMERIC(24,8) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		signal_version BIGINT NOT NULL DEFAULT 0,
		entry_score INT NOT NULL DEFAULT 0,
		components_json JSONB,
		batch_plan_json JSONB,
		batch_filled_json JSONB,
		entry_price NUMERIC(24,8),
		avg_entry_price NUMERIC(24,8),
		quantity NUMERIC(24,8) NOT NULL DEFAULT 0,
		margin NUMERIC(24,8) NOT NULL DEFAULT 0,
		leverage INT NOT NULL DEFAULT 1,
		stop_loss_price NUMERIC(24,8),
		take_profit_price NUMERIC(24,8),
		entry_signal_time TIMESTAMPTZ,
		planned_close_time TIMESTAMPTZ,
		extended_once BOOLEAN NOT NULL DEFAULT false,
		open_time TIMESTAMPTZ,
		close_time TIMESTAMPTZ,
		close_price NUMERIC(24,8),
		close_reason TEXT,
		realized_pnl NUMERIC(24,8) NOT NULL DEFAULT 0,
		unrealized_pnl NUMERIC(24,8) NOT NULL DEFAULT 0,
		fees NUMERIC(24,8) NOT NULL DEFAULT 0,
		max_profit_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_account_status_symbol_side ON positions(account_id, status, symbol, side)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status_planned_close ON positions(status, planned_close_time)`,
	`CREATE TABLE IF NOT EXISTS scoring_weights (
		component_name TEXT PRIMARY KEY,
		weight_long INT NOT NULL DEFAULT 10,
		weight_short INT NOT NULL DEFAULT 10,
		base_weight INT NOT NULL DEFAULT 10,
		performance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_adjusted TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scoring_weights_active ON scoring_weights(active)`,
	`CREATE TABLE IF NOT EXISTS symbol_risk_params (
		symbol TEXT PRIMARY KEY,
		long_tp_pct DOUBLE PRECISION NOT NULL,
		long_sl_pct DOUBLE PRECISION NOT NULL,
		short_tp_pct DOUBLE PRECISION NOT NULL,
		short_sl_pct DOUBLE PRECISION NOT NULL,
		position_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_trades INT NOT NULL DEFAULT 0,
		total_pnl NUMERIC(24,8) NOT NULL DEFAULT 0,
		last_optimized TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_symbol_risk_params_symbol ON symbol_risk_params(symbol)`,
	`CREATE TABLE IF NOT EXISTS symbol_ratings (
		symbol TEXT PRIMARY KEY,
		level INT NOT NULL DEFAULT 0,
		total_pnl NUMERIC(24,8) NOT NULL DEFAULT 0,
		hard_stop_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS trading_blacklist (
		symbol TEXT PRIMARY KEY,
		reason TEXT,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS signal_blacklist (
		id BIGSERIAL PRIMARY KEY,
		signal_pattern TEXT NOT NULL,
		side TEXT NOT NULL,
		reason TEXT,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(signal_pattern, side)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_blacklist_active_side ON signal_blacklist(active, side)`,
	`CREATE TABLE IF NOT EXISTS market_regime_snapshots (
		id BIGSERIAL PRIMARY KEY,
		regime TEXT NOT NULL,
		strength DOUBLE PRECISION NOT NULL,
		bias TEXT NOT NULL,
		position_adjustment_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		score_threshold_adjustment DOUBLE PRECISION NOT NULL DEFAULT 0,
		computed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS optimization_history (
		id BIGSERIAL PRIMARY KEY,
		optimized_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		change_type TEXT NOT NULL,
		target TEXT NOT NULL,
		param TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS trading_control (
		account_id TEXT NOT NULL,
		trading_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY(account_id, trading_type)
	)`,
}

// RunMigrations executes every migration statement in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration #%d failed: %w", i, err)
		}
	}
	return nil
}
