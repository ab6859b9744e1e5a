package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ConfigRepository reads and writes the tables backing the Config Store
// (C4): scoring weights, symbol risk params, ratings, blacklists, regime
// snapshots, and the optimization history audit log.
type ConfigRepository struct {
	db *DB
}

// NewConfigRepository builds a repository bound to db.
func NewConfigRepository(db *DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// ScoringWeights loads every active scoring weight row.
func (r *ConfigRepository) ScoringWeights(ctx context.Context) ([]ScoringWeightRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT component_name, weight_long, weight_short, base_weight, performance_score, last_adjusted, active
		FROM scoring_weights WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query scoring weights: %w", err)
	}
	defer rows.Close()

	var out []ScoringWeightRow
	for rows.Next() {
		var w ScoringWeightRow
		var lastAdjusted *time.Time
		if err := rows.Scan(&w.ComponentName, &w.WeightLong, &w.WeightShort, &w.BaseWeight,
			&w.PerformanceScore, &lastAdjusted, &w.Active); err != nil {
			return nil, err
		}
		if lastAdjusted != nil {
			w.LastAdjusted = *lastAdjusted
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RiskParams loads every active symbol risk param row.
func (r *ConfigRepository) RiskParams(ctx context.Context) ([]SymbolRiskParams, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, long_tp_pct, long_sl_pct, short_tp_pct, short_sl_pct, position_multiplier,
			win_rate, total_trades, total_pnl, last_optimized, active
		FROM symbol_risk_params WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query risk params: %w", err)
	}
	defer rows.Close()

	var out []SymbolRiskParams
	for rows.Next() {
		var p SymbolRiskParams
		var lastOptimized *time.Time
		if err := rows.Scan(&p.Symbol, &p.LongTPPct, &p.LongSLPct, &p.ShortTPPct, &p.ShortSLPct,
			&p.PositionMultiplier, &p.WinRate, &p.TotalTrades, &p.TotalPnL, &lastOptimized, &p.Active); err != nil {
			return nil, err
		}
		if lastOptimized != nil {
			p.LastOptimized = *lastOptimized
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ratings loads every symbol rating row.
func (r *ConfigRepository) Ratings(ctx context.Context) ([]SymbolRating, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol, level, total_pnl, hard_stop_count, updated_at FROM symbol_ratings`)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()

	var out []SymbolRating
	for rows.Next() {
		var rt SymbolRating
		if err := rows.Scan(&rt.Symbol, &rt.Level, &rt.TotalPnL, &rt.HardStopCount, &rt.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// TradingBlacklist loads every active trading blacklist entry.
func (r *ConfigRepository) TradingBlacklist(ctx context.Context) ([]TradingBlacklistEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT symbol, reason, active FROM trading_blacklist WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query trading blacklist: %w", err)
	}
	defer rows.Close()

	var out []TradingBlacklistEntry
	for rows.Next() {
		var e TradingBlacklistEntry
		if err := rows.Scan(&e.Symbol, &e.Reason, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SignalBlacklist loads every active signal blacklist entry.
func (r *ConfigRepository) SignalBlacklist(ctx context.Context) ([]SignalBlacklistEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, signal_pattern, side, reason, active FROM signal_blacklist WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query signal blacklist: %w", err)
	}
	defer rows.Close()

	var out []SignalBlacklistEntry
	for rows.Next() {
		var e SignalBlacklistEntry
		var side string
		if err := rows.Scan(&e.ID, &e.SignalPattern, &side, &e.Reason, &e.Active); err != nil {
			return nil, err
		}
		e.Side = Side(side)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestRegime loads the most recently computed market regime snapshot.
func (r *ConfigRepository) LatestRegime(ctx context.Context) (*MarketRegimeSnapshot, error) {
	var s MarketRegimeSnapshot
	var regime, bias string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT regime, strength, bias, position_adjustment_multiplier, score_threshold_adjustment, computed_at
		FROM market_regime_snapshots ORDER BY computed_at DESC LIMIT 1`).
		Scan(&regime, &s.Strength, &bias, &s.PositionAdjustmentMultiplier, &s.ScoreThresholdAdjustment, &s.ComputedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &MarketRegimeSnapshot{Regime: RegimeNeutral, Bias: BiasBalanced, PositionAdjustmentMultiplier: 1.0}, nil
		}
		return nil, fmt.Errorf("query latest regime: %w", err)
	}
	s.Regime = Regime(regime)
	s.Bias = RegimeBias(bias)
	return &s, nil
}

// InsertRegimeSnapshot persists a newly computed market regime snapshot.
func (r *ConfigRepository) InsertRegimeSnapshot(ctx context.Context, s MarketRegimeSnapshot) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO market_regime_snapshots (regime, strength, bias, position_adjustment_multiplier, score_threshold_adjustment)
		VALUES ($1,$2,$3,$4,$5)`, string(s.Regime), s.Strength, string(s.Bias), s.PositionAdjustmentMultiplier, s.ScoreThresholdAdjustment)
	if err != nil {
		return fmt.Errorf("insert regime snapshot: %w", err)
	}
	return nil
}

// TradingEnabled reads the operator's trading_control row for an account
// and trading type; defaults to true if no row exists yet.
func (r *ConfigRepository) TradingEnabled(ctx context.Context, accountID, tradingType string) (bool, error) {
	var enabled bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT enabled FROM trading_control WHERE account_id = $1 AND trading_type = $2`,
		accountID, tradingType).Scan(&enabled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("query trading control: %w", err)
	}
	return enabled, nil
}

// OptimizerTx is a transaction handle the Adaptive Optimizer uses to
// batch every mutation plus its history row atomically.
type OptimizerTx struct {
	tx pgx.Tx
}

// BeginOptimizerRun starts the optimizer's single transaction, taking an
// advisory lock on the position store so no other optimizer run overlaps
// (spec §5: "must take an advisory lock on the Position Store before
// mutating config tables").
func (r *ConfigRepository) BeginOptimizerRun(ctx context.Context) (*OptimizerTx, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin optimizer tx: %w", err)
	}
	const optimizerLockKey = 872341
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, optimizerLockKey); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("acquire optimizer lock: %w", err)
	}
	return &OptimizerTx{tx: tx}, nil
}

// Rollback aborts the optimizer run.
func (o *OptimizerTx) Rollback(ctx context.Context) error { return o.tx.Rollback(ctx) }

// Commit finalizes the optimizer run.
func (o *OptimizerTx) Commit(ctx context.Context) error { return o.tx.Commit(ctx) }

// UpdateWeight writes an adjusted component weight and its history row.
func (o *OptimizerTx) UpdateWeight(ctx context.Context, componentName string, long, short int, perf float64, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		UPDATE scoring_weights SET weight_long=$1, weight_short=$2, performance_score=$3, last_adjusted=now()
		WHERE component_name=$4`, long, short, perf, componentName)
	if err != nil {
		return fmt.Errorf("update weight %s: %w", componentName, err)
	}
	return o.insertHistory(ctx, hist)
}

// UpdateRiskParams writes adjusted per-symbol risk params and its history row.
func (o *OptimizerTx) UpdateRiskParams(ctx context.Context, p SymbolRiskParams, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		INSERT INTO symbol_risk_params (symbol, long_tp_pct, long_sl_pct, short_tp_pct, short_sl_pct,
			position_multiplier, win_rate, total_trades, total_pnl, last_optimized, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),true)
		ON CONFLICT (symbol) DO UPDATE SET
			long_tp_pct=EXCLUDED.long_tp_pct, long_sl_pct=EXCLUDED.long_sl_pct,
			short_tp_pct=EXCLUDED.short_tp_pct, short_sl_pct=EXCLUDED.short_sl_pct,
			position_multiplier=EXCLUDED.position_multiplier, win_rate=EXCLUDED.win_rate,
			total_trades=EXCLUDED.total_trades, total_pnl=EXCLUDED.total_pnl, last_optimized=now()`,
		p.Symbol, p.LongTPPct, p.LongSLPct, p.ShortTPPct, p.ShortSLPct,
		p.PositionMultiplier, p.WinRate, p.TotalTrades, p.TotalPnL)
	if err != nil {
		return fmt.Errorf("update risk params %s: %w", p.Symbol, err)
	}
	return o.insertHistory(ctx, hist)
}

// UpdateRating writes an adjusted symbol rating and its history row.
func (o *OptimizerTx) UpdateRating(ctx context.Context, rt SymbolRating, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		INSERT INTO symbol_ratings (symbol, level, total_pnl, hard_stop_count, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (symbol) DO UPDATE SET level=EXCLUDED.level, total_pnl=EXCLUDED.total_pnl,
			hard_stop_count=EXCLUDED.hard_stop_count, updated_at=now()`,
		rt.Symbol, rt.Level, rt.TotalPnL, rt.HardStopCount)
	if err != nil {
		return fmt.Errorf("update rating %s: %w", rt.Symbol, err)
	}
	return o.insertHistory(ctx, hist)
}

// AddTradingBlacklist inserts a trading blacklist entry and its history row.
func (o *OptimizerTx) AddTradingBlacklist(ctx context.Context, symbol, reason string, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		INSERT INTO trading_blacklist (symbol, reason, active) VALUES ($1,$2,true)
		ON CONFLICT (symbol) DO UPDATE SET reason=EXCLUDED.reason, active=true`, symbol, reason)
	if err != nil {
		return fmt.Errorf("add trading blacklist %s: %w", symbol, err)
	}
	return o.insertHistory(ctx, hist)
}

// AddSignalBlacklist inserts a signal blacklist entry and its history row.
func (o *OptimizerTx) AddSignalBlacklist(ctx context.Context, pattern string, side Side, reason string, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		INSERT INTO signal_blacklist (signal_pattern, side, reason, active) VALUES ($1,$2,$3,true)
		ON CONFLICT (signal_pattern, side) DO UPDATE SET reason=EXCLUDED.reason, active=true`,
		pattern, string(side), reason)
	if err != nil {
		return fmt.Errorf("add signal blacklist %s/%s: %w", pattern, side, err)
	}
	return o.insertHistory(ctx, hist)
}

func (o *OptimizerTx) insertHistory(ctx context.Context, hist OptimizationHistoryEntry) error {
	_, err := o.tx.Exec(ctx, `
		INSERT INTO optimization_history (optimized_at, change_type, target, param, old_value, new_value, reason)
		VALUES (now(), $1,$2,$3,$4,$5,$6)`,
		hist.ChangeType, hist.Target, hist.Param, hist.OldValue, hist.NewValue, hist.Reason)
	if err != nil {
		return fmt.Errorf("insert optimization history: %w", err)
	}
	return nil
}
