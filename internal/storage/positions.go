package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PositionRepository is the Position Store (C9): atomic create/update/
// close of position rows plus account-balance aggregation. Entry
// Executor, Exit Monitor, and Optimizer all go through here so that a
// single row-level lock (acquired with SELECT ... FOR UPDATE inside a
// transaction) serializes concurrent mutation of one position, matching
// the row-lock policy in the concurrency model.
type PositionRepository struct {
	db *DB
}

// NewPositionRepository builds a repository bound to db.
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// CreateBuilding inserts a new position row in the "building" state and
// reserves its margin against the account in the same transaction.
func (r *PositionRepository) CreateBuilding(ctx context.Context, p *Position) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	componentsJSON, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	planJSON, err := json.Marshal(p.BatchPlan)
	if err != nil {
		return fmt.Errorf("marshal batch plan: %w", err)
	}
	filledJSON, err := json.Marshal(p.BatchFilled)
	if err != nil {
		return fmt.Errorf("marshal batch filled: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (
			id, account_id, symbol, side, status, signal_version, entry_score,
			components_json, batch_plan_json, batch_filled_json, margin, leverage,
			entry_signal_time, planned_close_time, quantity
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.AccountID, p.Symbol, string(p.Side), string(PositionBuilding),
		p.SignalVersion, p.EntryScore, componentsJSON, planJSON, filledJSON,
		p.Margin, p.Leverage, p.EntrySignalTime, p.PlannedCloseTime, decimal.Zero)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET frozen_margin = frozen_margin + $1, updated_at = now() WHERE id = $2`,
		p.Margin, p.AccountID); err != nil {
		return fmt.Errorf("reserve margin: %w", err)
	}

	return tx.Commit(ctx)
}

// WithPositionLock runs fn with the position row locked (SELECT ... FOR
// UPDATE), inside a single transaction, and lets fn mutate and persist the
// row via the supplied updater. This is the concurrency primitive the
// Entry Executor and Exit Monitor use instead of
// touching positions directly, so that exactly one writer proceeds per
// position id at a time.
func (r *PositionRepository) WithPositionLock(ctx context.Context, id string, fn func(tx pgx.Tx, p *Position) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPosition(tx.QueryRow(ctx, selectPositionSQL+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return fmt.Errorf("lock position %s: %w", id, err)
	}

	if err := fn(tx, p); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateFill persists a batch fill: new avg_entry_price, quantity, SL/TP,
// batch_filled, and (on the first fill) entry_price/open_time/status.
func (r *PositionRepository) UpdateFill(ctx context.Context, tx pgx.Tx, p *Position) error {
	filledJSON, err := json.Marshal(p.BatchFilled)
	if err != nil {
		return fmt.Errorf("marshal batch filled: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE positions SET
			status = $1, entry_price = $2, avg_entry_price = $3, quantity = $4,
			stop_loss_price = $5, take_profit_price = $6, batch_filled_json = $7,
			open_time = $8, planned_close_time = $9, fees = $10, updated_at = now()
		WHERE id = $11`,
		string(p.Status), p.EntryPrice, p.AvgEntryPrice, p.Quantity,
		p.StopLossPrice, p.TakeProfitPrice, filledJSON,
		nullableTime(p.OpenTime), nullableTime(p.PlannedCloseTime), p.Fees, p.ID)
	if err != nil {
		return fmt.Errorf("update fill: %w", err)
	}
	return nil
}

// UpdateUnrealized persists the exit monitor's per-tick mark: unrealized
// pnl and the monotonic max_profit_pct high-water mark, plus the
// extended_once flag once the monitor has granted its one-time window
// extension. Runs under the position's row lock like every other
// mutation.
func (r *PositionRepository) UpdateUnrealized(ctx context.Context, tx pgx.Tx, p *Position) error {
	_, err := tx.Exec(ctx, `
		UPDATE positions SET
			unrealized_pnl = $1, max_profit_pct = $2, extended_once = $3, updated_at = now()
		WHERE id = $4`,
		p.UnrealizedPnL, p.MaxProfitPct, p.ExtendedOnce, p.ID)
	if err != nil {
		return fmt.Errorf("update unrealized: %w", err)
	}
	return nil
}

// Close transitions a position to closed, records the realized pnl, and
// releases its margin + updates the account's running balance, all in the
// caller's transaction so the close and the balance update are atomic.
func (r *PositionRepository) Close(ctx context.Context, tx pgx.Tx, p *Position) error {
	_, err := tx.Exec(ctx, `
		UPDATE positions SET
			status = $1, close_time = $2, close_price = $3, close_reason = $4,
			realized_pnl = $5, unrealized_pnl = 0, fees = $6, max_profit_pct = $7, updated_at = now()
		WHERE id = $8`,
		string(PositionClosed), p.CloseTime, p.ClosePrice, p.CloseReason,
		p.RealizedPnL, p.Fees, p.MaxProfitPct, p.ID)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET
			frozen_margin = frozen_margin - $1,
			balance = balance + $2,
			realized_pnl_cum = realized_pnl_cum + $2,
			updated_at = now()
		WHERE id = $3`, p.Margin, p.RealizedPnL, p.AccountID); err != nil {
		return fmt.Errorf("settle account: %w", err)
	}
	return nil
}

// MarkEntryFailed transitions a building position straight to closed with
// close_reason=entry_failed and zero realized pnl, releasing its margin.
func (r *PositionRepository) MarkEntryFailed(ctx context.Context, id string) error {
	return r.WithPositionLock(ctx, id, func(tx pgx.Tx, p *Position) error {
		p.CloseTime = time.Now().UTC()
		p.CloseReason = CloseReasonEntryFailed
		p.RealizedPnL = decimal.Zero
		return r.Close(ctx, tx, p)
	})
}

// Get fetches one position by id without locking.
func (r *PositionRepository) Get(ctx context.Context, id string) (*Position, error) {
	return scanPosition(r.db.Pool.QueryRow(ctx, selectPositionSQL+" WHERE id = $1", id))
}

// LiveIDs returns the ids of every position in building or open state for
// an account — the "db_set" the supervisor reconciles against.
func (r *PositionRepository) LiveIDs(ctx context.Context, accountID string) (map[string]struct{}, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id FROM positions WHERE account_id = $1 AND status IN ('building','open')`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query live ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// TimedOutIDs returns ids whose extended planned_close_time has elapsed
// a second time, the supervisor's timeout_set (spec §4.5).
func (r *PositionRepository) TimedOutIDs(ctx context.Context, accountID string, extension time.Duration) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id FROM positions
		WHERE account_id = $1 AND status = 'open' AND planned_close_time IS NOT NULL
		AND extended_once = true AND now() > planned_close_time + $2::interval`,
		accountID, extension.String())
	if err != nil {
		return nil, fmt.Errorf("query timed out ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Open returns every position in status=open for an account, for the
// exit monitor's startup reconciliation pass.
func (r *PositionRepository) Open(ctx context.Context, accountID string) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, selectPositionSQL+" WHERE account_id = $1 AND status = 'open'", accountID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentClosedOnSymbolSide returns the most recent close_time for a
// (symbol, side) pair, used by the admission filter's cooldown check.
func (r *PositionRepository) RecentClosedOnSymbolSide(ctx context.Context, accountID, symbol string, side Side) (time.Time, bool, error) {
	var t time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT close_time FROM positions
		WHERE account_id = $1 AND symbol = $2 AND side = $3 AND status = 'closed' AND close_time IS NOT NULL
		ORDER BY close_time DESC LIMIT 1`, accountID, symbol, string(side)).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query recent closed: %w", err)
	}
	return t, true, nil
}

// CountBuildingOrOpen counts positions for (symbol, side, signalVersion)
// used by the duplicate-position and per-direction-cap admission checks.
// signalVersion < 0 means "any version" (per-direction cap check).
func (r *PositionRepository) CountBuildingOrOpen(ctx context.Context, accountID, symbol string, side Side, signalVersion int64) (int, error) {
	var n int
	var err error
	if signalVersion < 0 {
		err = r.db.Pool.QueryRow(ctx, `
			SELECT count(*) FROM positions
			WHERE account_id = $1 AND symbol = $2 AND side = $3 AND status IN ('building','open')`,
			accountID, symbol, string(side)).Scan(&n)
	} else {
		err = r.db.Pool.QueryRow(ctx, `
			SELECT count(*) FROM positions
			WHERE account_id = $1 AND symbol = $2 AND side = $3 AND status IN ('building','open') AND signal_version = $4`,
			accountID, symbol, string(side), signalVersion).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count building/open: %w", err)
	}
	return n, nil
}

// GetAccount fetches the account row.
func (r *PositionRepository) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, balance, frozen_margin, realized_pnl_cum, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Balance, &a.FrozenMargin, &a.RealizedPnLCum, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// EnsureAccount inserts the account row if it doesn't exist yet.
func (r *PositionRepository) EnsureAccount(ctx context.Context, id string, startingBalance decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, startingBalance)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// ClosedSince returns every closed position for an account since cutoff,
// feedstock for the Adaptive Optimizer.
func (r *PositionRepository) ClosedSince(ctx context.Context, accountID string, cutoff time.Time) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, selectPositionSQL+
		" WHERE account_id = $1 AND status = 'closed' AND close_time >= $2", accountID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query closed since: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectPositionSQL = `
	SELECT id, account_id, symbol, side, status, signal_version, entry_score,
		components_json, batch_plan_json, batch_filled_json, entry_price, avg_entry_price,
		quantity, margin, leverage, stop_loss_price, take_profit_price, entry_signal_time,
		planned_close_time, extended_once, open_time, close_time, close_price, close_reason,
		realized_pnl, unrealized_pnl, fees, max_profit_pct, created_at, updated_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*Position, error) {
	return scanPositionRows(row)
}

func scanPositionRows(row rowScanner) (*Position, error) {
	var p Position
	var side, status string
	var componentsJSON, planJSON, filledJSON []byte
	var entryPrice, avgEntryPrice, sl, tp *decimal.Decimal
	var entrySignalTime, plannedCloseTime, openTime, closeTime *time.Time
	var closePrice *decimal.Decimal
	var closeReason *string

	err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &status, &p.SignalVersion, &p.EntryScore,
		&componentsJSON, &planJSON, &filledJSON, &entryPrice, &avgEntryPrice,
		&p.Quantity, &p.Margin, &p.Leverage, &sl, &tp, &entrySignalTime,
		&plannedCloseTime, &p.ExtendedOnce, &openTime, &closeTime, &closePrice, &closeReason,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.Fees, &p.MaxProfitPct, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Side = Side(side)
	p.Status = PositionStatus(status)
	if len(componentsJSON) > 0 {
		_ = json.Unmarshal(componentsJSON, &p.Components)
	}
	if len(planJSON) > 0 {
		_ = json.Unmarshal(planJSON, &p.BatchPlan)
	}
	if len(filledJSON) > 0 {
		_ = json.Unmarshal(filledJSON, &p.BatchFilled)
	}
	if entryPrice != nil {
		p.EntryPrice = *entryPrice
	}
	if avgEntryPrice != nil {
		p.AvgEntryPrice = *avgEntryPrice
	}
	if sl != nil {
		p.StopLossPrice = *sl
	}
	if tp != nil {
		p.TakeProfitPrice = *tp
	}
	if entrySignalTime != nil {
		p.EntrySignalTime = *entrySignalTime
	}
	if plannedCloseTime != nil {
		p.PlannedCloseTime = *plannedCloseTime
	}
	if openTime != nil {
		p.OpenTime = *openTime
	}
	if closeTime != nil {
		p.CloseTime = *closeTime
	}
	if closePrice != nil {
		p.ClosePrice = *closePrice
	}
	if closeReason != nil {
		p.CloseReason = *closeReason
	}
	return &p, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
