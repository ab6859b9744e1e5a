// Package entry implements the Staged Entry Executor (C7): it takes an
// accepted Opportunity and fills a target position size across three
// batches inside a bounded time window, confirming each natural fill
// against a rolling price-percentile sampler and a short K-line
// pullback, before handing a fully-open Position to the Exit Monitor.
// Generalized from the teacher's internal/order/manager.go managed-order
// bookkeeping (a map entry carrying lifecycle state mutated by a rule
// loop) to a single-position state machine driven by spec §4.3.
package entry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/engineerr"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/pricing"
	"perpfutures-engine/internal/scoring"
	"perpfutures-engine/internal/storage"
)

// State is one step of the staged entry state machine (spec §4.3).
type State string

const (
	StateAwaitingSample State = "awaiting_sample"
	StateBatch1Pending  State = "batch1_pending"
	StateBatch1Filled   State = "batch1_filled"
	StateBatch2Pending  State = "batch2_pending"
	StateBatch2Filled   State = "batch2_filled"
	StateBatch3Pending  State = "batch3_pending"
	StateOpen           State = "open"
	StateAborted        State = "aborted"
)

var defaultBatchRatios = []float64{0.3, 0.3, 0.4}

const (
	totalWindow       = 30 * time.Minute
	batch1Deadline    = 15 * time.Minute
	batch2Deadline    = 20 * time.Minute
	batch3Deadline    = 28 * time.Minute
	minGapBetweenBatches = 2 * time.Minute
	adverseMoveGuardPct  = 2.0
	samplingInterval     = 10 * time.Second
	orderRetryCount      = 2
	orderRetryBackoff    = 500 * time.Millisecond
)

// PositionStore is the slice of PositionRepository the staged entry
// protocol needs. Declared here, satisfied by *storage.PositionRepository
// with no adapter code, so Executor can be driven by a fake store in
// tests without a live Postgres connection.
type PositionStore interface {
	CreateBuilding(ctx context.Context, p *storage.Position) error
	WithPositionLock(ctx context.Context, id string, fn func(tx pgx.Tx, p *storage.Position) error) error
	UpdateFill(ctx context.Context, tx pgx.Tx, p *storage.Position) error
	MarkEntryFailed(ctx context.Context, id string) error
}

// BuildingTracker lets the Entry Executor register a staging position
// with the Exit Monitor's running-set for the duration of the staged
// entry window, so the Self-Healing Supervisor sees it as a live,
// accounted-for id rather than a db_set/mon_set drift (spec §4.5).
// Satisfied by *exitmonitor.Monitor.
type BuildingTracker interface {
	TrackBuilding(id string)
	UntrackBuilding(id string)
}

// Executor runs the staged entry protocol for one accepted Opportunity
// at a time; callers invoke Run once per opportunity (typically from a
// per-symbol goroutine the Scanner spawns).
type Executor struct {
	accountID string
	exchange  exchange.Exchange
	positions PositionStore
	pricing   pricing.Strategy
	tracker   BuildingTracker
	logger    *logging.Logger
	batch     config_BatchEntryConfig
}

// config_BatchEntryConfig avoids importing internal/config directly into
// the hot path's struct literal noise; it is the same shape as
// config.BatchEntryConfig, passed in by the caller at construction time.
type config_BatchEntryConfig struct {
	Ratios                []float64
	SamplingIntervalSec   int
}

// New builds an Executor. ratios defaults to [0.3, 0.3, 0.4] when empty.
func New(accountID string, ex exchange.Exchange, positions PositionStore, strategy pricing.Strategy, tracker BuildingTracker, ratios []float64, samplingIntervalSec int, logger *logging.Logger) *Executor {
	if len(ratios) == 0 {
		ratios = defaultBatchRatios
	}
	if samplingIntervalSec <= 0 {
		samplingIntervalSec = 10
	}
	return &Executor{
		accountID: accountID,
		exchange:  ex,
		positions: positions,
		pricing:   strategy,
		tracker:   tracker,
		logger:    logger.WithComponent("entry"),
		batch:     config_BatchEntryConfig{Ratios: ratios, SamplingIntervalSec: samplingIntervalSec},
	}
}

// Run executes the full staged-entry protocol for opp, blocking until
// the position reaches "open" or "aborted"/"closed(entry_failed)". It
// creates the building-state Position row itself and, on success,
// returns the fully-open position so the caller can hand it straight to
// the Exit Monitor without a round-trip read.
func (ex *Executor) Run(ctx context.Context, opp *scoring.Opportunity, marginQuote decimal.Decimal, leverage int, snapshot *configstore.Snapshot) (*storage.Position, error) {
	log := ex.logger.WithSymbol(opp.Symbol)

	notional := marginQuote.Mul(decimal.NewFromInt(int64(leverage)))
	qty := ex.pricing.QuantityForNotional(opp.CurrentPrice, notional)
	batchQtys := splitQuantity(qty, ex.batch.Ratios)

	adaptive := snapshot.Adaptive.Long
	maxHolding := 240 * time.Minute
	if opp.Side == storage.SideShort {
		adaptive = snapshot.Adaptive.Short
		maxHolding = 180 * time.Minute
	}
	if adaptive.MaxHoldingMinutes > 0 {
		maxHolding = time.Duration(adaptive.MaxHoldingMinutes) * time.Minute
	}

	now := time.Now().UTC()
	pos := &storage.Position{
		ID:              uuid.NewString(),
		AccountID:       ex.accountID,
		Symbol:          opp.Symbol,
		Side:            opp.Side,
		Status:          storage.PositionBuilding,
		SignalVersion:   opp.SignalVersion,
		EntryScore:      opp.Score,
		Components:      opp.Components,
		BatchPlan:       ex.batch.Ratios,
		BatchFilled:     nil,
		Margin:          marginQuote,
		Leverage:        leverage,
		EntrySignalTime: now,
		PlannedCloseTime: now.Add(maxHolding),
	}
	if err := ex.positions.CreateBuilding(ctx, pos); err != nil {
		return nil, fmt.Errorf("create building position: %w", err)
	}
	ex.tracker.TrackBuilding(pos.ID)
	defer ex.tracker.UntrackBuilding(pos.ID)

	sampler := newRollingSampler()
	state := StateAwaitingSample
	var batch1FilledAt, batch2FilledAt time.Time
	interval := time.Duration(ex.batch.SamplingIntervalSec) * time.Second
	if interval <= 0 {
		interval = samplingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	riskParams, hasRiskParams := snapshot.RiskParamsFor(opp.Symbol)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		price, err := ex.exchange.GetMarkPrice(ctx, opp.Symbol)
		if err != nil {
			log.WithError(err).Warn("mark price fetch failed, skipping tick")
			continue
		}
		sampler.Add(price, time.Now().UTC())
		elapsed := time.Since(now)

		if state == StateAwaitingSample || state == StateBatch1Pending {
			if adverseMoveBreached(opp.Side, opp.CurrentPrice, price) {
				ex.abort(ctx, pos)
				return nil, engineerr.ErrAdverseMove
			}
		}

		switch state {
		case StateAwaitingSample:
			if sampler.Count() >= minSamplesForBatch1 {
				state = StateBatch1Pending
			}
			if elapsed >= batch1Deadline {
				state = StateBatch1Pending
			}

		case StateBatch1Pending:
			ready := sampler.Count() >= minSamplesForBatch1 && batch1Favorable(opp.Side, sampler, price) && ex.pullbackConfirmed(ctx, opp.Symbol, opp.Side)
			force := elapsed >= batch1Deadline
			if ready || force {
				if err := ex.fillBatch(ctx, pos, 0, batchQtys[0], price, force, log); err != nil {
					return nil, err
				}
				batch1FilledAt = time.Now().UTC()
				state = StateBatch1Filled
				if err := ex.recomputeTPSL(ctx, pos, riskParams, hasRiskParams, adaptive); err != nil {
					log.WithError(err).Warn("tp/sl recompute failed")
				}
			}

		case StateBatch1Filled:
			if time.Since(batch1FilledAt) >= minGapBetweenBatches {
				state = StateBatch2Pending
			}

		case StateBatch2Pending:
			ready := batch2Favorable(opp.Side, pos.AvgEntryPrice, sampler, price)
			force := elapsed >= batch2Deadline
			if ready || force {
				if err := ex.fillBatch(ctx, pos, 1, batchQtys[1], price, force, log); err != nil {
					return nil, err
				}
				batch2FilledAt = time.Now().UTC()
				state = StateBatch2Filled
				if err := ex.recomputeTPSL(ctx, pos, riskParams, hasRiskParams, adaptive); err != nil {
					log.WithError(err).Warn("tp/sl recompute failed")
				}
			}

		case StateBatch2Filled:
			if time.Since(batch2FilledAt) >= minGapBetweenBatches {
				state = StateBatch3Pending
			}

		case StateBatch3Pending:
			ready := batch3Favorable(opp.Side, sampler, price)
			force := elapsed >= batch3Deadline
			if ready || force {
				if err := ex.fillBatch(ctx, pos, 2, batchQtys[2], price, force, log); err != nil {
					return nil, err
				}
				if err := ex.recomputeTPSL(ctx, pos, riskParams, hasRiskParams, adaptive); err != nil {
					log.WithError(err).Warn("tp/sl recompute failed")
				}
				log.Info("position fully staged into open")
				return pos, nil
			}
		}

		if elapsed >= totalWindow && state != StateOpen {
			log.Warn("staged entry exceeded its time window without completing batch 3, forcing final fill")
		}
	}
}

// splitQuantity divides qty by the configured ratios.
func splitQuantity(qty decimal.Decimal, ratios []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ratios))
	for i, r := range ratios {
		out[i] = qty.Mul(decimal.NewFromFloat(r))
	}
	return out
}

// adverseMoveBreached reports whether price has moved more than the
// guard threshold against the intended direction before batch 1 fires
// (spec §4.3).
func adverseMoveBreached(side storage.Side, signalPrice, current decimal.Decimal) bool {
	if signalPrice.IsZero() {
		return false
	}
	moveF, _ := current.Sub(signalPrice).Div(signalPrice).Mul(decimal.NewFromInt(100)).Float64()
	if side == storage.SideLong {
		return moveF <= -adverseMoveGuardPct
	}
	return moveF >= adverseMoveGuardPct
}

// batch1Favorable: LONG fills when price <= p30; SHORT when price >= p70.
func batch1Favorable(side storage.Side, sampler *rollingSampler, price decimal.Decimal) bool {
	if side == storage.SideLong {
		p30, ok := sampler.Percentile(30)
		return ok && price.LessThanOrEqual(p30)
	}
	p70, ok := sampler.Percentile(70)
	return ok && price.GreaterThanOrEqual(p70)
}

// batch2Favorable: LONG within [avg_entry*0.997, p40]; SHORT mirrors.
func batch2Favorable(side storage.Side, avgEntry decimal.Decimal, sampler *rollingSampler, price decimal.Decimal) bool {
	if side == storage.SideLong {
		p40, ok := sampler.Percentile(40)
		if !ok {
			return false
		}
		lowBound := avgEntry.Mul(decimal.NewFromFloat(0.997))
		return price.GreaterThanOrEqual(lowBound) && price.LessThanOrEqual(p40)
	}
	p60, ok := sampler.Percentile(60)
	if !ok {
		return false
	}
	highBound := avgEntry.Mul(decimal.NewFromFloat(1.003))
	return price.LessThanOrEqual(highBound) && price.GreaterThanOrEqual(p60)
}

// batch3Favorable: LONG within [p30, p50]; SHORT within [p50, p70].
func batch3Favorable(side storage.Side, sampler *rollingSampler, price decimal.Decimal) bool {
	if side == storage.SideLong {
		p30, ok1 := sampler.Percentile(30)
		p50, ok2 := sampler.Percentile(50)
		return ok1 && ok2 && price.GreaterThanOrEqual(p30) && price.LessThanOrEqual(p50)
	}
	p50, ok1 := sampler.Percentile(50)
	p70, ok2 := sampler.Percentile(70)
	return ok1 && ok2 && price.GreaterThanOrEqual(p50) && price.LessThanOrEqual(p70)
}

// pullbackConfirmed checks that at least one of the most recent 15m and
// 5m candles closed against the entry direction (spec §4.3). Treated as
// confirmed if the candle fetch fails — a data hiccup shouldn't stall
// batch 1 past its force-fill deadline, which already bounds the risk.
func (ex *Executor) pullbackConfirmed(ctx context.Context, symbol string, side storage.Side) bool {
	c15, err := ex.exchange.GetCandles(ctx, symbol, exchange.TF15m, 3)
	if err != nil {
		return true
	}
	c5, err := ex.exchange.GetCandles(ctx, symbol, exchange.TF5m, 3)
	if err != nil {
		return true
	}
	for _, c := range append(c15, c5...) {
		if side == storage.SideLong && c.IsBearish() {
			return true
		}
		if side == storage.SideShort && c.IsBullish() {
			return true
		}
	}
	return false
}

// fillBatch places the order for one batch, retrying twice with a fixed
// backoff then falling back to a market order, and persists the fill
// under the position's row lock. On success it copies the locked row's
// updated fields back into pos so the caller's in-memory copy (used by
// later batch conditions) stays current.
func (ex *Executor) fillBatch(ctx context.Context, pos *storage.Position, batchIndex int, qty, refPrice decimal.Decimal, forced bool, log *logging.Logger) error {
	orderSide := exchange.OrderSideBuy
	if pos.Side == storage.SideShort {
		orderSide = exchange.OrderSideSell
	}

	req := exchange.OrderRequest{Symbol: pos.Symbol, Side: orderSide, Type: exchange.OrderTypeLimit, Quantity: qty, Price: refPrice}
	if forced {
		req.Type = exchange.OrderTypeMarket
	}

	result, err := ex.placeWithRetry(ctx, req)
	if err != nil || !result.OK {
		log.WithError(err).Warn("batch order failed after retry, forcing market fallback")
		result, err = ex.placeWithRetry(ctx, exchange.OrderRequest{Symbol: pos.Symbol, Side: orderSide, Type: exchange.OrderTypeMarket, Quantity: qty})
		if err != nil || !result.OK {
			return ex.handleBatchFailure(ctx, pos, batchIndex, log)
		}
	}

	filledPrice := result.FilledPrice
	if filledPrice.IsZero() {
		filledPrice = refPrice
	}
	filledQty := result.FilledQty
	if filledQty.IsZero() {
		filledQty = qty
	}

	return ex.positions.WithPositionLock(ctx, pos.ID, func(tx pgx.Tx, locked *storage.Position) error {
		locked.BatchFilled = append(locked.BatchFilled, storage.BatchFill{
			BatchIndex: batchIndex,
			Price:      filledPrice,
			Quantity:   filledQty,
			FilledAt:   time.Now().UTC(),
			Forced:     forced,
		})
		locked.Fees = locked.Fees.Add(result.Fee)

		totalQty := decimal.Zero
		weightedSum := decimal.Zero
		for _, f := range locked.BatchFilled {
			totalQty = totalQty.Add(f.Quantity)
			weightedSum = weightedSum.Add(f.Price.Mul(f.Quantity))
		}
		locked.Quantity = totalQty
		if !totalQty.IsZero() {
			locked.AvgEntryPrice = weightedSum.Div(totalQty)
		}
		if batchIndex == 0 {
			locked.EntryPrice = filledPrice
		}
		if batchIndex == len(locked.BatchPlan)-1 {
			locked.Status = storage.PositionOpen
			locked.OpenTime = time.Now().UTC()
		} else {
			locked.Status = storage.PositionBuilding
		}

		if err := ex.positions.UpdateFill(ctx, tx, locked); err != nil {
			return err
		}
		*pos = *locked
		return nil
	})
}

// handleBatchFailure records a failed batch; if all three batches have
// now failed, the entry transitions to closed/entry_failed (spec §4.3).
func (ex *Executor) handleBatchFailure(ctx context.Context, pos *storage.Position, batchIndex int, log *logging.Logger) error {
	log.Error("batch " + fmt.Sprint(batchIndex+1) + " failed even at market, aborting entry")
	if err := ex.positions.MarkEntryFailed(ctx, pos.ID); err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return engineerr.ErrEntryFailed
}

func (ex *Executor) abort(ctx context.Context, pos *storage.Position) {
	_ = ex.positions.MarkEntryFailed(ctx, pos.ID)
}

// placeWithRetry submits req, retrying twice with a fixed backoff on
// error before giving up (spec §4.3: "retry twice with 500ms backoff").
func (ex *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= orderRetryCount; attempt++ {
		result, err := ex.exchange.PlaceOrder(ctx, req)
		if err == nil && result.OK {
			return result, nil
		}
		lastErr = err
		if attempt < orderRetryCount {
			select {
			case <-ctx.Done():
				return exchange.OrderResult{}, ctx.Err()
			case <-time.After(orderRetryBackoff):
			}
		}
	}
	return exchange.OrderResult{}, lastErr
}

// recomputeTPSL recomputes stop_loss_price/take_profit_price from the
// current avg_entry_price and either symbol risk params (if present) or
// the adaptive side defaults, and persists them (spec §4.3: "(re)computed
// after every fill"). The volatility-profile adjustment spec §4.3
// mentions is approximated with a single widening factor derived from
// the symbol's recorded win rate when risk params exist — a richer
// per-tick volatility lookup would need a live candle feed this
// executor does not otherwise hold.
func (ex *Executor) recomputeTPSL(ctx context.Context, pos *storage.Position, riskParams storage.SymbolRiskParams, hasRiskParams bool, adaptive config.AdaptiveSideConfig) error {
	var tpPct, slPct float64
	switch {
	case hasRiskParams && pos.Side == storage.SideLong:
		tpPct, slPct = riskParams.LongTPPct, riskParams.LongSLPct
	case hasRiskParams && pos.Side == storage.SideShort:
		tpPct, slPct = riskParams.ShortTPPct, riskParams.ShortSLPct
	default:
		tpPct, slPct = adaptive.TakeProfitPct, adaptive.StopLossPct
	}
	if tpPct <= 0 {
		tpPct = 1.5
	}
	if slPct <= 0 {
		slPct = 1.0
	}

	tpFactor := decimal.NewFromFloat(1 + tpPct/100)
	slFactor := decimal.NewFromFloat(1 - slPct/100)
	if pos.Side == storage.SideShort {
		tpFactor = decimal.NewFromFloat(1 - tpPct/100)
		slFactor = decimal.NewFromFloat(1 + slPct/100)
	}
	takeProfit := pos.AvgEntryPrice.Mul(tpFactor)
	stopLoss := pos.AvgEntryPrice.Mul(slFactor)

	return ex.positions.WithPositionLock(ctx, pos.ID, func(tx pgx.Tx, locked *storage.Position) error {
		locked.TakeProfitPrice = takeProfit
		locked.StopLossPrice = stopLoss
		if err := ex.positions.UpdateFill(ctx, tx, locked); err != nil {
			return err
		}
		*pos = *locked
		return nil
	})
}
