// Package exitmonitor implements the Exit Monitor (C8): exactly one
// cooperative task per open position, registered with the exchange
// price stream, evaluating an eight-rule priority chain on every tick
// (and a 10s watchdog) until the position closes. Generalized from the
// teacher's internal/order/manager.go managed-order rule loop, narrowed
// from "one loop owns every order" to "one goroutine owns exactly one
// position" since spec §4.4's trailing/timeout rules are inherently
// per-position state (max_profit_pct, age) rather than something a
// shared loop evaluates well across many positions at once.
package exitmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/pricing"
	"perpfutures-engine/internal/storage"
)

const watchdogInterval = 10 * time.Second

// PositionStore is the slice of PositionRepository the exit monitor
// needs. Satisfied by *storage.PositionRepository with no adapter code.
type PositionStore interface {
	WithPositionLock(ctx context.Context, id string, fn func(tx pgx.Tx, p *storage.Position) error) error
	Close(ctx context.Context, tx pgx.Tx, p *storage.Position) error
	Open(ctx context.Context, accountID string) ([]*storage.Position, error)
	UpdateUnrealized(ctx context.Context, tx pgx.Tx, p *storage.Position) error
}

// Notifier is the fan-out notification sink; satisfied by
// *notification.Manager.
type Notifier interface {
	SendTradeClose(symbol string, entryPrice, exitPrice, pnl, pnlPercent float64, reason string) error
}

// EventPublisher is the event bus sink; satisfied by *events.EventBus.
type EventPublisher interface {
	PublishTradeClosed(symbol string, entryPrice, exitPrice, quantity, pnl, pnlPercent float64)
	PublishPositionUpdate(symbol string, entryPrice, currentPrice, quantity, pnl, pnlPercent float64)
}

// Monitor owns one goroutine per open position for a single account.
type Monitor struct {
	accountID string
	exchange  exchange.Exchange
	positions PositionStore
	pricing   pricing.Strategy
	notifier  Notifier
	events    EventPublisher
	logger    *logging.Logger
	exit      config.SmartExitConfig
	adaptive  struct {
		long, short config.AdaptiveSideConfig
	}

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	building map[string]struct{}
}

// New builds a Monitor for one account.
func New(accountID string, ex exchange.Exchange, positions PositionStore, strategy pricing.Strategy, notifier Notifier, events EventPublisher, exitCfg config.SmartExitConfig, adaptiveLong, adaptiveShort config.AdaptiveSideConfig, logger *logging.Logger) *Monitor {
	m := &Monitor{
		accountID: accountID,
		exchange:  ex,
		positions: positions,
		pricing:   strategy,
		notifier:  notifier,
		events:    events,
		logger:    logger.WithComponent("exitmonitor"),
		exit:      exitCfg,
		running:   make(map[string]context.CancelFunc),
		building:  make(map[string]struct{}),
	}
	m.adaptive.long = adaptiveLong
	m.adaptive.short = adaptiveShort
	return m
}

// Register starts a monitor goroutine for pos if one isn't already
// running. Idempotent, safe to call from the Entry Executor on open and
// from the Supervisor on reconciliation.
func (m *Monitor) Register(ctx context.Context, pos *storage.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[pos.ID]; ok {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[pos.ID] = cancel
	cp := *pos
	go func() {
		m.runPosition(runCtx, &cp)
		m.mu.Lock()
		delete(m.running, cp.ID)
		m.mu.Unlock()
	}()
}

// Unregister cancels the monitor task for id, if running.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
}

// RunningIDs returns the set of position ids accounted for: both ids
// with a live monitor task and ids still in the staged-entry window
// tracked via TrackBuilding. This is the supervisor's "mon_set" — a
// building position has no monitor goroutine yet, but it isn't drift
// either (spec §4.5).
func (m *Monitor) RunningIDs() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.running)+len(m.building))
	for id := range m.running {
		out[id] = struct{}{}
	}
	for id := range m.building {
		out[id] = struct{}{}
	}
	return out
}

// TrackBuilding marks id as staging so RunningIDs reports it even before
// a monitor goroutine is registered for it. Called by the Entry Executor
// for the duration of the staged entry window.
func (m *Monitor) TrackBuilding(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.building[id] = struct{}{}
}

// UntrackBuilding removes id from the staging set, called once the
// staged entry protocol returns (open, aborted, or failed).
func (m *Monitor) UntrackBuilding(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.building, id)
}

// StopAll cancels every running monitor task and clears the running map,
// used by the supervisor's restart path. It leaves the building set
// untouched — a restart triggered by drift elsewhere must not itself
// re-trigger a restart for every staged entry still in flight.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.running {
		cancel()
		delete(m.running, id)
	}
}

// ReconcileFromStore registers a monitor for every open position for the
// account, used on process startup so a restart picks back up every live
// position without waiting for the supervisor's first tick.
func (m *Monitor) ReconcileFromStore(ctx context.Context) error {
	open, err := m.positions.Open(ctx, m.accountID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	for _, p := range open {
		m.Register(ctx, p)
	}
	return nil
}

func (m *Monitor) runPosition(ctx context.Context, pos *storage.Position) {
	log := m.logger.WithPositionID(pos.ID).WithSymbol(pos.Symbol)

	tick := make(chan decimal.Decimal, 1)
	unsubscribe := m.exchange.Subscribe(pos.Symbol, func(price decimal.Decimal, _ time.Time) {
		select {
		case tick <- price:
		default:
			select {
			case <-tick:
			default:
			}
			tick <- price
		}
	})
	defer unsubscribe()

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case price := <-tick:
			if m.evaluate(ctx, pos, price, log) {
				return
			}
		case <-watchdog.C:
			price, err := m.exchange.GetMarkPrice(ctx, pos.Symbol)
			if err != nil {
				log.WithError(err).Warn("watchdog mark price fetch failed")
				continue
			}
			if m.evaluate(ctx, pos, price, log) {
				return
			}
		}
	}
}

// evaluate runs the eight-rule priority chain for one tick and persists
// the result; it returns true once the position has closed and the
// monitor task should exit.
func (m *Monitor) evaluate(ctx context.Context, pos *storage.Position, price decimal.Decimal, log *logging.Logger) bool {
	pct := signedPct(pos.Side, pos.AvgEntryPrice, price)
	if pct > pos.MaxProfitPct {
		pos.MaxProfitPct = pct
	}
	pos.UnrealizedPnL = m.pricing.PnL(pos.Side, pos.AvgEntryPrice, price, pos.Quantity)

	age := time.Since(pos.OpenTime)
	plannedDuration := pos.PlannedCloseTime.Sub(pos.EntrySignalTime)
	adaptive := m.adaptive.long
	if pos.Side == storage.SideShort {
		adaptive = m.adaptive.short
	}

	reason, shouldClose := m.decide(pos, price, pct, age, plannedDuration, adaptive)
	if !shouldClose {
		if err := m.persistUnrealized(ctx, pos); err != nil {
			log.WithError(err).Warn("failed to persist unrealized mark")
		}
		if m.events != nil {
			current, _ := price.Float64()
			entry, _ := pos.AvgEntryPrice.Float64()
			qty, _ := pos.Quantity.Float64()
			pnl, _ := pos.UnrealizedPnL.Float64()
			m.events.PublishPositionUpdate(pos.Symbol, entry, current, qty, pnl, pct)
		}
		return false
	}

	if err := m.close(ctx, pos, price, reason); err != nil {
		log.WithError(err).Error("failed to close position")
		return false
	}
	log.WithField("reason", reason).Info("position closed")
	return true
}

// decide implements spec §4.4's eight rules in priority order, first
// match wins. The extension-grant (rule 8, first expiry) is applied as
// a side effect on pos even when it does not itself trigger a close.
func (m *Monitor) decide(pos *storage.Position, price decimal.Decimal, pct float64, age, plannedDuration time.Duration, adaptive config.AdaptiveSideConfig) (string, bool) {
	if crossedFavorable(pos.Side, price, pos.TakeProfitPrice) {
		return storage.CloseReasonTakeProfit, true
	}

	minHolding := time.Duration(adaptive.MinHoldingMinutes) * time.Minute
	if crossedAdverse(pos.Side, price, pos.StopLossPrice) && age >= minHolding {
		return storage.CloseReasonStopLoss, true
	}

	exit := m.exit
	if pos.MaxProfitPct >= 3.0 && (pos.MaxProfitPct-pct) >= exit.HighProfitTrailRetrace {
		return storage.CloseReasonHighProfitTrail, true
	}
	if pos.MaxProfitPct >= 1.0 && pos.MaxProfitPct < 3.0 && (pos.MaxProfitPct-pct) >= exit.MidProfitTrailRetrace {
		return storage.CloseReasonMidProfitTrail, true
	}

	if pct >= exit.QuickCloseProfitPct && plannedDuration > 0 && float64(age) >= exit.QuickCloseAgeFraction*float64(plannedDuration) {
		return storage.CloseReasonQuickClose, true
	}

	if reason, ok := stagedTimeout(age, pct); ok {
		return reason, true
	}

	if pos.MaxProfitPct > exit.BreakEvenProfitTouchedPct && pct >= exit.BreakEvenLowPct && pct <= exit.BreakEvenHighPct && age >= plannedDuration {
		return storage.CloseReasonBreakEven, true
	}

	if plannedDuration > 0 && time.Now().UTC().After(pos.PlannedCloseTime) {
		if !pos.ExtendedOnce {
			pos.ExtendedOnce = true
			extension := time.Duration(exit.ExtensionMinutes) * time.Minute
			if extension <= 0 {
				extension = 30 * time.Minute
			}
			pos.PlannedCloseTime = pos.PlannedCloseTime.Add(extension)
			return "", false
		}
		return storage.CloseReasonPlannedTimeout, true
	}

	return "", false
}

// stagedTimeout implements rule 6's four age-tiered loss thresholds.
func stagedTimeout(age time.Duration, pct float64) (string, bool) {
	switch {
	case age >= 4*time.Hour && pct <= -1.0:
		return storage.CloseReasonStagedTimeout4h, true
	case age >= 3*time.Hour && pct <= -1.5:
		return storage.CloseReasonStagedTimeout3h, true
	case age >= 2*time.Hour && pct <= -2.0:
		return storage.CloseReasonStagedTimeout2h, true
	case age >= time.Hour && pct <= -2.5:
		return storage.CloseReasonStagedTimeout1h, true
	}
	return "", false
}

// signedPct returns the side-signed percentage move of price from entry.
func signedPct(side storage.Side, entry, price decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}
	raw, _ := price.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	if side == storage.SideShort {
		return -raw
	}
	return raw
}

// crossedFavorable reports whether price has reached or passed target in
// the direction that favors the position (up for LONG, down for SHORT).
func crossedFavorable(side storage.Side, price, target decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	if side == storage.SideLong {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// crossedAdverse is crossedFavorable's mirror: price has reached or
// passed target against the position.
func crossedAdverse(side storage.Side, price, target decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	if side == storage.SideLong {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

func (m *Monitor) persistUnrealized(ctx context.Context, pos *storage.Position) error {
	return m.positions.WithPositionLock(ctx, pos.ID, func(tx pgx.Tx, locked *storage.Position) error {
		locked.UnrealizedPnL = pos.UnrealizedPnL
		locked.MaxProfitPct = pos.MaxProfitPct
		locked.ExtendedOnce = pos.ExtendedOnce
		locked.PlannedCloseTime = pos.PlannedCloseTime
		if err := m.positions.UpdateUnrealized(ctx, tx, locked); err != nil {
			return err
		}
		*pos = *locked
		return nil
	})
}

// close computes realized pnl, persists the close under the position's
// row lock, and fires off the trade-closed event and notification.
func (m *Monitor) close(ctx context.Context, pos *storage.Position, price decimal.Decimal, reason string) error {
	exitFee := m.pricing.Fee(price, pos.Quantity)
	totalFees := pos.Fees.Add(exitFee)
	realized := m.pricing.PnL(pos.Side, pos.AvgEntryPrice, price, pos.Quantity).Sub(totalFees)

	err := m.positions.WithPositionLock(ctx, pos.ID, func(tx pgx.Tx, locked *storage.Position) error {
		locked.Status = storage.PositionClosed
		locked.CloseTime = time.Now().UTC()
		locked.ClosePrice = price
		locked.CloseReason = reason
		locked.RealizedPnL = realized
		locked.Fees = totalFees
		locked.MaxProfitPct = pos.MaxProfitPct
		if err := m.positions.Close(ctx, tx, locked); err != nil {
			return err
		}
		*pos = *locked
		return nil
	})
	if err != nil {
		return err
	}

	entry, _ := pos.AvgEntryPrice.Float64()
	exitPx, _ := price.Float64()
	qty, _ := pos.Quantity.Float64()
	pnl, _ := realized.Float64()
	pnlPct := signedPct(pos.Side, pos.AvgEntryPrice, price)

	if m.events != nil {
		m.events.PublishTradeClosed(pos.Symbol, entry, exitPx, qty, pnl, pnlPct)
	}
	if m.notifier != nil {
		go func() {
			if err := m.notifier.SendTradeClose(pos.Symbol, entry, exitPx, pnl, pnlPct, reason); err != nil {
				m.logger.WithError(err).Warn("trade-close notification failed")
			}
		}()
	}
	return nil
}
