package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the position/opportunity direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus is the position lifecycle state (spec §3).
type PositionStatus string

const (
	PositionBuilding PositionStatus = "building"
	PositionOpen     PositionStatus = "open"
	PositionClosed   PositionStatus = "closed"
)

// Close reasons, enumerated per spec §4.4/§8.
const (
	CloseReasonTakeProfit        = "take_profit"
	CloseReasonStopLoss          = "stop_loss"
	CloseReasonHighProfitTrail   = "high_profit_trail"
	CloseReasonMidProfitTrail    = "mid_profit_trail"
	CloseReasonQuickClose        = "quick_close"
	CloseReasonStagedTimeout1h   = "staged_timeout_1h"
	CloseReasonStagedTimeout2h   = "staged_timeout_2h"
	CloseReasonStagedTimeout3h   = "staged_timeout_3h"
	CloseReasonStagedTimeout4h   = "staged_timeout_4h"
	CloseReasonBreakEven         = "break_even"
	CloseReasonPlannedTimeout    = "planned_close_timeout"
	CloseReasonEntryFailed       = "entry_failed"
	CloseReasonOperatorClose     = "operator_close"
)

// Position is the central stateful entity (spec §3). Owned by the Entry
// Executor and Exit Monitor; closed by either of them or by an explicit
// operator action through this package.
type Position struct {
	ID                string
	AccountID         string
	Symbol            string
	Side              Side
	Status            PositionStatus
	SignalVersion     int64
	EntryScore        int
	Components        map[string]int
	BatchPlan         []float64
	BatchFilled       []BatchFill
	EntryPrice        decimal.Decimal
	AvgEntryPrice     decimal.Decimal
	Quantity          decimal.Decimal
	Margin            decimal.Decimal
	Leverage          int
	StopLossPrice     decimal.Decimal
	TakeProfitPrice   decimal.Decimal
	EntrySignalTime   time.Time
	PlannedCloseTime  time.Time
	ExtendedOnce      bool
	OpenTime          time.Time
	CloseTime         time.Time
	ClosePrice        decimal.Decimal
	CloseReason       string
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	Fees              decimal.Decimal
	MaxProfitPct      float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BatchFill records one executed fill of the staged entry protocol.
type BatchFill struct {
	BatchIndex int             `json:"batch_index"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	FilledAt   time.Time       `json:"filled_at"`
	Forced     bool            `json:"forced"`
}

// Account aggregates balance and margin across a single engine instance's
// positions (spec §3).
type Account struct {
	ID             string
	Balance        decimal.Decimal
	FrozenMargin   decimal.Decimal
	RealizedPnLCum decimal.Decimal
	UpdatedAt      time.Time
}

// Equity is balance plus the sum of unrealized pnl of open positions; the
// caller supplies that sum since this package does not itself aggregate
// live positions' unrealized pnl (that lives in the exit monitor's
// in-memory state between DB writes).
func (a Account) Equity(unrealizedSum decimal.Decimal) decimal.Decimal {
	return a.Balance.Add(unrealizedSum)
}

// ScoringWeightRow is one row of the component weight table, mutated only
// by the Adaptive Optimizer (spec §3).
type ScoringWeightRow struct {
	ComponentName    string
	WeightLong       int
	WeightShort      int
	BaseWeight       int
	PerformanceScore float64
	LastAdjusted     time.Time
	Active           bool
}

// SymbolRiskParams holds per-symbol TP/SL percentages and sizing
// multiplier, adjusted by the optimizer from realized trade history.
type SymbolRiskParams struct {
	Symbol              string
	LongTPPct           float64
	LongSLPct           float64
	ShortTPPct          float64
	ShortSLPct          float64
	PositionMultiplier  float64
	WinRate             float64
	TotalTrades         int
	TotalPnL            decimal.Decimal
	LastOptimized        time.Time
	Active               bool
}

// SymbolRating gates whether a symbol can open new positions at all
// (level 3 forbids) and scales size (levels 0-2).
type SymbolRating struct {
	Symbol        string
	Level         int
	TotalPnL      decimal.Decimal
	HardStopCount int
	UpdatedAt     time.Time
}

// SizeMultiplier returns the position-size multiplier implied by the
// rating level (spec §3: 1.0 / 0.25 / 0.125 / 0.0).
func (r SymbolRating) SizeMultiplier() float64 {
	switch r.Level {
	case 0:
		return 1.0
	case 1:
		return 0.25
	case 2:
		return 0.125
	default:
		return 0.0
	}
}

// TradingBlacklistEntry hard-excludes a symbol from entry.
type TradingBlacklistEntry struct {
	Symbol string
	Reason string
	Active bool
}

// SignalBlacklistEntry excludes a specific component-set + side
// combination. SignalPattern is the sorted, "+"-joined component names.
type SignalBlacklistEntry struct {
	ID            int64
	SignalPattern string
	Side          Side
	Reason        string
	Active        bool
}

// Regime classifies the macro market state. The engine reads the latest
// market_regime_snapshots row (LatestRegime); it does not compute regime
// snapshots itself, and nothing in it calls InsertRegimeSnapshot.
type Regime string

const (
	RegimeBull    Regime = "bull"
	RegimeBear    Regime = "bear"
	RegimeNeutral Regime = "neutral"
)

// RegimeBias is the directional lean a regime implies for admission and
// scoring.
type RegimeBias string

const (
	BiasLong     RegimeBias = "long"
	BiasShort    RegimeBias = "short"
	BiasBalanced RegimeBias = "balanced"
)

// MarketRegimeSnapshot is the most recently computed macro regime state.
type MarketRegimeSnapshot struct {
	Regime                       Regime
	Strength                     float64
	Bias                         RegimeBias
	PositionAdjustmentMultiplier float64
	ScoreThresholdAdjustment     float64
	ComputedAt                   time.Time
}

// OptimizationHistoryEntry is one append-only audit row the Optimizer
// writes alongside every mutation, in the same transaction.
type OptimizationHistoryEntry struct {
	ID          int64
	OptimizedAt time.Time
	ChangeType  string
	Target      string
	Param       string
	OldValue    string
	NewValue    string
	Reason      string
}

// TradingControl is the operator control-surface row the engine reads but
// never writes (spec §6): an external actor flips it, the engine reads it
// as part of the Config Store snapshot.
type TradingControl struct {
	AccountID    string
	TradingType  string
	Enabled      bool
	UpdatedAt    time.Time
}
