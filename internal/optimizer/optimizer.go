// Package optimizer implements the Adaptive Optimizer (C12): a
// once-a-day job that reads every position closed since its last run
// and produces three kinds of changes to the Config Store's backing
// tables — scoring weight nudges, per-symbol risk-param adjustments,
// and signal-blacklist additions — all inside one transaction that also
// appends to the optimization_history audit log, followed by a Config
// Store reload so the next scan sees the new values without a restart.
// Grounded on the teacher's internal/risk/manager.go aggregate-then-
// adjust style (win-rate/pnl rollups per symbol driving parameter
// nudges) and internal/database/db.go's transactional-migration
// pattern (one connection, one transaction, commit-or-rollback, a
// result summary returned to the caller).
package optimizer

import (
	"context"
	"fmt"
	"time"

	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

// Weight adjustment steps (spec §4.6a).
const (
	weightStepUp1   = 2
	weightStepUp2   = 3
	weightStepDown1 = -2
	weightStepDown2 = -3

	weightMin = 5
	weightMax = 30

	minComponentTrades = 5
)

// Risk-param adjustment thresholds (spec §4.6b).
const (
	lowWinRatePct       = 15.0
	slWidenStepPct      = 1.0
	positionMultFloor   = 0.5
	blacklistPnLFloor   = -500.0
	blacklistMinTrades  = 5
	restoreWinRatePct   = 60.0
	restorePnLFloor     = 50.0
	defaultLongTPPct    = 2.0
	defaultLongSLPct    = 3.0
	defaultShortTPPct   = 2.0
	defaultShortSLPct   = 3.0
	defaultPositionMult = 1.0
)

// Signal-blacklist thresholds (spec §4.6c).
const (
	signalMinTrades  = 5
	signalWinRateLow = 25.0
	signalPnLFloor   = -100.0
)

// PositionStore is the subset of storage.PositionRepository the
// Optimizer reads from.
type PositionStore interface {
	ClosedSince(ctx context.Context, accountID string, cutoff time.Time) ([]*storage.Position, error)
}

// ConfigRepository is the subset of storage.ConfigRepository the
// Optimizer reads and writes through.
type ConfigRepository interface {
	ScoringWeights(ctx context.Context) ([]storage.ScoringWeightRow, error)
	RiskParams(ctx context.Context) ([]storage.SymbolRiskParams, error)
	Ratings(ctx context.Context) ([]storage.SymbolRating, error)
	BeginOptimizerRun(ctx context.Context) (*storage.OptimizerTx, error)
}

// ConfigReloader republishes the Config Store's snapshot after a commit
// so in-flight scans see new values without a process restart.
type ConfigReloader interface {
	Reload(ctx context.Context) error
}

// Notifier is the fan-out notification sink; satisfied by
// *notification.Manager.
type Notifier interface {
	SendError(title, message string) error
}

// Summary is the diff the Optimizer computed for one run, returned so a
// dry run can be logged and a real run can be reported to an operator.
type Summary struct {
	RanAt            time.Time
	DryRun           bool
	WeightChanges    []WeightChange
	RiskChanges      []RiskChange
	BlacklistAdds    []string
	SignalBlacklists []string
}

// WeightChange describes one scoring component's weight nudge on one side.
type WeightChange struct {
	Component string
	Side      string // "long" or "short"
	Old, New  int
	Perf      float64
}

// RiskChange describes one symbol's risk-param adjustment.
type RiskChange struct {
	Symbol string
	Kind   string // "widen_stop", "blacklist", "restore_rating"
	Detail string
}

// diff bundles every computed mutation for one run, before it is either
// logged (dry run) or committed.
type diff struct {
	weights    []WeightChange
	weightRows []storage.ScoringWeightRow
	riskParams []storage.SymbolRiskParams
	ratings    []storage.SymbolRating
	blacklist  []string
	riskLog    []RiskChange
	signals    []signalBlacklistAdd
}

type signalBlacklistAdd struct {
	pattern string
	side    storage.Side
	reason  string
}

// Optimizer runs the daily adaptive-tuning job for one account.
type Optimizer struct {
	accountID string
	positions PositionStore
	config    ConfigRepository
	store     ConfigReloader
	notifier  Notifier
	logger    *logging.Logger
	dryRun    bool

	lastRun time.Time
}

// New builds an Optimizer for one account.
func New(accountID string, positions PositionStore, config ConfigRepository, store ConfigReloader, notifier Notifier, dryRun bool, logger *logging.Logger) *Optimizer {
	return &Optimizer{
		accountID: accountID,
		positions: positions,
		config:    config,
		store:     store,
		notifier:  notifier,
		dryRun:    dryRun,
		logger:    logger.WithComponent("optimizer").WithAccount(accountID),
	}
}

// RunDaily blocks, waking at runAt ("HH:MM" wall clock) every day until
// ctx is cancelled.
func (o *Optimizer) RunDaily(ctx context.Context, runAt string) {
	for {
		wait := untilNext(runAt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := o.Run(ctx); err != nil {
				o.logger.WithError(err).Error("optimizer run failed")
			}
		}
	}
}

// untilNext returns the duration until the next occurrence of runAt
// ("HH:MM"), today if still ahead, tomorrow otherwise.
func untilNext(runAt string) time.Duration {
	now := time.Now()
	var h, m int
	if _, err := fmt.Sscanf(runAt, "%d:%d", &h, &m); err != nil {
		h, m = 2, 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Run executes one optimization pass: loads positions closed since the
// last run (or the last 24h on first run), computes the three kinds of
// adjustments, and either logs them (dry run) or commits them in a
// single advisory-locked transaction followed by a Config Store reload.
func (o *Optimizer) Run(ctx context.Context) (*Summary, error) {
	cutoff := o.lastRun
	if cutoff.IsZero() {
		cutoff = time.Now().Add(-24 * time.Hour)
	}
	ranAt := time.Now()

	closed, err := o.positions.ClosedSince(ctx, o.accountID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load closed positions: %w", err)
	}

	weights, err := o.config.ScoringWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scoring weights: %w", err)
	}
	riskParams, err := o.config.RiskParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load risk params: %w", err)
	}
	ratings, err := o.config.Ratings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ratings: %w", err)
	}

	d := computeDiff(closed, weights, riskParams, ratings)

	summary := &Summary{
		RanAt:         ranAt,
		DryRun:        o.dryRun,
		WeightChanges: d.weights,
		RiskChanges:   d.riskLog,
		BlacklistAdds: d.blacklist,
	}
	for _, s := range d.signals {
		summary.SignalBlacklists = append(summary.SignalBlacklists, fmt.Sprintf("%s/%s: %s", s.pattern, s.side, s.reason))
	}

	if o.dryRun {
		o.logger.WithField("weight_changes", len(d.weights)).
			WithField("risk_changes", len(d.riskLog)).
			WithField("blacklist_adds", len(d.blacklist)).
			WithField("signal_blacklists", len(d.signals)).
			Info("dry run: computed optimizer diff without writing")
		return summary, nil
	}

	if err := o.commit(ctx, d); err != nil {
		return summary, err
	}

	o.lastRun = ranAt
	if o.store != nil {
		if err := o.store.Reload(ctx); err != nil {
			o.logger.WithError(err).Warn("config store reload after optimizer commit failed")
		}
	}
	if o.notifier != nil {
		text := fmt.Sprintf("optimizer run complete for %s: %d weight changes, %d risk changes, %d blacklist adds",
			o.accountID, len(d.weights), len(d.riskLog), len(d.signals))
		go func() {
			if err := o.notifier.SendError("optimizer summary", text); err != nil {
				o.logger.WithError(err).Warn("optimizer summary notification failed")
			}
		}()
	}
	o.logger.WithField("weight_changes", len(d.weights)).
		WithField("risk_changes", len(d.riskLog)).
		WithField("signal_blacklists", len(d.signals)).
		Info("optimizer run committed")
	return summary, nil
}

// commit writes every computed change inside one advisory-locked
// transaction plus its history rows, rolling back on any failure.
func (o *Optimizer) commit(ctx context.Context, d diff) error {
	tx, err := o.config.BeginOptimizerRun(ctx)
	if err != nil {
		return fmt.Errorf("begin optimizer transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	weightPairs := pairWeightChanges(d.weights, d.weightRows)
	for component, pair := range weightPairs {
		hist := storage.OptimizationHistoryEntry{
			ChangeType: "weight", Target: component,
			OldValue: fmt.Sprintf("long=%d short=%d", pair.oldLong, pair.oldShort),
			NewValue: fmt.Sprintf("long=%d short=%d", pair.newLong, pair.newShort),
			Reason:   fmt.Sprintf("performance_score long=%.2f short=%.2f", pair.perfLong, pair.perfShort),
		}
		if err := tx.UpdateWeight(ctx, component, pair.newLong, pair.newShort, pair.perfLong+pair.perfShort, hist); err != nil {
			return err
		}
	}

	for _, p := range d.riskParams {
		hist := storage.OptimizationHistoryEntry{
			ChangeType: "risk_params", Target: p.Symbol,
			NewValue: fmt.Sprintf("long_sl=%.2f short_sl=%.2f mult=%.2f", p.LongSLPct, p.ShortSLPct, p.PositionMultiplier),
			Reason:   "win_rate/pnl adjustment",
		}
		if err := tx.UpdateRiskParams(ctx, p, hist); err != nil {
			return err
		}
	}

	for _, r := range d.ratings {
		hist := storage.OptimizationHistoryEntry{
			ChangeType: "rating", Target: r.Symbol,
			NewValue: fmt.Sprintf("level=%d", r.Level),
			Reason:   "rating restored after sustained win rate",
		}
		if err := tx.UpdateRating(ctx, r, hist); err != nil {
			return err
		}
	}

	for _, symbol := range d.blacklist {
		hist := storage.OptimizationHistoryEntry{
			ChangeType: "trading_blacklist", Target: symbol,
			NewValue: "active", Reason: "total_pnl below blacklist floor",
		}
		if err := tx.AddTradingBlacklist(ctx, symbol, "sustained losses", hist); err != nil {
			return err
		}
	}

	for _, s := range d.signals {
		hist := storage.OptimizationHistoryEntry{
			ChangeType: "signal_blacklist", Target: s.pattern, Param: string(s.side),
			NewValue: "active", Reason: s.reason,
		}
		if err := tx.AddSignalBlacklist(ctx, s.pattern, s.side, s.reason, hist); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit optimizer transaction: %w", err)
	}
	committed = true
	return nil
}

type weightPair struct {
	oldLong, oldShort   int
	newLong, newShort   int
	perfLong, perfShort float64
}

// pairWeightChanges groups per-side WeightChanges into a long/short pair
// per component, seeded from the row's current weights so a component
// touched on only one side round-trips the other side unchanged instead
// of writing a zero into it.
func pairWeightChanges(changes []WeightChange, rows []storage.ScoringWeightRow) map[string]weightPair {
	out := make(map[string]weightPair)
	for _, row := range rows {
		touched := false
		for _, c := range changes {
			if c.Component == row.ComponentName {
				touched = true
				break
			}
		}
		if touched {
			out[row.ComponentName] = weightPair{
				oldLong: row.WeightLong, newLong: row.WeightLong,
				oldShort: row.WeightShort, newShort: row.WeightShort,
			}
		}
	}
	for _, c := range changes {
		p := out[c.Component]
		if c.Side == "long" {
			p.oldLong, p.newLong, p.perfLong = c.Old, c.New, c.Perf
		} else {
			p.oldShort, p.newShort, p.perfShort = c.Old, c.New, c.Perf
		}
		out[c.Component] = p
	}
	return out
}
