// Package configstore is the Config Store (C4): it reads scoring weights,
// per-symbol risk params, blacklists, adaptive params, and the global
// trading-enabled flag from the persistent store, publishing them as a
// single read-only snapshot behind an atomic pointer. Re-modeled per the
// design notes' read-copy-update pattern: readers (the Scanner) take the
// snapshot reference once per scan iteration; the Optimizer swaps in a
// new snapshot atomically; no reader ever observes a half-updated config.
package configstore

import (
	"context"
	"sync/atomic"
	"time"

	"perpfutures-engine/internal/cache"
	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

// Snapshot is the immutable, fully-resolved config view a scan iteration
// reads from. Never mutated in place — Reload always builds a new one.
type Snapshot struct {
	TakenAt        time.Time
	// Generation increments on every Reload; the Scorer stamps it onto
	// each Opportunity as its signal_version so the admission filter's
	// duplicate-policy check (spec §4.2 step 8) scopes to "same scoring
	// regime" rather than "ever opened this symbol/side."
	Generation     int64
	TradingEnabled bool
	Weights        map[string]storage.ScoringWeightRow
	RiskParams     map[string]storage.SymbolRiskParams
	Ratings        map[string]storage.SymbolRating
	TradingBlock   map[string]storage.TradingBlacklistEntry
	SignalBlock    map[string]storage.SignalBlacklistEntry // keyed by pattern|side
	Regime         storage.MarketRegimeSnapshot
	Adaptive       struct {
		Long  config.AdaptiveSideConfig
		Short config.AdaptiveSideConfig
	}
}

// WeightOrDefault returns the component's weight row, or a base-10
// default if the optimizer has never touched it.
func (s *Snapshot) WeightOrDefault(component string) storage.ScoringWeightRow {
	if w, ok := s.Weights[component]; ok {
		return w
	}
	return storage.ScoringWeightRow{ComponentName: component, WeightLong: 10, WeightShort: 10, BaseWeight: 10, Active: true}
}

// RiskParamsFor returns symbol risk params if present.
func (s *Snapshot) RiskParamsFor(symbol string) (storage.SymbolRiskParams, bool) {
	p, ok := s.RiskParams[symbol]
	return p, ok
}

// RatingLevel returns the symbol's rating level, defaulting to 0 (no
// restriction) when unrated.
func (s *Snapshot) RatingLevel(symbol string) int {
	if r, ok := s.Ratings[symbol]; ok {
		return r.Level
	}
	return 0
}

// IsTradingBlacklisted reports a hard symbol exclusion.
func (s *Snapshot) IsTradingBlacklisted(symbol string) (storage.TradingBlacklistEntry, bool) {
	e, ok := s.TradingBlock[symbol]
	return e, ok
}

// IsSignalBlacklisted reports whether pattern+side has an active
// blacklist entry (exact set-equality match is the caller's
// responsibility — the pattern string itself is already the sorted set).
func (s *Snapshot) IsSignalBlacklisted(pattern string, side storage.Side) (storage.SignalBlacklistEntry, bool) {
	e, ok := s.SignalBlock[pattern+"|"+string(side)]
	return e, ok
}

// Store holds the current Snapshot behind an atomic pointer and rebuilds
// it from Postgres (the source of truth); when a Redis cache is set, each
// rebuilt snapshot is also written to it. The snapshot is never read back
// from Redis.
type Store struct {
	accountID string
	repo      *storage.ConfigRepository
	cache     *cache.RedisCache // nil means cache disabled; always fall through to Postgres
	adaptive  struct {
		Long  config.AdaptiveSideConfig
		Short config.AdaptiveSideConfig
	}
	logger     *logging.Logger
	current    atomic.Pointer[Snapshot]
	generation atomic.Int64
}

// New builds a Store. adaptiveLong/adaptiveShort come from the static
// config file (spec §6's adaptive.* keys) since they are defaults, not
// optimizer-mutated state.
func New(accountID string, repo *storage.ConfigRepository, rc *cache.RedisCache, adaptiveLong, adaptiveShort config.AdaptiveSideConfig, logger *logging.Logger) *Store {
	s := &Store{
		accountID: accountID,
		repo:      repo,
		cache:     rc,
		logger:    logger.WithComponent("config_store").WithAccount(accountID),
	}
	s.adaptive.Long = adaptiveLong
	s.adaptive.Short = adaptiveShort
	return s
}

// Snapshot returns the currently published snapshot. Safe to call
// concurrently; callers should take one reference per scan iteration and
// use it for the whole iteration (stale by at most one reload cycle).
func (s *Store) Snapshot() *Snapshot {
	snap := s.current.Load()
	if snap == nil {
		// Never loaded yet: return a closed/disabled snapshot rather
		// than nil so callers fail safe instead of panicking.
		empty := &Snapshot{TakenAt: time.Now().UTC(), TradingEnabled: false}
		return empty
	}
	return snap
}

// Reload rebuilds the snapshot from Postgres and republishes it
// atomically, then best-effort refreshes the Redis cache. Called by the
// Optimizer immediately after a committed run, and by the periodic
// refresh loop every 60s (spec §5 freshness).
func (s *Store) Reload(ctx context.Context) error {
	snap := &Snapshot{TakenAt: time.Now().UTC(), Generation: s.generation.Add(1)}
	snap.Adaptive.Long = s.adaptive.Long
	snap.Adaptive.Short = s.adaptive.Short

	enabled, err := s.repo.TradingEnabled(ctx, s.accountID, "default")
	if err != nil {
		return err
	}
	snap.TradingEnabled = enabled

	weights, err := s.repo.ScoringWeights(ctx)
	if err != nil {
		return err
	}
	snap.Weights = make(map[string]storage.ScoringWeightRow, len(weights))
	for _, w := range weights {
		snap.Weights[w.ComponentName] = w
	}

	riskParams, err := s.repo.RiskParams(ctx)
	if err != nil {
		return err
	}
	snap.RiskParams = make(map[string]storage.SymbolRiskParams, len(riskParams))
	for _, p := range riskParams {
		snap.RiskParams[p.Symbol] = p
	}

	ratings, err := s.repo.Ratings(ctx)
	if err != nil {
		return err
	}
	snap.Ratings = make(map[string]storage.SymbolRating, len(ratings))
	for _, r := range ratings {
		snap.Ratings[r.Symbol] = r
	}

	tradingBlock, err := s.repo.TradingBlacklist(ctx)
	if err != nil {
		return err
	}
	snap.TradingBlock = make(map[string]storage.TradingBlacklistEntry, len(tradingBlock))
	for _, e := range tradingBlock {
		snap.TradingBlock[e.Symbol] = e
	}

	signalBlock, err := s.repo.SignalBlacklist(ctx)
	if err != nil {
		return err
	}
	snap.SignalBlock = make(map[string]storage.SignalBlacklistEntry, len(signalBlock))
	for _, e := range signalBlock {
		snap.SignalBlock[e.SignalPattern+"|"+string(e.Side)] = e
	}

	regime, err := s.repo.LatestRegime(ctx)
	if err != nil {
		return err
	}
	snap.Regime = *regime

	s.current.Store(snap)

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.SnapshotKey(s.accountID), snap, 0); err != nil {
			s.logger.Warn("snapshot cache write failed, continuing on db-backed snapshot", "error", err)
		}
	}

	s.logger.Debug("config snapshot reloaded", "weights", len(snap.Weights), "risk_params", len(snap.RiskParams))
	return nil
}

// RunPeriodicReload reloads every interval until ctx is cancelled,
// implementing the 60s default freshness refresh (spec §5). Reload
// errors are logged and retried next tick rather than propagated — a
// stale-by-one-cycle snapshot is an acceptable degraded state, losing the
// store entirely is not.
func (s *Store) RunPeriodicReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("periodic config reload failed", "error", err)
			}
		}
	}
}
