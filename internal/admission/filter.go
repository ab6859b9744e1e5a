// Package admission implements the Admission Filter (C6): a fixed,
// ordered chain of gates applied to a freshly scored Opportunity before
// it is allowed to reach the Entry Executor. Generalized from the
// teacher's internal/risk/manager.go CanOpenPosition gate-chain style
// (sequential checks each returning a reject reason) to the engine's
// nine-step chain from the Config Store snapshot.
package admission

import (
	"context"
	"fmt"
	"time"

	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/engineerr"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/scoring"
	"perpfutures-engine/internal/storage"
)

// cooldownWindow is how long after a position closes on (symbol, side)
// a new entry on the same pair is rejected.
const cooldownWindow = 15 * time.Minute

// perSymbolDirectionCap is the default soft cap on concurrent
// building/open positions per (symbol, side) (spec §4.2 step 9).
const perSymbolDirectionCap = 3

// Decision is the filter's verdict on one Opportunity.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

func reject(err error, reason string, args ...any) Decision {
	return Decision{Allowed: false, Err: err, Reason: fmt.Sprintf(reason, args...)}
}

var allowed = Decision{Allowed: true}

// CandleFreshness reports the open_time of the most recent candle on
// each timeframe the scorer consumed, so the filter can re-check
// staleness independently of whatever fed the scorer (spec §4.2 step 6).
type CandleFreshness struct {
	C5m  time.Time
	C15m time.Time
	C1h  time.Time
	C1d  time.Time
}

// SnapshotSource supplies the current Config Store snapshot. Satisfied
// by *configstore.Store in production; tests provide a fixed snapshot.
type SnapshotSource interface {
	Snapshot() *configstore.Snapshot
}

// PositionQuerier is the slice of PositionRepository the filter needs.
// Satisfied by *storage.PositionRepository; tests provide an in-memory
// fake so the chain's last three steps don't require a live database.
type PositionQuerier interface {
	RecentClosedOnSymbolSide(ctx context.Context, accountID, symbol string, side storage.Side) (time.Time, bool, error)
	CountBuildingOrOpen(ctx context.Context, accountID, symbol string, side storage.Side, signalVersion int64) (int, error)
	Open(ctx context.Context, accountID string) ([]*storage.Position, error)
}

// Filter is the Admission Filter. Stateless beyond its dependencies —
// every check reads the live Config Store snapshot and the Position
// Store.
type Filter struct {
	configStore SnapshotSource
	positions   PositionQuerier
	logger      *logging.Logger
}

// New builds a Filter bound to one account's Config Store and Position
// Store.
func New(configStore SnapshotSource, positions PositionQuerier, logger *logging.Logger) *Filter {
	return &Filter{configStore: configStore, positions: positions, logger: logger.WithComponent("admission")}
}

// Evaluate runs the nine-step chain in spec order, short-circuiting on
// the first rejection.
func (f *Filter) Evaluate(ctx context.Context, accountID string, opp *scoring.Opportunity, freshness CandleFreshness, maxOpenPositions int) Decision {
	// 1. Global trading enabled.
	snapshot := f.configStore.Snapshot()
	if !snapshot.TradingEnabled {
		return reject(engineerr.ErrTradingDisabled, "trading disabled for account %s", accountID)
	}

	// 2. Symbol rating level 3 forbids opening.
	if snapshot.RatingLevel(opp.Symbol) >= 3 {
		return reject(engineerr.ErrBlacklisted, "symbol %s is rating level 3", opp.Symbol)
	}

	// 3. Trading blacklist, exact symbol match.
	if entry, ok := snapshot.IsTradingBlacklisted(opp.Symbol); ok {
		return reject(engineerr.ErrBlacklisted, "symbol %s blacklisted: %s", opp.Symbol, entry.Reason)
	}

	// 4. Signal blacklist, pattern set-equality.
	pattern := opp.Pattern()
	if entry, ok := snapshot.IsSignalBlacklisted(pattern, opp.Side); ok {
		return reject(engineerr.ErrBlacklisted, "signal pattern %q blacklisted for %s: %s", pattern, opp.Side, entry.Reason)
	}

	// 5. Direction consistency re-verification, with the two documented
	// oversold-bounce / overbought-pullback exceptions.
	if !directionConsistent(opp) {
		return reject(engineerr.ErrDirectionConflict, "opportunity %s/%s carries conflicting-bias components: %v", opp.Symbol, opp.Side, opp.Components)
	}

	// 6. Data freshness on every required timeframe.
	if stale, tf := f.isStale(freshness); stale {
		return reject(engineerr.ErrStaleData, "candle on %s timeframe is stale for %s", tf, opp.Symbol)
	}

	// 7. Cooldown: no closed position on (symbol, side) within 15 minutes.
	closedAt, hasRecent, err := f.positions.RecentClosedOnSymbolSide(ctx, accountID, opp.Symbol, opp.Side)
	if err != nil {
		return reject(err, "cooldown lookup failed for %s/%s: %v", opp.Symbol, opp.Side, err)
	}
	if hasRecent && time.Since(closedAt) < cooldownWindow {
		return reject(engineerr.ErrCooldown, "%s/%s closed %s ago, inside the %s cooldown", opp.Symbol, opp.Side, time.Since(closedAt).Round(time.Second), cooldownWindow)
	}

	// 8. Duplicate policy: same signal_version, same (symbol, side)
	// building/open count must be zero. Cross-version is allowed.
	dupCount, err := f.positions.CountBuildingOrOpen(ctx, accountID, opp.Symbol, opp.Side, signalVersion(opp))
	if err != nil {
		return reject(err, "duplicate-policy lookup failed for %s/%s: %v", opp.Symbol, opp.Side, err)
	}
	if dupCount > 0 {
		return reject(engineerr.ErrDuplicatePosition, "%s/%s already has %d building/open position(s) at this signal version", opp.Symbol, opp.Side, dupCount)
	}

	// 9. Position count caps: per-account max, per-symbol-per-direction
	// soft cap.
	open, err := f.positions.Open(ctx, accountID)
	if err != nil {
		return reject(err, "position count lookup failed: %v", err)
	}
	if len(open) >= maxOpenPositions {
		return reject(engineerr.ErrDuplicatePosition, "account %s at max open positions (%d/%d)", accountID, len(open), maxOpenPositions)
	}
	sameSymbolSide, err := f.positions.CountBuildingOrOpen(ctx, accountID, opp.Symbol, opp.Side, -1)
	if err != nil {
		return reject(err, "per-symbol cap lookup failed: %v", err)
	}
	if sameSymbolSide >= perSymbolDirectionCap {
		return reject(engineerr.ErrDuplicatePosition, "%s/%s at the per-symbol-direction cap (%d)", opp.Symbol, opp.Side, perSymbolDirectionCap)
	}

	return allowed
}

// directionConsistent re-verifies no opposite-biased component leaked
// into the cleaned component map, allowing the two documented
// exceptions (spec §4.2 step 5).
func directionConsistent(opp *scoring.Opportunity) bool {
	wantBias := scoring.BiasBullish
	if opp.Side == storage.SideShort {
		wantBias = scoring.BiasBearish
	}

	if isException(opp) {
		return true
	}

	for name := range opp.Components {
		bias := scoring.BiasOf(name)
		if bias != scoring.BiasNeutral && bias != wantBias {
			return false
		}
	}
	return true
}

// isException matches the two permitted conflicting-bias patterns:
// oversold bounce for LONG, overbought pullback for SHORT.
func isException(opp *scoring.Opportunity) bool {
	if opp.Side == storage.SideLong {
		return len(opp.Components) == 2 &&
			hasComponent(opp, scoring.MomentumUp3pct) &&
			hasComponent(opp, scoring.PositionLow)
	}
	return len(opp.Components) == 2 &&
		hasComponent(opp, scoring.MomentumDown3pct) &&
		hasComponent(opp, scoring.PositionHigh)
}

func hasComponent(opp *scoring.Opportunity, name string) bool {
	_, ok := opp.Components[name]
	return ok
}

// isStale checks every timeframe's freshness bound (spec §3).
func (f *Filter) isStale(freshness CandleFreshness) (bool, string) {
	now := time.Now().UTC()
	checks := []struct {
		name string
		tf   exchange.Timeframe
		at   time.Time
	}{
		{"5m", exchange.TF5m, freshness.C5m},
		{"15m", exchange.TF15m, freshness.C15m},
		{"1h", exchange.TF1h, freshness.C1h},
		{"1d", exchange.TF1d, freshness.C1d},
	}
	for _, c := range checks {
		if c.at.IsZero() {
			continue
		}
		if now.Sub(c.at) > c.tf.FreshnessBound() {
			return true, c.name
		}
	}
	return false, ""
}

// signalVersion extracts the signal version an opportunity was scored
// under: the Config Store snapshot generation in effect when the Scorer
// ran (spec §4.2 step 8, §9 Open Questions: duplicates are scoped to the
// same scoring regime, not "ever opened this symbol/side").
func signalVersion(opp *scoring.Opportunity) int64 {
	return opp.SignalVersion
}
