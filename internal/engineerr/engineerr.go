// Package engineerr declares the fixed set of classified errors callers
// check with errors.Is, matching the error-kind table in the engine's
// design notes.
package engineerr

import "errors"

var (
	// ErrStaleData means the most recent candle on a required timeframe
	// is older than its freshness bound. Not fatal; skip the symbol.
	ErrStaleData = errors.New("stale market data")

	// ErrBlacklisted means a symbol or signal pattern matched an active
	// blacklist entry.
	ErrBlacklisted = errors.New("blacklisted")

	// ErrCooldown means a position closed on the same (symbol, side)
	// within the cooldown window.
	ErrCooldown = errors.New("cooldown active")

	// ErrDuplicatePosition means the per-symbol-per-direction cap or the
	// same-version duplicate policy rejected the opportunity.
	ErrDuplicatePosition = errors.New("duplicate position")

	// ErrEntryFailed means all batches of the staged entry protocol were
	// rejected by the exchange.
	ErrEntryFailed = errors.New("entry failed")

	// ErrAdverseMove means price moved against the intended direction
	// past the guard threshold before batch 1 filled.
	ErrAdverseMove = errors.New("adverse price move")

	// ErrSupervisorDrift means the monitored-position set diverged from
	// the position store's live set.
	ErrSupervisorDrift = errors.New("supervisor drift detected")

	// ErrOptimizerRollback means the optimizer's transaction failed
	// before commit and was rolled back.
	ErrOptimizerRollback = errors.New("optimizer run rolled back")

	// ErrTradingDisabled means the global or per-account kill switch is
	// off.
	ErrTradingDisabled = errors.New("trading disabled")

	// ErrDirectionConflict means component-cleaning left an opportunity
	// with no components consistent with its chosen side.
	ErrDirectionConflict = errors.New("direction conflict after cleaning")
)
