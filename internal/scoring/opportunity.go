package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/storage"
)

// Opportunity is the scorer's output for one symbol at one instant.
// Ephemeral — never persisted (spec §3).
type Opportunity struct {
	Symbol         string
	Side           storage.Side
	Score          int
	Components     map[string]int
	CurrentPrice   decimal.Decimal
	MarketSnapshot MarketSnapshot
	ScoredAt       time.Time
	// SignalVersion is the Config Store snapshot generation this
	// opportunity was scored under (spec §4.2 step 8: duplicate policy
	// is scoped per-version, cross-version is allowed).
	SignalVersion int64
}

// MarketSnapshot carries the intermediate values a caller (admission,
// logging, tests) may want without recomputing them from raw candles.
type MarketSnapshot struct {
	PositionPercentile float64
	Change24hPct       float64
	Bullish1hCount      int
	Bullish1dCount      int
}

// Pattern returns the sorted, "+"-joined component-name set used for
// signal-blacklist matching (spec §3/§4.2): set-equality, not substring.
func (o *Opportunity) Pattern() string {
	return patternOf(o.Components)
}
