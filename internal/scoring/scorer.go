package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

// CandleSet groups a symbol's candles across the four analyzed
// timeframes, most recent candle last in every slice.
type CandleSet struct {
	C5m  []exchange.Candle
	C15m []exchange.Candle
	C1h  []exchange.Candle
	C1d  []exchange.Candle
}

// baseAcceptanceScore is the floor before the regime's threshold
// adjustment is applied (spec §4.1: "threshold is 35 + regime...").
const baseAcceptanceScore = 35

// volatilityGapThreshold is how close score_long and score_short must be
// for volatility_high to be considered a tie and skipped, rather than
// credited to the leading side (spec §4.1 rule 8: "tie -> skipped").
const volatilityGapThreshold = 3

// activated is one component that fired during evaluation, before
// direction cleaning.
type activated struct {
	name string
	bias Bias
}

// Scorer is the Signal Scorer (C5): pure, side-effect-free. Candles and a
// config snapshot go in; an Opportunity or nil comes out.
type Scorer struct {
	logger *logging.Logger
}

// New builds a Scorer.
func New(logger *logging.Logger) *Scorer {
	return &Scorer{logger: logger.WithComponent("scorer")}
}

// Evaluate runs the full scoring pipeline for one symbol at one instant.
// Pure: identical inputs always yield an identical result (spec §8).
func (s *Scorer) Evaluate(symbol string, candles CandleSet, currentPrice decimal.Decimal, snapshot *configstore.Snapshot) *Opportunity {
	priceF, _ := currentPrice.Float64()

	var signals []activated

	// Rule 1: position percentile.
	pos := positionPercentile(candles.C1h, priceF)
	switch {
	case pos < 0.30:
		signals = append(signals, activated{PositionLow, BiasBullish})
	case pos > 0.70:
		signals = append(signals, activated{PositionHigh, BiasBearish})
	default:
		signals = append(signals, activated{PositionMid, BiasNeutral})
	}

	// Rule 2: 24h momentum (mean-reversion bias).
	change24h := change24hPct(candles.C1h)
	if change24h <= -3 {
		signals = append(signals, activated{MomentumDown3pct, BiasBullish})
	} else if change24h >= 3 {
		signals = append(signals, activated{MomentumUp3pct, BiasBearish})
	}

	// Rule 3: 1h trend over last 48 candles.
	bull1h, total1h := bullishCount(candles.C1h, 48)
	if total1h > 0 {
		ratio := float64(bull1h) / float64(total1h)
		if ratio > 0.625 {
			signals = append(signals, activated{Trend1hBull, BiasBullish})
		} else if ratio < 0.375 {
			signals = append(signals, activated{Trend1hBear, BiasBearish})
		}
	}

	// Rule 4: 1d trend over last 30 candles, symmetric 50% threshold.
	bull1d, total1d := bullishCount(candles.C1d, 30)
	bear1d, _ := bearishCount(candles.C1d, 30)
	if total1d > 0 {
		if bull1d >= 15 {
			signals = append(signals, activated{Trend1dBull, BiasBullish})
		}
		if bear1d >= 15 {
			signals = append(signals, activated{Trend1dBear, BiasBearish})
		}
	}

	// Rule 5: consecutive trend over last 10 1h candles.
	bullRun, bearRun, cumMove := consecutiveDirection(candles.C1h)
	if bullRun >= 7 && cumMove < 8 {
		signals = append(signals, activated{ConsecutiveBull, BiasBullish})
	}
	if bearRun >= 7 && cumMove < 8 {
		signals = append(signals, activated{ConsecutiveBear, BiasBearish})
	}

	// Rule 6: 1h volume power.
	bullVol1h, bearVol1h := volumeDirectionalPower(candles.C1h, 3)
	if bullVol1h > 1.3*bearVol1h && bullVol1h-bearVol1h > 0 {
		signals = append(signals, activated{VolumePower1hBull, BiasBullish})
	} else if bearVol1h > 1.3*bullVol1h && bearVol1h-bullVol1h > 0 {
		signals = append(signals, activated{VolumePower1hBear, BiasBearish})
	}

	// Rule 7: dual-timeframe (15m + 1h) volume power agreement.
	bullVol15m, bearVol15m := volumeDirectionalPower(candles.C15m, 3)
	agree15mBull := bullVol15m > 1.3*bearVol15m && bullVol15m-bearVol15m > 0
	agree15mBear := bearVol15m > 1.3*bullVol15m && bearVol15m-bullVol15m > 0
	agree1hBull := bullVol1h > 1.3*bearVol1h && bullVol1h-bearVol1h > 0
	agree1hBear := bearVol1h > 1.3*bullVol1h && bearVol1h-bullVol1h > 0
	if agree15mBull && agree1hBull {
		signals = append(signals, activated{VolumePowerBull, BiasBullish})
	}
	if agree15mBear && agree1hBear {
		signals = append(signals, activated{VolumePowerBear, BiasBearish})
	}

	// Rule 9 components computed before rule 8 so the volatility tie-break
	// has the full picture; scored together below.
	breakout := s.evaluateBreakout(candles, pos, bullVol1h, bearVol1h, bull1d)
	breakdown := s.evaluateBreakdown(candles, pos, bullVol1h, bearVol1h, bear1d)
	if breakout {
		signals = append(signals, activated{BreakoutLong, BiasBullish})
	}
	if breakdown {
		signals = append(signals, activated{BreakdownShort, BiasBearish})
	}

	scoreLong, scoreShort, componentWeights := tallyWeights(signals, snapshot)

	// Rule 8: volatility, assigned to the leading side only on a
	// non-trivial gap; a tie skips it entirely.
	volRatio := volatilityRatio(candles.C1h)
	if volRatio > 0.05 {
		gap := scoreLong - scoreShort
		if gap > volatilityGapThreshold {
			w := snapshot.WeightOrDefault(VolatilityHigh)
			weight := clampWeight(w.WeightLong)
			signals = append(signals, activated{VolatilityHigh, BiasNeutral})
			componentWeights[VolatilityHigh] = weight
			scoreLong += weight
		} else if gap < -volatilityGapThreshold {
			w := snapshot.WeightOrDefault(VolatilityHigh)
			weight := clampWeight(w.WeightShort)
			signals = append(signals, activated{VolatilityHigh, BiasNeutral})
			componentWeights[VolatilityHigh] = weight
			scoreShort += weight
		}
	}

	side := storage.SideLong
	bullSignalCount, bearSignalCount := countByBias(signals)
	switch {
	case scoreLong > scoreShort:
		side = storage.SideLong
	case scoreShort > scoreLong:
		side = storage.SideShort
	default:
		// Tie: break to the side with more bias signals, matching §4.1.
		if bearSignalCount > bullSignalCount {
			side = storage.SideShort
		} else {
			side = storage.SideLong
		}
	}

	cleaned := cleanComponents(signals, componentWeights, side)

	score := scoreLong
	if side == storage.SideShort {
		score = scoreShort
	}

	threshold := baseAcceptanceScore + snapshot.Regime.ScoreThresholdAdjustment
	if !meetsAcceptance(cleaned, score, threshold) {
		return nil
	}

	return &Opportunity{
		Symbol:        symbol,
		Side:          side,
		Score:         score,
		Components:    cleaned,
		CurrentPrice:  currentPrice,
		SignalVersion: snapshot.Generation,
		MarketSnapshot: MarketSnapshot{
			PositionPercentile: pos,
			Change24hPct:       change24h,
			Bullish1hCount:     bull1h,
			Bullish1dCount:     bull1d,
		},
		ScoredAt: time.Now().UTC(),
	}
}

// evaluateBreakout checks the three anti-FOMO filters plus the confluence
// requirement for breakout_long (spec §4.1 rule 9).
func (s *Scorer) evaluateBreakout(candles CandleSet, pos float64, bullVol1h, bearVol1h float64, bull1d int) bool {
	if pos <= 0.70 {
		return false
	}
	if bullVol1h-bearVol1h <= 0 {
		return false
	}
	if len(candles.C15m) == 0 {
		return false
	}
	swingHighPrice, ok := swingHigh(candles.C15m, 20)
	if !ok {
		return false
	}
	lastClose, _ := candles.C15m[len(candles.C15m)-1].Close.Float64()
	if lastClose <= swingHighPrice {
		return false
	}

	// (i) no 1h candle in the last 3 has upper-shadow > 1.5%.
	if !noLargeUpperShadow(candles.C1h, 3, 1.5) {
		return false
	}
	// (ii) fewer than 4 of the last 5 daily candles are bullish.
	recentBull, _ := bullishCount(candles.C1d, 5)
	if recentBull >= 4 {
		return false
	}
	// (iii) bullish_1d of last 30 >= 18.
	if bull1d < 18 {
		return false
	}
	return true
}

// evaluateBreakdown mirrors evaluateBreakout for breakdown_short.
func (s *Scorer) evaluateBreakdown(candles CandleSet, pos float64, bullVol1h, bearVol1h float64, bear1d int) bool {
	if pos >= 0.30 {
		return false
	}
	if bearVol1h-bullVol1h <= 0 {
		return false
	}
	if len(candles.C15m) == 0 {
		return false
	}
	swingLowPrice, ok := swingLow(candles.C15m, 20)
	if !ok {
		return false
	}
	lastClose, _ := candles.C15m[len(candles.C15m)-1].Close.Float64()
	if lastClose >= swingLowPrice {
		return false
	}

	if !noLargeUpperShadow(candles.C1h, 3, 1.5) {
		return false
	}
	recentBear, _ := bearishCount(candles.C1d, 5)
	if recentBear >= 4 {
		return false
	}
	if bear1d < 18 {
		return false
	}
	return true
}

// tallyWeights sums weight_long/weight_short for every activated signal,
// returning the per-side totals and the per-component clamped weight used
// (so later steps like cleaning don't have to re-query the snapshot).
func tallyWeights(signals []activated, snapshot *configstore.Snapshot) (scoreLong, scoreShort int, weights map[string]int) {
	weights = make(map[string]int, len(signals))
	for _, sig := range signals {
		w := snapshot.WeightOrDefault(sig.name)
		long := clampWeight(w.WeightLong)
		short := clampWeight(w.WeightShort)
		switch sig.bias {
		case BiasBullish:
			scoreLong += long
			weights[sig.name] = long
		case BiasBearish:
			scoreShort += short
			weights[sig.name] = short
		case BiasNeutral:
			// position_mid carries no score on its own; it only acts as
			// a structural requirement (min-component rule). Other
			// neutrals (volatility_high) are scored separately above
			// once the leading side is known.
			weights[sig.name] = 0
		}
	}
	return scoreLong, scoreShort, weights
}

func countByBias(signals []activated) (bullish, bearish int) {
	for _, sig := range signals {
		switch sig.bias {
		case BiasBullish:
			bullish++
		case BiasBearish:
			bearish++
		}
	}
	return bullish, bearish
}

// cleanComponents keeps only components whose bias matches the chosen
// side, plus neutrals — the mandatory direction-cleaning step (spec §4.1,
// §9: "Component accounting across direction").
func cleanComponents(signals []activated, weights map[string]int, side storage.Side) map[string]int {
	wantBias := BiasBullish
	if side == storage.SideShort {
		wantBias = BiasBearish
	}
	out := make(map[string]int)
	for _, sig := range signals {
		if sig.bias == BiasNeutral || sig.bias == wantBias {
			out[sig.name] = weights[sig.name]
		}
	}
	return out
}

// meetsAcceptance applies the score floor and the min-component rule
// (spec §4.1: ">=2 components; if position_mid present, >=3").
func meetsAcceptance(components map[string]int, score int, threshold float64) bool {
	if float64(score) < threshold {
		return false
	}
	if len(components) < 2 {
		return false
	}
	if _, hasMid := components[PositionMid]; hasMid && len(components) < 3 {
		return false
	}
	return true
}
