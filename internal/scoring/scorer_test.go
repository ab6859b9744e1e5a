package scoring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func flatSnapshot() *configstore.Snapshot {
	return &configstore.Snapshot{
		TakenAt:        time.Now(),
		TradingEnabled: true,
		Weights:        map[string]storage.ScoringWeightRow{},
		RiskParams:     map[string]storage.SymbolRiskParams{},
		Ratings:        map[string]storage.SymbolRating{},
		TradingBlock:   map[string]storage.TradingBlacklistEntry{},
		SignalBlock:    map[string]storage.SignalBlacklistEntry{},
		Regime:         storage.MarketRegimeSnapshot{Regime: storage.RegimeNeutral, Bias: storage.BiasBalanced, ScoreThresholdAdjustment: 0},
	}
}

func makeCandles(n int, startPrice, drift float64, bullish bool, tf exchange.Timeframe, step time.Duration) []exchange.Candle {
	out := make([]exchange.Candle, 0, n)
	price := startPrice
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		open := price
		move := drift
		if !bullish {
			move = -drift
		}
		close := open + move
		high := open + move
		low := open
		if move < 0 {
			high = open
			low = open + move
		}
		out = append(out, exchange.Candle{
			Symbol:      "BTC/USDT",
			Timeframe:   tf,
			OpenTime:    now.Add(-step * time.Duration(n-i)),
			Open:        dec(open),
			High:        dec(high + 1),
			Low:         dec(low - 1),
			Close:       dec(close),
			Volume:      dec(100),
			QuoteVolume: dec(100 * close),
		})
		price = close
	}
	return out
}

func TestEvaluate_CleanLongEntry(t *testing.T) {
	// Scenario 1 from spec §8: pos~0.22, 1d bullish 17/30, 1h bullish 32/48,
	// 24h change -4.1%.
	c1h := makeCandles(48, 100, 0.3, true, exchange.TF1h, time.Hour)
	// Force 32 bullish out of 48 by flipping the first 16 to bearish.
	for i := 0; i < 16; i++ {
		c1h[i].Close = c1h[i].Open.Sub(dec(0.3))
		c1h[i].Low = c1h[i].Close.Sub(dec(1))
	}
	// Force the 24h window (last 24 candles) to show a -4.1% change.
	c1h[len(c1h)-24].Open = dec(104.1)
	c1h[len(c1h)-1].Close = dec(100)

	c1d := makeCandles(30, 100, 0.5, true, exchange.TF1d, 24*time.Hour)
	for i := 0; i < 13; i++ {
		c1d[i].Close = c1d[i].Open.Sub(dec(0.5))
	}

	c15m := makeCandles(30, 100, 0.1, true, exchange.TF15m, 15*time.Minute)

	// Drive the position percentile low: current price near the low of
	// the 72h (well, <=48h here) window.
	low := c1h[0].Low
	for _, c := range c1h {
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}
	lowF, _ := low.Float64()
	currentPrice := dec(lowF + 0.22*10)

	sc := New(testLogger())
	opp := sc.Evaluate("BTC/USDT", CandleSet{C5m: nil, C15m: c15m, C1h: c1h, C1d: c1d}, currentPrice, flatSnapshot())

	if opp == nil {
		t.Fatalf("expected an opportunity, got nil")
	}
	if opp.Side != storage.SideLong {
		t.Fatalf("expected LONG, got %s", opp.Side)
	}
	if _, ok := opp.Components[PositionLow]; !ok {
		t.Errorf("expected position_low component, got %v", opp.Components)
	}
}

func TestEvaluate_MinComponentRule(t *testing.T) {
	snapshot := flatSnapshot()
	sc := New(testLogger())

	// Flat candles with no clear momentum/trend produce at most
	// position_mid, which alone is below the 2-component floor.
	c1h := makeCandles(72, 100, 0, true, exchange.TF1h, time.Hour)
	c1d := makeCandles(30, 100, 0, true, exchange.TF1d, 24*time.Hour)

	opp := sc.Evaluate("ETH/USDT", CandleSet{C1h: c1h, C1d: c1d}, dec(100), snapshot)
	if opp != nil {
		t.Fatalf("expected nil opportunity for a single neutral component, got %+v", opp)
	}
}

func TestCleanComponents_KeepsNeutralsStripsOpposite(t *testing.T) {
	// Boundary test from spec §8: raw components include a bearish
	// breakdown plus a neutral plus a long-assigned neutral; side settles
	// SHORT. Cleaning must strip no bearish components and keep neutrals.
	signals := []activated{
		{PositionMid, BiasNeutral},
		{VolatilityHigh, BiasNeutral},
		{BreakdownShort, BiasBearish},
	}
	weights := map[string]int{PositionMid: 0, VolatilityHigh: 10, BreakdownShort: 25}

	cleaned := cleanComponents(signals, weights, storage.SideShort)

	for _, want := range []string{PositionMid, VolatilityHigh, BreakdownShort} {
		if _, ok := cleaned[want]; !ok {
			t.Errorf("expected cleaned components to retain %s, got %v", want, cleaned)
		}
	}
	if len(cleaned) != 3 {
		t.Errorf("expected exactly 3 cleaned components, got %d: %v", len(cleaned), cleaned)
	}
}

func TestPatternOf_SortedSetEquality(t *testing.T) {
	a := patternOf(map[string]int{BreakdownShort: 1, VolatilityHigh: 1, VolumePowerBear: 1})
	b := patternOf(map[string]int{VolatilityHigh: 1, VolumePowerBear: 1, BreakdownShort: 1})
	if a != b {
		t.Fatalf("expected order-independent pattern, got %q vs %q", a, b)
	}

	blacklisted := patternOf(map[string]int{BreakdownShort: 1, VolatilityHigh: 1})
	if a == blacklisted {
		t.Fatalf("a 2-component blacklist pattern must not equal a 3-component opportunity pattern (set-equality, not subset)")
	}
}

func testLogger() *logging.Logger { return logging.Default() }
