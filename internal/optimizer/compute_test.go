package optimizer

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/storage"
)

func closedPosition(symbol string, side storage.Side, pnl float64, components map[string]int) *storage.Position {
	return &storage.Position{
		Symbol:      symbol,
		Side:        side,
		RealizedPnL: decimal.NewFromFloat(pnl),
		Components:  components,
		Status:      storage.PositionClosed,
	}
}

func TestComputeWeightChanges_RequiresMinimumTrades(t *testing.T) {
	weights := []storage.ScoringWeightRow{{ComponentName: "rsi_oversold", WeightLong: 10, WeightShort: 10}}
	var closed []*storage.Position
	for i := 0; i < 4; i++ {
		closed = append(closed, closedPosition("BTCUSDT", storage.SideLong, 20, map[string]int{"rsi_oversold": 10}))
	}

	changes := computeWeightChanges(closed, weights)
	if len(changes) != 0 {
		t.Fatalf("expected no changes below the minimum trade count, got %d", len(changes))
	}
}

func TestComputeWeightChanges_BumpsOnStrongPositivePerformance(t *testing.T) {
	weights := []storage.ScoringWeightRow{{ComponentName: "rsi_oversold", WeightLong: 10, WeightShort: 10}}
	var closed []*storage.Position
	for i := 0; i < 6; i++ {
		closed = append(closed, closedPosition("BTCUSDT", storage.SideLong, 20, map[string]int{"rsi_oversold": 10}))
	}

	changes := computeWeightChanges(closed, weights)
	if len(changes) != 1 {
		t.Fatalf("expected exactly one (long) change, got %d", len(changes))
	}
	if changes[0].New != 13 {
		t.Fatalf("expected weight bumped by +3 to 13, got %d", changes[0].New)
	}
}

func TestComputeWeightChanges_ClampsAtMax(t *testing.T) {
	weights := []storage.ScoringWeightRow{{ComponentName: "rsi_oversold", WeightLong: 29, WeightShort: 10}}
	var closed []*storage.Position
	for i := 0; i < 6; i++ {
		closed = append(closed, closedPosition("BTCUSDT", storage.SideLong, 20, map[string]int{"rsi_oversold": 10}))
	}

	changes := computeWeightChanges(closed, weights)
	if changes[0].New != weightMax {
		t.Fatalf("expected weight clamped to %d, got %d", weightMax, changes[0].New)
	}
}

func TestComputeRiskChanges_BlacklistsOnSevereLoss(t *testing.T) {
	var closed []*storage.Position
	for i := 0; i < 5; i++ {
		closed = append(closed, closedPosition("DOGEUSDT", storage.SideLong, -110, nil))
	}

	_, _, blacklist, log := computeRiskChanges(closed, nil, nil)
	if len(blacklist) != 1 || blacklist[0] != "DOGEUSDT" {
		t.Fatalf("expected DOGEUSDT blacklisted, got %v", blacklist)
	}
	if len(log) != 1 || log[0].Kind != "blacklist" {
		t.Fatalf("expected a blacklist log entry, got %v", log)
	}
}

func TestComputeRiskChanges_WidensStopOnLowWinRate(t *testing.T) {
	var closed []*storage.Position
	closed = append(closed, closedPosition("ETHUSDT", storage.SideLong, 10, nil))
	for i := 0; i < 6; i++ {
		closed = append(closed, closedPosition("ETHUSDT", storage.SideLong, -20, nil))
	}

	updates, _, blacklist, _ := computeRiskChanges(closed, nil, nil)
	if len(blacklist) != 0 {
		t.Fatalf("expected no blacklist for this pnl total, got %v", blacklist)
	}
	if len(updates) != 1 {
		t.Fatalf("expected one risk param update, got %d", len(updates))
	}
	if updates[0].LongSLPct != defaultLongSLPct+slWidenStepPct {
		t.Fatalf("expected stop widened by one step, got %v", updates[0].LongSLPct)
	}
	if updates[0].PositionMultiplier != defaultPositionMult/2 {
		t.Fatalf("expected position multiplier halved, got %v", updates[0].PositionMultiplier)
	}
}

func TestComputeRiskChanges_RestoresRatingOnStrongPerformance(t *testing.T) {
	var closed []*storage.Position
	for i := 0; i < 8; i++ {
		closed = append(closed, closedPosition("SOLUSDT", storage.SideLong, 20, nil))
	}
	ratings := map[string]storage.SymbolRating{"SOLUSDT": {Symbol: "SOLUSDT", Level: 2}}

	_, ratingUpdates, _, _ := computeRiskChanges(closed, nil, ratings)
	if len(ratingUpdates) != 1 || ratingUpdates[0].Level != 1 {
		t.Fatalf("expected rating restored from 2 to 1, got %+v", ratingUpdates)
	}
}

func TestComputeSignalBlacklist_FlagsPoorPattern(t *testing.T) {
	var closed []*storage.Position
	for i := 0; i < 6; i++ {
		closed = append(closed, closedPosition("BTCUSDT", storage.SideLong, -20, map[string]int{"a": 10, "b": 10}))
	}

	adds := computeSignalBlacklist(closed)
	if len(adds) != 1 {
		t.Fatalf("expected one signal blacklist candidate, got %d", len(adds))
	}
	if adds[0].pattern != "a+b" {
		t.Fatalf("expected sorted pattern a+b, got %s", adds[0].pattern)
	}
}

func TestPatternOf_SortsComponentNames(t *testing.T) {
	if got := patternOf(map[string]int{"z": 1, "a": 1}); got != "a+z" {
		t.Fatalf("expected sorted pattern a+z, got %s", got)
	}
}

func TestUntilNext_WrapsToTomorrowWhenPassed(t *testing.T) {
	past := "00:00"
	if d := untilNext(past); d <= 0 {
		t.Fatalf("expected a positive duration, got %v", d)
	}
}
