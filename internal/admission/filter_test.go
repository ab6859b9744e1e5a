package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/engineerr"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/scoring"
	"perpfutures-engine/internal/storage"
)

type fixedSnapshot struct{ snap *configstore.Snapshot }

func (f fixedSnapshot) Snapshot() *configstore.Snapshot { return f.snap }

type fakePositions struct {
	recentClosedAt  time.Time
	hasRecentClosed bool
	dupCount        int
	open            []*storage.Position
	seenVersions    []int64
}

func (f *fakePositions) RecentClosedOnSymbolSide(ctx context.Context, accountID, symbol string, side storage.Side) (time.Time, bool, error) {
	return f.recentClosedAt, f.hasRecentClosed, nil
}

func (f *fakePositions) CountBuildingOrOpen(ctx context.Context, accountID, symbol string, side storage.Side, signalVersion int64) (int, error) {
	f.seenVersions = append(f.seenVersions, signalVersion)
	return f.dupCount, nil
}

func (f *fakePositions) Open(ctx context.Context, accountID string) ([]*storage.Position, error) {
	return f.open, nil
}

func baseSnapshot() *configstore.Snapshot {
	return &configstore.Snapshot{
		TakenAt:        time.Now(),
		TradingEnabled: true,
		Weights:        map[string]storage.ScoringWeightRow{},
		RiskParams:     map[string]storage.SymbolRiskParams{},
		Ratings:        map[string]storage.SymbolRating{},
		TradingBlock:   map[string]storage.TradingBlacklistEntry{},
		SignalBlock:    map[string]storage.SignalBlacklistEntry{},
		Regime:         storage.MarketRegimeSnapshot{Regime: storage.RegimeNeutral, Bias: storage.BiasBalanced},
	}
}

func longOpportunity() *scoring.Opportunity {
	return &scoring.Opportunity{
		Symbol: "BTC/USDT",
		Side:   storage.SideLong,
		Score:  50,
		Components: map[string]int{
			scoring.PositionLow:  10,
			scoring.Trend1hBull:  15,
		},
		ScoredAt: time.Now(),
	}
}

func freshNow() CandleFreshness {
	now := time.Now().UTC()
	return CandleFreshness{C5m: now, C15m: now, C1h: now, C1d: now}
}

func TestEvaluate_AllowsCleanOpportunity(t *testing.T) {
	f := New(fixedSnapshot{baseSnapshot()}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if !decision.Allowed {
		t.Fatalf("expected allow, got reject: %s", decision.Reason)
	}
}

func TestEvaluate_RejectsWhenTradingDisabled(t *testing.T) {
	snap := baseSnapshot()
	snap.TradingEnabled = false
	f := New(fixedSnapshot{snap}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrTradingDisabled) {
		t.Fatalf("expected ErrTradingDisabled, got %+v", decision)
	}
}

func TestEvaluate_RejectsRatingLevelThree(t *testing.T) {
	snap := baseSnapshot()
	snap.Ratings["BTC/USDT"] = storage.SymbolRating{Symbol: "BTC/USDT", Level: 3}
	f := New(fixedSnapshot{snap}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted for rating level 3, got %+v", decision)
	}
}

func TestEvaluate_SignalBlacklistSetEquality(t *testing.T) {
	snap := baseSnapshot()
	pattern := "position_low+trend_1h_bull"
	snap.SignalBlock[pattern+"|"+string(storage.SideLong)] = storage.SignalBlacklistEntry{
		SignalPattern: pattern,
		Side:          storage.SideLong,
		Reason:        "overfit pattern",
		Active:        true,
	}
	f := New(fixedSnapshot{snap}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrBlacklisted) {
		t.Fatalf("expected signal-blacklist rejection, got %+v", decision)
	}
}

func TestEvaluate_DirectionConsistencyException(t *testing.T) {
	opp := &scoring.Opportunity{
		Symbol: "ETH/USDT",
		Side:   storage.SideLong,
		Score:  20,
		Components: map[string]int{
			scoring.MomentumUp3pct: 10,
			scoring.PositionLow:    10,
		},
		ScoredAt: time.Now(),
	}
	f := New(fixedSnapshot{baseSnapshot()}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", opp, freshNow(), 10)
	if !decision.Allowed {
		t.Fatalf("expected the documented oversold-bounce exception to pass, got reject: %s", decision.Reason)
	}
}

func TestEvaluate_DirectionConsistencyRejectsUnlistedConflict(t *testing.T) {
	opp := &scoring.Opportunity{
		Symbol: "ETH/USDT",
		Side:   storage.SideLong,
		Score:  20,
		Components: map[string]int{
			scoring.PositionHigh: 10,
			scoring.PositionLow:  10,
		},
		ScoredAt: time.Now(),
	}
	f := New(fixedSnapshot{baseSnapshot()}, &fakePositions{}, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", opp, freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrDirectionConflict) {
		t.Fatalf("expected ErrDirectionConflict for an undocumented bias conflict, got %+v", decision)
	}
}

func TestEvaluate_RejectsStaleCandle(t *testing.T) {
	f := New(fixedSnapshot{baseSnapshot()}, &fakePositions{}, logging.Default())
	stale := freshNow()
	stale.C1h = time.Now().UTC().Add(-3 * time.Hour)
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), stale, 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrStaleData) {
		t.Fatalf("expected ErrStaleData, got %+v", decision)
	}
}

func TestEvaluate_RejectsWithinCooldown(t *testing.T) {
	fp := &fakePositions{hasRecentClosed: true, recentClosedAt: time.Now().Add(-5 * time.Minute)}
	f := New(fixedSnapshot{baseSnapshot()}, fp, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrCooldown) {
		t.Fatalf("expected ErrCooldown, got %+v", decision)
	}
}

func TestEvaluate_AllowsAfterCooldownElapsed(t *testing.T) {
	fp := &fakePositions{hasRecentClosed: true, recentClosedAt: time.Now().Add(-20 * time.Minute)}
	f := New(fixedSnapshot{baseSnapshot()}, fp, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if !decision.Allowed {
		t.Fatalf("expected allow once cooldown has elapsed, got reject: %s", decision.Reason)
	}
}

func TestEvaluate_RejectsDuplicateSameVersion(t *testing.T) {
	fp := &fakePositions{dupCount: 1}
	f := New(fixedSnapshot{baseSnapshot()}, fp, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 10)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrDuplicatePosition) {
		t.Fatalf("expected ErrDuplicatePosition, got %+v", decision)
	}
}

func TestEvaluate_DuplicatePolicyScopesToOpportunitySignalVersion(t *testing.T) {
	opp := longOpportunity()
	opp.SignalVersion = 7
	fp := &fakePositions{}
	f := New(fixedSnapshot{baseSnapshot()}, fp, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", opp, freshNow(), 10)
	if !decision.Allowed {
		t.Fatalf("expected allow, got reject: %s", decision.Reason)
	}
	if len(fp.seenVersions) == 0 || fp.seenVersions[0] != 7 {
		t.Fatalf("expected step 8's duplicate-policy lookup to use the opportunity's signal version 7, got %v", fp.seenVersions)
	}
	if fp.seenVersions[len(fp.seenVersions)-1] != -1 {
		t.Fatalf("expected step 9's per-direction cap lookup to use -1 (any version), got %v", fp.seenVersions)
	}
}

func TestEvaluate_RejectsAtMaxOpenPositions(t *testing.T) {
	fp := &fakePositions{open: []*storage.Position{{ID: "p1"}, {ID: "p2"}}}
	f := New(fixedSnapshot{baseSnapshot()}, fp, logging.Default())
	decision := f.Evaluate(context.Background(), "acct-1", longOpportunity(), freshNow(), 2)
	if decision.Allowed || !errors.Is(decision.Err, engineerr.ErrDuplicatePosition) {
		t.Fatalf("expected max-open-positions rejection, got %+v", decision)
	}
}
