package exitmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/pricing"
	"perpfutures-engine/internal/storage"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testLogger() *logging.Logger { return logging.Default() }

type fakeStore struct {
	pos       *storage.Position
	closeHits int
}

func (s *fakeStore) WithPositionLock(ctx context.Context, id string, fn func(tx pgx.Tx, p *storage.Position) error) error {
	cp := *s.pos
	if err := fn(nil, &cp); err != nil {
		return err
	}
	s.pos = &cp
	return nil
}

func (s *fakeStore) Close(ctx context.Context, tx pgx.Tx, p *storage.Position) error {
	s.closeHits++
	return nil
}

func (s *fakeStore) Open(ctx context.Context, accountID string) ([]*storage.Position, error) {
	return []*storage.Position{s.pos}, nil
}

func (s *fakeStore) UpdateUnrealized(ctx context.Context, tx pgx.Tx, p *storage.Position) error {
	return nil
}

func newMonitor(store *fakeStore) *Monitor {
	exitCfg := config.SmartExitConfig{
		HighProfitTrailTrigger:    3.0,
		HighProfitTrailRetrace:    0.5,
		MidProfitTrailTrigger:     1.0,
		MidProfitTrailRetrace:     0.4,
		QuickCloseProfitPct:       1.0,
		QuickCloseAgeFraction:     0.6,
		BreakEvenProfitTouchedPct: 0.3,
		BreakEvenLowPct:           -0.5,
		BreakEvenHighPct:          0.2,
		ExtensionMinutes:          30,
	}
	return New("acct-1", nil, store, pricing.Linear{}, nil, nil, exitCfg, config.AdaptiveSideConfig{MinHoldingMinutes: 5}, config.AdaptiveSideConfig{MinHoldingMinutes: 5}, testLogger())
}

func basePosition() *storage.Position {
	now := time.Now().UTC()
	return &storage.Position{
		ID:               "pos-1",
		AccountID:        "acct-1",
		Symbol:           "BTCUSDT",
		Side:             storage.SideLong,
		Status:           storage.PositionOpen,
		AvgEntryPrice:    dec(100),
		Quantity:         dec(1),
		StopLossPrice:    dec(95),
		TakeProfitPrice:  dec(110),
		EntrySignalTime:  now.Add(-10 * time.Minute),
		OpenTime:         now.Add(-10 * time.Minute),
		PlannedCloseTime: now.Add(230 * time.Minute),
	}
}

func TestDecide_TakeProfitCrossed(t *testing.T) {
	m := newMonitor(&fakeStore{})
	pos := basePosition()
	reason, close := m.decide(pos, dec(111), 11, 10*time.Minute, 240*time.Minute, config.AdaptiveSideConfig{})
	if !close || reason != storage.CloseReasonTakeProfit {
		t.Fatalf("expected take profit close, got reason=%q close=%v", reason, close)
	}
}

func TestDecide_StopLossRequiresMinHolding(t *testing.T) {
	m := newMonitor(&fakeStore{})
	pos := basePosition()
	adaptive := config.AdaptiveSideConfig{MinHoldingMinutes: 30}
	_, close := m.decide(pos, dec(94), -6, 5*time.Minute, 240*time.Minute, adaptive)
	if close {
		t.Fatalf("expected stop loss to wait for min holding time")
	}
	reason, close := m.decide(pos, dec(94), -6, 31*time.Minute, 240*time.Minute, adaptive)
	if !close || reason != storage.CloseReasonStopLoss {
		t.Fatalf("expected stop loss close after min holding elapsed, got reason=%q close=%v", reason, close)
	}
}

func TestDecide_HighProfitTrailingRetraces(t *testing.T) {
	m := newMonitor(&fakeStore{})
	pos := basePosition()
	pos.MaxProfitPct = 4.0
	reason, close := m.decide(pos, dec(103.4), 3.4, 20*time.Minute, 240*time.Minute, config.AdaptiveSideConfig{})
	if !close || reason != storage.CloseReasonHighProfitTrail {
		t.Fatalf("expected high-profit trail close, got reason=%q close=%v", reason, close)
	}
}

func TestDecide_StagedTimeoutAtOneHour(t *testing.T) {
	m := newMonitor(&fakeStore{})
	pos := basePosition()
	reason, close := m.decide(pos, dec(97.4), -2.6, 65*time.Minute, 240*time.Minute, config.AdaptiveSideConfig{})
	if !close || reason != storage.CloseReasonStagedTimeout1h {
		t.Fatalf("expected 1h staged timeout close, got reason=%q close=%v", reason, close)
	}
}

func TestDecide_ExtendsOnceThenForceCloses(t *testing.T) {
	m := newMonitor(&fakeStore{})
	pos := basePosition()
	pos.PlannedCloseTime = time.Now().UTC().Add(-time.Minute)
	reason, close := m.decide(pos, dec(100), 0, 241*time.Minute, 241*time.Minute, config.AdaptiveSideConfig{})
	if close {
		t.Fatalf("expected the first expiry to extend rather than close")
	}
	if !pos.ExtendedOnce {
		t.Fatalf("expected ExtendedOnce to be set after the first expiry")
	}

	pos.PlannedCloseTime = time.Now().UTC().Add(-time.Minute)
	reason, close = m.decide(pos, dec(100), 0, 272*time.Minute, 272*time.Minute, config.AdaptiveSideConfig{})
	if !close || reason != storage.CloseReasonPlannedTimeout {
		t.Fatalf("expected a force close on the second expiry, got reason=%q close=%v", reason, close)
	}
}

func TestEvaluate_ClosePersistsAndStopsMonitor(t *testing.T) {
	store := &fakeStore{}
	pos := basePosition()
	store.pos = pos
	m := newMonitor(store)

	closed := m.evaluate(context.Background(), pos, dec(111), testLogger())
	if !closed {
		t.Fatalf("expected evaluate to report the position closed")
	}
	if store.closeHits != 1 {
		t.Fatalf("expected Close to be called once, got %d", store.closeHits)
	}
	if pos.Status != storage.PositionClosed {
		t.Fatalf("expected status closed, got %s", pos.Status)
	}
}

func TestSignedPct_ShortInvertsSign(t *testing.T) {
	if pct := signedPct(storage.SideShort, dec(100), dec(90)); pct <= 0 {
		t.Fatalf("expected a positive pct for a short on a falling price, got %v", pct)
	}
}

func TestClose_SubtractsFeesFromRealizedPnL(t *testing.T) {
	store := &fakeStore{}
	pos := basePosition()
	pos.Fees = dec(0.5)
	store.pos = pos
	m := newMonitor(store)

	if err := m.close(context.Background(), pos, dec(110), storage.CloseReasonTakeProfit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grossPnL := dec(10)
	exitFee := pricing.Linear{}.Fee(dec(110), dec(1))
	wantRealized := grossPnL.Sub(dec(0.5)).Sub(exitFee)
	if !pos.RealizedPnL.Equal(wantRealized) {
		t.Fatalf("expected realized pnl %s (gross - entry fees - exit fee), got %s", wantRealized, pos.RealizedPnL)
	}
	if !pos.Fees.Equal(dec(0.5).Add(exitFee)) {
		t.Fatalf("expected fees to accumulate entry+exit, got %s", pos.Fees)
	}
}

func TestTrackBuilding_CountsTowardRunningIDs(t *testing.T) {
	m := newMonitor(&fakeStore{})
	m.TrackBuilding("staging-1")
	ids := m.RunningIDs()
	if _, ok := ids["staging-1"]; !ok {
		t.Fatalf("expected a tracked building id to appear in RunningIDs, got %v", ids)
	}
	m.UntrackBuilding("staging-1")
	if _, ok := m.RunningIDs()["staging-1"]; ok {
		t.Fatalf("expected UntrackBuilding to remove the id from RunningIDs")
	}
}

func TestStopAll_DoesNotClearBuildingSet(t *testing.T) {
	m := newMonitor(&fakeStore{})
	m.TrackBuilding("staging-1")
	m.StopAll()
	if _, ok := m.RunningIDs()["staging-1"]; !ok {
		t.Fatalf("expected StopAll to leave the building set untouched")
	}
}
