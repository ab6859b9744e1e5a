package entry

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/engineerr"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/storage"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fakeExchange implements exchange.Exchange with scripted responses;
// only the methods the executor actually calls do anything useful.
type fakeExchange struct {
	markPrice   decimal.Decimal
	markErr     error
	candles     []exchange.Candle
	candlesErr  error
	orderResult exchange.OrderResult
	orderErr    error
	orderCalls  int
	failFirstN  int
}

func (f *fakeExchange) GetCandles(ctx context.Context, symbol string, tf exchange.Timeframe, limit int) ([]exchange.Candle, error) {
	return f.candles, f.candlesErr
}
func (f *fakeExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.markPrice, f.markErr
}
func (f *fakeExchange) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.orderCalls++
	if f.orderCalls <= f.failFirstN {
		return exchange.OrderResult{OK: false, Reason: "rejected"}, nil
	}
	return f.orderResult, f.orderErr
}
func (f *fakeExchange) OrderStatusFor(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatus{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) Subscribe(symbol string, onTick func(decimal.Decimal, time.Time)) func() {
	return func() {}
}

// fakePositionStore implements PositionStore in memory, standing in for
// the row-locked Postgres repository in tests.
type fakePositionStore struct {
	pos            *storage.Position
	markFailedHits int
}

func (s *fakePositionStore) CreateBuilding(ctx context.Context, p *storage.Position) error {
	cp := *p
	s.pos = &cp
	return nil
}

func (s *fakePositionStore) WithPositionLock(ctx context.Context, id string, fn func(tx pgx.Tx, p *storage.Position) error) error {
	cp := *s.pos
	if err := fn(nil, &cp); err != nil {
		return err
	}
	s.pos = &cp
	return nil
}

func (s *fakePositionStore) UpdateFill(ctx context.Context, tx pgx.Tx, p *storage.Position) error {
	return nil
}

func (s *fakePositionStore) MarkEntryFailed(ctx context.Context, id string) error {
	s.markFailedHits++
	return nil
}

func testExecutorLogger() *logging.Logger { return logging.Default() }

func TestSplitQuantity_MatchesRatios(t *testing.T) {
	qtys := splitQuantity(dec(10), []float64{0.3, 0.3, 0.4})
	want := []float64{3, 3, 4}
	for i, w := range want {
		got, _ := qtys[i].Float64()
		if got < w-0.0001 || got > w+0.0001 {
			t.Fatalf("batch %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestAdverseMoveBreached_LongDropsTwoPercent(t *testing.T) {
	if !adverseMoveBreached(storage.SideLong, dec(100), dec(97.9)) {
		t.Fatalf("expected a 2.1%% drop to breach the long guard")
	}
	if adverseMoveBreached(storage.SideLong, dec(100), dec(99)) {
		t.Fatalf("expected a 1%% drop not to breach the long guard")
	}
}

func TestAdverseMoveBreached_ShortRisesTwoPercent(t *testing.T) {
	if !adverseMoveBreached(storage.SideShort, dec(100), dec(102.1)) {
		t.Fatalf("expected a 2.1%% rise to breach the short guard")
	}
}

func sampledSampler(prices ...float64) *rollingSampler {
	s := newRollingSampler()
	base := time.Now()
	for i, p := range prices {
		s.Add(dec(p), base.Add(time.Duration(i)*time.Second))
	}
	return s
}

func TestBatch1Favorable_LongRequiresLowPercentile(t *testing.T) {
	s := sampledSampler(90, 92, 94, 96, 98, 100, 102, 104, 106, 108)
	if !batch1Favorable(storage.SideLong, s, dec(92)) {
		t.Fatalf("expected a low price to be favorable for a long batch 1")
	}
	if batch1Favorable(storage.SideLong, s, dec(107)) {
		t.Fatalf("expected a high price not to be favorable for a long batch 1")
	}
}

func TestBatch1Favorable_ShortRequiresHighPercentile(t *testing.T) {
	s := sampledSampler(90, 92, 94, 96, 98, 100, 102, 104, 106, 108)
	if !batch1Favorable(storage.SideShort, s, dec(107)) {
		t.Fatalf("expected a high price to be favorable for a short batch 1")
	}
}

func TestBatch2Favorable_LongWithinBounds(t *testing.T) {
	s := sampledSampler(90, 92, 94, 96, 98, 100, 102, 104, 106, 108)
	avgEntry := dec(95)
	if !batch2Favorable(storage.SideLong, avgEntry, s, dec(95)) {
		t.Fatalf("expected a price near avg entry and below p40 to be favorable")
	}
	if batch2Favorable(storage.SideLong, avgEntry, s, dec(70)) {
		t.Fatalf("expected a price far below avg entry's lower bound to be rejected")
	}
}

func TestBatch3Favorable_LongWithinMidRange(t *testing.T) {
	s := sampledSampler(90, 92, 94, 96, 98, 100, 102, 104, 106, 108)
	if !batch3Favorable(storage.SideLong, s, dec(96)) {
		t.Fatalf("expected a mid-range price to be favorable for batch 3")
	}
	if batch3Favorable(storage.SideLong, s, dec(108)) {
		t.Fatalf("expected the top of the range not to be favorable for batch 3")
	}
}

func TestPullbackConfirmed_FailOpenOnFetchError(t *testing.T) {
	ex := &Executor{exchange: &fakeExchange{candlesErr: context.DeadlineExceeded}, logger: testExecutorLogger()}
	if !ex.pullbackConfirmed(context.Background(), "BTCUSDT", storage.SideLong) {
		t.Fatalf("expected a candle-fetch error to fail open")
	}
}

func TestPullbackConfirmed_DetectsBearishAgainstLong(t *testing.T) {
	candles := []exchange.Candle{{Open: dec(100), Close: dec(98)}}
	ex := &Executor{exchange: &fakeExchange{candles: candles}, logger: testExecutorLogger()}
	if !ex.pullbackConfirmed(context.Background(), "BTCUSDT", storage.SideLong) {
		t.Fatalf("expected a bearish candle to confirm a pullback against a long")
	}
}

func TestPullbackConfirmed_NoConfirmationWhenTrendContinues(t *testing.T) {
	candles := []exchange.Candle{{Open: dec(100), Close: dec(102)}}
	ex := &Executor{exchange: &fakeExchange{candles: candles}, logger: testExecutorLogger()}
	if ex.pullbackConfirmed(context.Background(), "BTCUSDT", storage.SideLong) {
		t.Fatalf("expected a bullish candle not to confirm a pullback against a long")
	}
}

func basePosition() *storage.Position {
	return &storage.Position{
		ID:        "pos-1",
		AccountID: "acct-1",
		Symbol:    "BTCUSDT",
		Side:      storage.SideLong,
		Status:    storage.PositionBuilding,
		BatchPlan: []float64{0.3, 0.3, 0.4},
	}
}

func TestFillBatch_SuccessUpdatesWeightedAverage(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	store.pos = pos
	ex := &Executor{
		exchange: &fakeExchange{orderResult: exchange.OrderResult{OK: true, FilledPrice: dec(100), FilledQty: dec(3)}},
		positions: store,
		logger:    testExecutorLogger(),
	}

	if err := ex.fillBatch(context.Background(), pos, 0, dec(3), dec(100), false, testExecutorLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.AvgEntryPrice.Equal(dec(100)) {
		t.Fatalf("expected avg entry price 100 after the first fill, got %s", pos.AvgEntryPrice)
	}
	if pos.Status != storage.PositionBuilding {
		t.Fatalf("expected status to remain building after batch 1 of 3, got %s", pos.Status)
	}

	store.pos = pos
	ex.exchange = &fakeExchange{orderResult: exchange.OrderResult{OK: true, FilledPrice: dec(110), FilledQty: dec(4)}}
	if err := ex.fillBatch(context.Background(), pos, 2, dec(4), dec(110), false, testExecutorLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Status != storage.PositionOpen {
		t.Fatalf("expected status open after the final batch, got %s", pos.Status)
	}
	wantAvg := dec(100).Mul(dec(3)).Add(dec(110).Mul(dec(4))).Div(dec(7))
	if !pos.AvgEntryPrice.Equal(wantAvg) {
		t.Fatalf("expected weighted avg entry %s, got %s", wantAvg, pos.AvgEntryPrice)
	}
}

func TestFillBatch_AccumulatesFeesAcrossBatches(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	store.pos = pos
	ex := &Executor{
		exchange:  &fakeExchange{orderResult: exchange.OrderResult{OK: true, FilledPrice: dec(100), FilledQty: dec(3), Fee: dec(0.12)}},
		positions: store,
		logger:    testExecutorLogger(),
	}
	if err := ex.fillBatch(context.Background(), pos, 0, dec(3), dec(100), false, testExecutorLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.pos = pos
	ex.exchange = &fakeExchange{orderResult: exchange.OrderResult{OK: true, FilledPrice: dec(110), FilledQty: dec(4), Fee: dec(0.18)}}
	if err := ex.fillBatch(context.Background(), pos, 1, dec(4), dec(110), false, testExecutorLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.Fees.Equal(dec(0.30)) {
		t.Fatalf("expected fees to accumulate to 0.30 across batches, got %s", pos.Fees)
	}
}

func TestFillBatch_MarketFallbackAfterLimitRejection(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	store.pos = pos
	fake := &fakeExchange{failFirstN: 3, orderResult: exchange.OrderResult{OK: true, FilledPrice: dec(101), FilledQty: dec(3)}}
	ex := &Executor{exchange: fake, positions: store, logger: testExecutorLogger()}

	if err := ex.fillBatch(context.Background(), pos, 0, dec(3), dec(100), false, testExecutorLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.orderCalls != 4 {
		t.Fatalf("expected three limit attempts then one market fallback call, got %d calls", fake.orderCalls)
	}
}

func TestFillBatch_TotalFailureMarksEntryFailed(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	store.pos = pos
	fake := &fakeExchange{failFirstN: 100}
	ex := &Executor{exchange: fake, positions: store, logger: testExecutorLogger()}

	err := ex.fillBatch(context.Background(), pos, 0, dec(3), dec(100), false, testExecutorLogger())
	if err != engineerr.ErrEntryFailed {
		t.Fatalf("expected ErrEntryFailed, got %v", err)
	}
	if store.markFailedHits != 1 {
		t.Fatalf("expected MarkEntryFailed to be called once, got %d", store.markFailedHits)
	}
}

func TestRecomputeTPSL_UsesRiskParamsWhenPresent(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	pos.AvgEntryPrice = dec(100)
	store.pos = pos
	ex := &Executor{positions: store, logger: testExecutorLogger()}

	risk := storage.SymbolRiskParams{LongTPPct: 2, LongSLPct: 1}
	if err := ex.recomputeTPSL(context.Background(), pos, risk, true, config.AdaptiveSideConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.TakeProfitPrice.Equal(dec(102)) {
		t.Fatalf("expected take profit 102, got %s", pos.TakeProfitPrice)
	}
	if !pos.StopLossPrice.Equal(dec(99)) {
		t.Fatalf("expected stop loss 99, got %s", pos.StopLossPrice)
	}
}

func TestRecomputeTPSL_FallsBackToAdaptiveDefaults(t *testing.T) {
	store := &fakePositionStore{}
	pos := basePosition()
	pos.Side = storage.SideShort
	pos.AvgEntryPrice = dec(100)
	store.pos = pos
	ex := &Executor{positions: store, logger: testExecutorLogger()}

	if err := ex.recomputeTPSL(context.Background(), pos, storage.SymbolRiskParams{}, false, config.AdaptiveSideConfig{TakeProfitPct: 3, StopLossPct: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.TakeProfitPrice.Equal(dec(97)) {
		t.Fatalf("expected a short take profit below entry at 97, got %s", pos.TakeProfitPrice)
	}
	if !pos.StopLossPrice.Equal(dec(102)) {
		t.Fatalf("expected a short stop loss above entry at 102, got %s", pos.StopLossPrice)
	}
}
