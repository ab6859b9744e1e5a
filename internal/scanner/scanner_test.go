package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
)

func testLogger() *logging.Logger { return logging.Default() }

type fakeExchange struct {
	candles   map[exchange.Timeframe][]exchange.Candle
	candleErr error
	price     decimal.Decimal
	priceErr  error
}

func (f *fakeExchange) GetCandles(ctx context.Context, symbol string, tf exchange.Timeframe, limit int) ([]exchange.Candle, error) {
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	return f.candles[tf], nil
}

func (f *fakeExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, f.priceErr
}

func (f *fakeExchange) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (f *fakeExchange) OrderStatusFor(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatus{}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeExchange) Subscribe(symbol string, onTick func(price decimal.Decimal, at time.Time)) func() {
	return func() {}
}

func candleAt(offset time.Duration) exchange.Candle {
	return exchange.Candle{
		OpenTime: time.Now().UTC().Add(-offset),
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(101),
		Low:      decimal.NewFromInt(99),
		Close:    decimal.NewFromInt(100),
		Volume:   decimal.NewFromInt(10),
	}
}

func newScannerForFetchTest(ex exchange.Exchange) *Scanner {
	return &Scanner{
		accountID: "acct-1",
		exchange:  ex,
		logger:    testLogger(),
	}
}

func TestFetchCandles_BuildsFreshnessFromLastCandle(t *testing.T) {
	now := time.Now().UTC()
	ex := &fakeExchange{candles: map[exchange.Timeframe][]exchange.Candle{
		exchange.TF5m:  {candleAt(10 * time.Minute), candleAt(time.Minute)},
		exchange.TF15m: {candleAt(time.Minute)},
		exchange.TF1h:  {candleAt(time.Minute)},
		exchange.TF1d:  {candleAt(time.Minute)},
	}}
	s := newScannerForFetchTest(ex)

	candles, freshness, err := s.fetchCandles(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles.C5m) != 2 {
		t.Fatalf("expected 2 5m candles, got %d", len(candles.C5m))
	}
	if now.Sub(freshness.C5m) > 2*time.Minute {
		t.Fatalf("expected freshness to reflect the most recent candle, got %v", freshness.C5m)
	}
}

func TestFetchCandles_PropagatesFetchError(t *testing.T) {
	ex := &fakeExchange{candleErr: errors.New("network down")}
	s := newScannerForFetchTest(ex)

	_, _, err := s.fetchCandles(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatalf("expected an error when candle fetch fails")
	}
}

func TestLastOpenTime_EmptyReturnsZero(t *testing.T) {
	if got := lastOpenTime(nil); !got.IsZero() {
		t.Fatalf("expected zero time for empty candle slice, got %v", got)
	}
}

func TestScanSymbol_SkipsOnPriceError(t *testing.T) {
	ex := &fakeExchange{
		candles: map[exchange.Timeframe][]exchange.Candle{
			exchange.TF5m:  {candleAt(time.Minute)},
			exchange.TF15m: {candleAt(time.Minute)},
			exchange.TF1h:  {candleAt(time.Minute)},
			exchange.TF1d:  {candleAt(time.Minute)},
		},
		priceErr: errors.New("mark price unavailable"),
	}
	s := newScannerForFetchTest(ex)

	// Must not panic even with a nil scorer/admission/entry: the price
	// error short-circuits before any of those are touched.
	s.scanSymbol(context.Background(), "BTCUSDT", nil)
}
