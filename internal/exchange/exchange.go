// Package exchange defines the engine's abstract exchange contract: the
// Market Data Reader (C2) and order-placement operations Entry/Exit use.
// Narrowed from the teacher's internal/binance.FuturesClient interface to
// exactly the operations spec §6 names; a concrete implementation for a
// specific venue lives outside this package and is injected at wiring
// time.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is one of the four candle granularities the engine analyzes.
type Timeframe string

const (
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// FreshnessBound returns the maximum age a timeframe's latest candle may
// have before the symbol is treated as stale (spec §3: 30s grace for 5m,
// 2min for 1h; the engine allows 1min for 15m and 10min for 1d).
func (tf Timeframe) FreshnessBound() time.Duration {
	switch tf {
	case TF5m:
		return 5*time.Minute + 30*time.Second
	case TF15m:
		return 15*time.Minute + time.Minute
	case TF1h:
		return time.Hour + 2*time.Minute
	case TF1d:
		return 24*time.Hour + 10*time.Minute
	default:
		return time.Minute
	}
}

// Candle is one OHLCV bar (spec §3). OpenTime is aligned to the
// timeframe's wall-clock boundary.
type Candle struct {
	Symbol      string
	Timeframe   Timeframe
	OpenTime    time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}

// IsBullish reports whether the candle closed above its open.
func (c Candle) IsBullish() bool { return c.Close.GreaterThan(c.Open) }

// IsBearish reports whether the candle closed below its open.
func (c Candle) IsBearish() bool { return c.Close.LessThan(c.Open) }

// UpperShadowPct returns the upper wick as a percentage of the open
// price, used by the anti-FOMO breakout filters in the scorer.
func (c Candle) UpperShadowPct() float64 {
	if c.Open.IsZero() {
		return 0
	}
	top := c.Open
	if c.Close.GreaterThan(top) {
		top = c.Close
	}
	shadow := c.High.Sub(top)
	if shadow.Sign() <= 0 {
		return 0
	}
	pct, _ := shadow.Div(c.Open).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// OrderSide mirrors storage.Side to keep this package free of a storage
// dependency.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType distinguishes market vs limit placement for the staged entry
// executor's natural-fill vs force-fill paths.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is what Entry/Exit submit to place an order.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for market orders
}

// OrderResult is the exchange's response envelope (spec §6):
// {ok, order_id, filled_price, filled_qty, fee, reason?}.
type OrderResult struct {
	OK          bool
	OrderID     string
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
	Fee         decimal.Decimal
	Reason      string
}

// OrderStatus is the state an in-flight order is polled into after an
// ambiguous network failure, so the caller never double-opens.
type OrderStatus struct {
	OrderID     string
	Filled      bool
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
}

// Exchange is the abstract venue contract. Implementations talk HTTP/WS to
// a specific exchange; the engine only depends on this interface.
type Exchange interface {
	// GetCandles fetches recent candles for symbol/timeframe, most recent last.
	GetCandles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)

	// GetMarkPrice returns the current mark price for symbol.
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetFundingRate returns the current funding rate for symbol.
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)

	// PlaceOrder submits an order and returns the exchange's response
	// envelope. Orders are never auto-retried here on ambiguous failure;
	// callers poll OrderStatusFor instead.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// OrderStatusFor polls the status of a previously submitted order,
	// used to resolve an ambiguous failure (network drop after submit)
	// without double-opening.
	OrderStatusFor(ctx context.Context, symbol, orderID string) (OrderStatus, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Subscribe registers a callback for live mark-price ticks on symbol
	// and returns an unsubscribe function. Implemented on top of the
	// Price Stream in this package.
	Subscribe(symbol string, onTick func(price decimal.Decimal, at time.Time)) (unsubscribe func())
}
