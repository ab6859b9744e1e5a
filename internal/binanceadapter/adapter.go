// Package binanceadapter is the concrete exchange.Exchange implementation
// (spec §6) for Binance USDT-M and COIN-M perpetual futures. It wraps the
// teacher's internal/binance.FuturesClient — a synchronous, float64-typed
// REST surface — translating every call into this engine's context-aware,
// decimal.Decimal-typed contract, and layers internal/exchange.PriceStream
// on top of the venue's mark-price websocket for Subscribe.
package binanceadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/binance"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/logging"
)

// markPriceStreamPath is the path of Binance's combined mark-price-all-symbols stream,
// pushed once per second; concrete base URLs differ between USDT-M and
// COIN-M, so the caller supplies wsBaseURL at construction time.
const markPriceStreamPath = "/stream?streams=!markPrice@arr@1s"

// takerFeeRate estimates the commission on a fill: Binance's order
// response carries no commission field (that's only available per-trade
// via the account trade history), so this mirrors the simulated taker
// rate the engine's pricing package uses for the virtual exit fill
// (0.04%).
const takerFeeRate = 0.0004

// intervalFor maps the engine's four timeframes onto Binance's kline
// interval strings.
func intervalFor(tf exchange.Timeframe) string {
	switch tf {
	case exchange.TF5m:
		return "5m"
	case exchange.TF15m:
		return "15m"
	case exchange.TF1h:
		return "1h"
	case exchange.TF1d:
		return "1d"
	default:
		return "5m"
	}
}

// Client adapts binance.FuturesClient plus an exchange.PriceStream into
// the engine's exchange.Exchange contract.
type Client struct {
	futures binance.FuturesClient
	stream  *exchange.PriceStream
	limiter *exchange.RateLimiter
	logger  *logging.Logger
}

// New builds a Client for one account's credentials. wsBaseURL is the
// venue's websocket origin (e.g. "wss://fstream.binance.com" for USDT-M,
// the COIN-M equivalent for inverse accounts).
func New(apiKey, apiSecret string, testnet bool, wsBaseURL string, logger *logging.Logger) *Client {
	futures := binance.NewFuturesClient(apiKey, apiSecret, testnet)
	stream := exchange.NewPriceStream(wsBaseURL+markPriceStreamPath, parseMarkPriceFrame, buildSubscribeFrame)
	return &Client{
		futures: futures,
		stream:  stream,
		limiter: exchange.NewRateLimiter(exchange.DefaultLimits),
		logger:  logger.WithComponent("binanceadapter"),
	}
}

// Run starts the underlying price stream; callers launch it alongside
// the Scanner/Exit Monitor goroutines and let ctx cancellation stop it.
func (c *Client) Run(ctx context.Context) {
	c.stream.Run(ctx)
}

// GetCandles fetches klines and converts them to exchange.Candle,
// oldest first (Binance already returns them in that order).
func (c *Client) GetCandles(ctx context.Context, symbol string, tf exchange.Timeframe, limit int) ([]exchange.Candle, error) {
	if err := c.limiter.Wait(ctx, exchange.EndpointMarketData); err != nil {
		return nil, err
	}
	klines, err := c.futures.GetFuturesKlines(symbol, intervalFor(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("get klines %s/%s: %w", symbol, tf, err)
	}
	out := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, exchange.Candle{
			Symbol:      symbol,
			Timeframe:   tf,
			OpenTime:    time.UnixMilli(k.OpenTime).UTC(),
			Open:        decimal.NewFromFloat(k.Open),
			High:        decimal.NewFromFloat(k.High),
			Low:         decimal.NewFromFloat(k.Low),
			Close:       decimal.NewFromFloat(k.Close),
			Volume:      decimal.NewFromFloat(k.Volume),
			QuoteVolume: decimal.NewFromFloat(k.QuoteAssetVolume),
		})
	}
	return out, nil
}

// GetMarkPrice returns the venue's current mark price.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if last, ok := c.stream.LastPrice(symbol); ok {
		return last, nil
	}
	if err := c.limiter.Wait(ctx, exchange.EndpointMarketData); err != nil {
		return decimal.Zero, err
	}
	mp, err := c.futures.GetMarkPrice(symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(mp.MarkPrice), nil
}

// GetFundingRate returns the venue's current funding rate.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx, exchange.EndpointMarketData); err != nil {
		return decimal.Zero, err
	}
	fr, err := c.futures.GetFundingRate(symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get funding rate %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(fr.FundingRate), nil
}

// PlaceOrder submits a market or limit order and normalizes the venue's
// response into the engine's OrderResult envelope.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := c.limiter.Wait(ctx, exchange.EndpointOrder); err != nil {
		return exchange.OrderResult{}, err
	}

	qty, _ := req.Quantity.Float64()
	price, _ := req.Price.Float64()

	params := binance.FuturesOrderParams{
		Symbol:       req.Symbol,
		Side:         string(req.Side),
		PositionSide: binance.PositionSideBoth,
		Type:         orderTypeFor(req.Type),
		Quantity:     qty,
	}
	if req.Type == exchange.OrderTypeLimit {
		params.Price = price
		params.TimeInForce = binance.TimeInForceGTC
	}

	resp, err := c.futures.PlaceFuturesOrder(params)
	if err != nil {
		return exchange.OrderResult{OK: false, Reason: err.Error()}, nil
	}

	filledPrice := decimal.NewFromFloat(resp.AvgPrice)
	filledQty := decimal.NewFromFloat(resp.ExecutedQty)

	return exchange.OrderResult{
		OK:          true,
		OrderID:     strconv.FormatInt(resp.OrderId, 10),
		FilledPrice: filledPrice,
		FilledQty:   filledQty,
		Fee:         filledPrice.Mul(filledQty).Mul(decimal.NewFromFloat(takerFeeRate)),
	}, nil
}

// OrderStatusFor polls a previously submitted order's fill state.
func (c *Client) OrderStatusFor(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	if err := c.limiter.Wait(ctx, exchange.EndpointAccount); err != nil {
		return exchange.OrderStatus{}, err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.OrderStatus{}, fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	order, err := c.futures.GetOrder(symbol, id)
	if err != nil {
		return exchange.OrderStatus{}, fmt.Errorf("get order %s/%s: %w", symbol, orderID, err)
	}
	return exchange.OrderStatus{
		OrderID:     orderID,
		Filled:      order.Status == "FILLED",
		FilledPrice: decimal.NewFromFloat(order.AvgPrice),
		FilledQty:   decimal.NewFromFloat(order.ExecutedQty),
	}, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.limiter.Wait(ctx, exchange.EndpointOrder); err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	if err := c.futures.CancelFuturesOrder(symbol, id); err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// Subscribe delegates to the underlying price stream.
func (c *Client) Subscribe(symbol string, onTick func(price decimal.Decimal, at time.Time)) func() {
	return c.stream.Subscribe(symbol, onTick)
}

func orderTypeFor(t exchange.OrderType) binance.FuturesOrderType {
	if t == exchange.OrderTypeLimit {
		return binance.FuturesOrderTypeLimit
	}
	return binance.FuturesOrderTypeMarket
}

// markPriceFrame is the shape of one element of Binance's combined
// !markPrice@arr@1s stream payload.
type markPriceFrame struct {
	Stream string `json:"stream"`
	Data   []struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

// parseMarkPriceFrame decodes one websocket frame, returning every
// symbol/price pair it carries. The combined stream batches every
// tracked symbol into one payload per tick, so a caller that only reads
// Data[0] would dispatch ticks for a single symbol and starve every
// other open position's exit monitor onto the 10s REST watchdog. A
// single malformed entry is skipped rather than discarding the frame.
func parseMarkPriceFrame(raw []byte) []exchange.PriceTick {
	var frame markPriceFrame
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Data) == 0 {
		return nil
	}
	ticks := make([]exchange.PriceTick, 0, len(frame.Data))
	for _, d := range frame.Data {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			continue
		}
		ticks = append(ticks, exchange.PriceTick{Symbol: d.Symbol, Price: price})
	}
	return ticks
}

// buildSubscribeFrame is unused for the combined-stream URL (it already
// carries every symbol); Binance's combined stream needs no follow-up
// subscribe message, so this returns a harmless no-op ping frame.
func buildSubscribeFrame(symbols []string) interface{} {
	return map[string]interface{}{"method": "LIST_SUBSCRIPTIONS", "id": 1}
}
