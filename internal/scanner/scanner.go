// Package scanner implements the Scanner Loop (C10): the per-account
// task that periodically iterates the configured symbol universe,
// pulling candles from the Market Data Reader (C2), asking the Signal
// Scorer (C5) for a verdict, running the Admission Filter (C6), and
// handing accepted opportunities to the Staged Entry Executor (C7) —
// which, once a position reaches "open", is registered with the Exit
// Monitor (C8). Generalized from the teacher's internal/scanner package
// (a worker-pool-per-scan ProximityEvaluator sweep over a fixed strategy
// catalog) narrowed to the fixed scorer→admission→entry pipeline this
// engine runs instead of a pluggable strategy list, keeping the same
// ticker-driven loop plus bounded-concurrency worker-pool shape.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/admission"
	"perpfutures-engine/internal/config"
	"perpfutures-engine/internal/configstore"
	"perpfutures-engine/internal/entry"
	"perpfutures-engine/internal/exchange"
	"perpfutures-engine/internal/exitmonitor"
	"perpfutures-engine/internal/logging"
	"perpfutures-engine/internal/scoring"
	"perpfutures-engine/internal/storage"
)

// maxConcurrentSymbolFetches bounds how many symbols are evaluated at
// once within a single scan iteration (spec §5: "moderate parallelism
// within the iteration is allowed — up to ~8 concurrent candle
// fetches").
const maxConcurrentSymbolFetches = 8

// candleLookback is how many candles are requested per timeframe; wide
// enough to cover the scorer's longest lookback (72h of 1h candles).
var candleLookback = map[exchange.Timeframe]int{
	exchange.TF5m:  20,
	exchange.TF15m: 30,
	exchange.TF1h:  72,
	exchange.TF1d:  30,
}

// Notifier is the fan-out notification sink; satisfied by
// *notification.Manager.
type Notifier interface {
	SendTradeOpen(symbol, side string, price, quantity float64) error
}

// EventPublisher is the event bus sink; satisfied by *events.EventBus.
type EventPublisher interface {
	PublishTradeOpened(symbol, side string, entryPrice, quantity float64)
	PublishError(source, message string, err error)
}

// Scanner owns one account's scan loop.
type Scanner struct {
	accountID string
	symbols   []string

	exchange    exchange.Exchange
	scorer      *scoring.Scorer
	admission   *admission.Filter
	entry       *entry.Executor
	exitMonitor *exitmonitor.Monitor
	configStore *configstore.Store
	positions   *storage.PositionRepository
	notifier    Notifier
	events      EventPublisher
	logger      *logging.Logger

	scanInterval     time.Duration
	positionMargin   decimal.Decimal
	leverage         int
	maxOpenPositions int
}

// New builds a Scanner for one account.
func New(
	accountID string,
	symbols []string,
	ex exchange.Exchange,
	scorer *scoring.Scorer,
	admissionFilter *admission.Filter,
	executor *entry.Executor,
	monitor *exitmonitor.Monitor,
	configStore *configstore.Store,
	positions *storage.PositionRepository,
	notifier Notifier,
	events EventPublisher,
	acct config.AccountConfig,
	logger *logging.Logger,
) *Scanner {
	interval := time.Duration(acct.ScanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	maxOpen := acct.MaxOpenPositions
	if maxOpen <= 0 {
		maxOpen = 50
	}

	margin := decimal.Zero
	if acct.PositionSize != "" {
		if d, err := decimal.NewFromString(acct.PositionSize); err == nil {
			margin = d
		}
	}
	leverage := acct.Leverage
	if leverage <= 0 {
		leverage = 5
	}
	// acct.PositionSize is the target *notional* (spec §6); the Entry
	// Executor derives notional = margin x leverage internally, so the
	// margin handed to it is the notional divided back out by leverage.
	if leverage > 0 {
		margin = margin.Div(decimal.NewFromInt(int64(leverage)))
	}

	return &Scanner{
		accountID:        accountID,
		symbols:          symbols,
		exchange:         ex,
		scorer:           scorer,
		admission:        admissionFilter,
		entry:            executor,
		exitMonitor:      monitor,
		configStore:      configStore,
		positions:        positions,
		notifier:         notifier,
		events:           events,
		logger:           logger.WithComponent("scanner").WithAccount(accountID),
		scanInterval:     interval,
		positionMargin:   margin,
		leverage:         leverage,
		maxOpenPositions: maxOpen,
	}
}

// Run blocks, scanning every scanInterval until ctx is cancelled. The
// first scan fires immediately rather than waiting a full interval.
func (s *Scanner) Run(ctx context.Context) {
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce runs one full pass over the symbol universe. Symbols are
// evaluated with bounded concurrency; each scan takes one Config Store
// snapshot reference up front and uses it for the whole iteration (spec
// §5/§9 read-copy-update: "in-flight scans continue on their snapshot,
// stale by at most one cycle").
func (s *Scanner) scanOnce(ctx context.Context) {
	start := time.Now()
	snapshot := s.configStore.Snapshot()

	sem := make(chan struct{}, maxConcurrentSymbolFetches)
	var wg sync.WaitGroup
	for _, symbol := range s.symbols {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sym string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.scanSymbol(ctx, sym, snapshot)
		}(symbol)
	}
	wg.Wait()

	s.logger.Debug("scan cycle complete", "symbols", len(s.symbols), "duration", time.Since(start))
}

// scanSymbol runs the C5->C6->C7 pipeline for a single symbol. Every
// error is logged and skipped — one symbol's failure must not abort the
// rest of the cycle (spec §7: scanner-loop failures are only fatal after
// three consecutive whole-loop failures, never for a single symbol).
func (s *Scanner) scanSymbol(ctx context.Context, symbol string, snapshot *configstore.Snapshot) {
	log := s.logger.WithSymbol(symbol)

	candles, freshness, err := s.fetchCandles(ctx, symbol)
	if err != nil {
		log.WithError(err).Debug("candle fetch failed, skipping symbol this cycle")
		return
	}

	price, err := s.exchange.GetMarkPrice(ctx, symbol)
	if err != nil {
		log.WithError(err).Debug("mark price fetch failed, skipping symbol this cycle")
		return
	}

	opp := s.scorer.Evaluate(symbol, candles, price, snapshot)
	if opp == nil {
		return
	}

	decision := s.admission.Evaluate(ctx, s.accountID, opp, freshness, s.maxOpenPositions)
	if !decision.Allowed {
		log.WithField("reason", decision.Reason).Debug("opportunity rejected by admission filter")
		return
	}

	log.WithField("score", opp.Score).WithField("side", string(opp.Side)).Info("opportunity admitted, starting staged entry")
	s.runEntry(ctx, opp, snapshot, log)
}

// runEntry drives the staged entry protocol to completion and, on
// success, registers the resulting position with the Exit Monitor.
// Invoked synchronously within the symbol's own goroutine slot so a
// single in-flight entry does not block other symbols' evaluation, but
// does hold that symbol's concurrency-pool slot for the duration of its
// (bounded, <=30min) entry window.
func (s *Scanner) runEntry(ctx context.Context, opp *scoring.Opportunity, snapshot *configstore.Snapshot, log *logging.Logger) {
	pos, err := s.entry.Run(ctx, opp, s.positionMargin, s.leverage, snapshot)
	if err != nil {
		log.WithError(err).Warn("staged entry did not complete")
		if s.events != nil {
			s.events.PublishError("entry", fmt.Sprintf("staged entry failed for %s/%s", opp.Symbol, opp.Side), err)
		}
		return
	}

	s.exitMonitor.Register(ctx, pos)

	entryPx, _ := pos.AvgEntryPrice.Float64()
	qty, _ := pos.Quantity.Float64()
	if s.events != nil {
		s.events.PublishTradeOpened(pos.Symbol, string(pos.Side), entryPx, qty)
	}
	if s.notifier != nil {
		go func() {
			if err := s.notifier.SendTradeOpen(pos.Symbol, string(pos.Side), entryPx, qty); err != nil {
				log.WithError(err).Warn("trade-open notification failed")
			}
		}()
	}
	log.WithField("position_id", pos.ID).Info("position opened and registered with exit monitor")
}

// fetchCandles pulls every required timeframe for symbol and builds the
// scorer's CandleSet plus the admission filter's freshness snapshot from
// each timeframe's most recent candle.
func (s *Scanner) fetchCandles(ctx context.Context, symbol string) (scoring.CandleSet, admission.CandleFreshness, error) {
	var candles scoring.CandleSet
	var freshness admission.CandleFreshness

	c5m, err := s.exchange.GetCandles(ctx, symbol, exchange.TF5m, candleLookback[exchange.TF5m])
	if err != nil {
		return candles, freshness, fmt.Errorf("fetch 5m candles: %w", err)
	}
	c15m, err := s.exchange.GetCandles(ctx, symbol, exchange.TF15m, candleLookback[exchange.TF15m])
	if err != nil {
		return candles, freshness, fmt.Errorf("fetch 15m candles: %w", err)
	}
	c1h, err := s.exchange.GetCandles(ctx, symbol, exchange.TF1h, candleLookback[exchange.TF1h])
	if err != nil {
		return candles, freshness, fmt.Errorf("fetch 1h candles: %w", err)
	}
	c1d, err := s.exchange.GetCandles(ctx, symbol, exchange.TF1d, candleLookback[exchange.TF1d])
	if err != nil {
		return candles, freshness, fmt.Errorf("fetch 1d candles: %w", err)
	}

	candles = scoring.CandleSet{C5m: c5m, C15m: c15m, C1h: c1h, C1d: c1d}
	freshness = admission.CandleFreshness{
		C5m:  lastOpenTime(c5m),
		C15m: lastOpenTime(c15m),
		C1h:  lastOpenTime(c1h),
		C1d:  lastOpenTime(c1d),
	}
	return candles, freshness, nil
}

func lastOpenTime(candles []exchange.Candle) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].OpenTime
}
