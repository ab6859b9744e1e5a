package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/logging"
)

// TickHandler receives one mark-price update.
type TickHandler func(price decimal.Decimal, at time.Time)

// PriceTick is one symbol's price out of a parsed websocket frame. Venue
// combined-stream payloads (e.g. Binance's markPrice@arr) batch every
// symbol into a single frame, so parseMessage returns a slice rather
// than a single tick.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
}

// PriceStream is the Price Stream component (C3): it subscribes to the
// exchange's mark-price websocket, reconnects with backoff on drop, and
// fans out ticks to whichever exit monitors subscribed for a symbol.
// Grounded on the teacher's internal/binance/user_data_stream.go
// reconnect-loop + callback-dispatch + keepalive idiom, generalized from
// user-account events to a plain per-symbol price fan-out.
type PriceStream struct {
	url    string
	logger *logging.Logger

	mu          sync.RWMutex
	subscribers map[string][]subscription
	nextSubID   int
	lastPrice   map[string]decimal.Decimal

	conn   *websocket.Conn
	connMu sync.Mutex

	parseMessage func([]byte) []PriceTick
	buildSubscribeFrame func(symbols []string) interface{}
}

type subscription struct {
	id      int
	handler TickHandler
}

// NewPriceStream builds a stream against wsURL. parseMessage decodes one
// raw websocket frame into every (symbol, price) tick it carries — a
// combined multi-symbol frame yields more than one; buildSubscribeFrame
// builds the venue-specific subscribe payload for a set of symbols. Both
// are venue-specific and supplied by the concrete Exchange implementation
// so this package stays protocol-agnostic.
func NewPriceStream(wsURL string, parseMessage func([]byte) []PriceTick, buildSubscribeFrame func([]string) interface{}) *PriceStream {
	return &PriceStream{
		url:                 wsURL,
		logger:              logging.WithComponent("price_stream"),
		subscribers:         make(map[string][]subscription),
		lastPrice:           make(map[string]decimal.Decimal),
		parseMessage:        parseMessage,
		buildSubscribeFrame: buildSubscribeFrame,
	}
}

// Subscribe registers onTick for symbol and returns an unsubscribe func.
func (s *PriceStream) Subscribe(symbol string, onTick TickHandler) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[symbol] = append(s.subscribers[symbol], subscription{id: id, handler: onTick})
	s.mu.Unlock()

	s.resubscribeSymbols()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[symbol]
		for i, sub := range subs {
			if sub.id == id {
				s.subscribers[symbol] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subscribers[symbol]) == 0 {
			delete(s.subscribers, symbol)
		}
	}
}

// LastPrice returns the last tick seen for symbol, used by the 10s tick
// watchdog to re-evaluate exit rules even when the stream is quiet.
func (s *PriceStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lastPrice[symbol]
	return p, ok
}

// Run connects and processes frames until ctx is cancelled, reconnecting
// with backoff on any drop.
func (s *PriceStream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil {
			s.logger.Warn("price stream disconnected, reconnecting", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *PriceStream) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.resubscribeSymbols()
	s.logger.Info("price stream connected", "url", s.url)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		ticks := s.parseMessage(data)
		if len(ticks) == 0 {
			continue
		}

		now := time.Now().UTC()
		for _, tick := range ticks {
			s.mu.Lock()
			s.lastPrice[tick.Symbol] = tick.Price
			handlers := append([]subscription(nil), s.subscribers[tick.Symbol]...)
			s.mu.Unlock()

			for _, sub := range handlers {
				go sub.handler(tick.Price, now)
			}
		}
	}
}

// resubscribeSymbols sends a fresh subscribe frame listing every symbol
// currently wanted, tolerating a not-yet-connected socket (the frame is
// sent again once connectAndRead establishes the connection).
func (s *PriceStream) resubscribeSymbols() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	s.mu.RLock()
	symbols := make([]string, 0, len(s.subscribers))
	for sym := range s.subscribers {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	if len(symbols) == 0 {
		return
	}

	frame := s.buildSubscribeFrame(symbols)
	if err := conn.WriteJSON(frame); err != nil {
		s.logger.Warn("resubscribe write failed", "error", err)
	}
}
