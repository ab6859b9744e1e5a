// Package pricing isolates the one place linear (USDT-margined) and
// inverse (coin-margined) futures accounting differ: the pnl formula
// (spec §9, "PnL for inverse futures" — keep this behind a per-account
// strategy so the Scorer, Entry, and Exit do not need conditional
// branches). Grounded on the teacher's internal/binance/futures_interface.go
// split between USDM and COINM client variants, collapsed here into one
// small interface instead of two parallel client implementations.
package pricing

import (
	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/storage"
)

// Strategy computes realized/unrealized pnl for one account's margin
// mode. Stateless and side-effect-free.
type Strategy interface {
	// PnL returns the signed profit or loss in the account's margin
	// currency for a qty-sized position moving from entry to exit. Does
	// not include fees; callers subtract those separately (spec §4.4:
	// realized_pnl = pnl - fees).
	PnL(side storage.Side, entry, exit, qty decimal.Decimal) decimal.Decimal

	// Notional returns the position's notional value at a given price,
	// used for margin sizing and equity reporting.
	Notional(price, qty decimal.Decimal) decimal.Decimal

	// QuantityForNotional inverts Notional: given a target notional
	// value and a reference price, returns the quantity the Entry
	// Executor should submit for its next batch.
	QuantityForNotional(price, notional decimal.Decimal) decimal.Decimal

	// Fee estimates the taker commission charged on a fill of qty at
	// price, in the same currency as Notional.
	Fee(price, qty decimal.Decimal) decimal.Decimal
}

// takerFeeRate is the simulated taker commission rate, matching the
// teacher's mock fill simulation (0.04%).
const takerFeeRate = 0.0004

func sideSign(side storage.Side) decimal.Decimal {
	if side == storage.SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Linear is USDT-margined futures: pnl and margin are denominated in
// the quote currency.
type Linear struct{}

// PnL computes (close - avg_entry) x qty x side_sign.
func (Linear) PnL(side storage.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(sideSign(side))
}

// Notional is price x qty in the quote currency.
func (Linear) Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// QuantityForNotional is notional / price.
func (Linear) QuantityForNotional(price, notional decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return notional.Div(price)
}

// Fee is the notional value times the taker fee rate.
func (l Linear) Fee(price, qty decimal.Decimal) decimal.Decimal {
	return l.Notional(price, qty).Mul(decimal.NewFromFloat(takerFeeRate))
}

// Inverse is coin-margined futures: quantity is in contracts, margin
// and pnl are in the base coin.
type Inverse struct{}

// PnL computes qty x (1/avg_entry - 1/close) x side_sign (spec §9).
func (Inverse) PnL(side storage.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if entry.IsZero() || exit.IsZero() {
		return decimal.Zero
	}
	invEntry := decimal.NewFromInt(1).Div(entry)
	invExit := decimal.NewFromInt(1).Div(exit)
	return qty.Mul(invEntry.Sub(invExit)).Mul(sideSign(side))
}

// Notional for inverse contracts is qty / price, expressed in the base
// coin.
func (Inverse) Notional(price, qty decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return qty.Div(price)
}

// QuantityForNotional is notional x price: inverting Notional's qty/price.
func (Inverse) QuantityForNotional(price, notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(price)
}

// Fee is the notional value (in the base coin) times the taker fee rate.
func (i Inverse) Fee(price, qty decimal.Decimal) decimal.Decimal {
	return i.Notional(price, qty).Mul(decimal.NewFromFloat(takerFeeRate))
}

// For reports whether margin mode is linear or inverse and returns the
// matching Strategy.
func For(linear bool) Strategy {
	if linear {
		return Linear{}
	}
	return Inverse{}
}
