package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/storage"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestLinear_PnL_Long(t *testing.T) {
	p := Linear{}.PnL(storage.SideLong, d(100), d(110), d(2))
	want := d(20)
	if !p.Equal(want) {
		t.Fatalf("expected %s, got %s", want, p)
	}
}

func TestLinear_PnL_Short(t *testing.T) {
	p := Linear{}.PnL(storage.SideShort, d(100), d(110), d(2))
	want := d(-20)
	if !p.Equal(want) {
		t.Fatalf("expected %s, got %s", want, p)
	}
}

func TestInverse_PnL_Long(t *testing.T) {
	p := Inverse{}.PnL(storage.SideLong, d(20000), d(22000), d(1000))
	if !p.IsPositive() {
		t.Fatalf("expected a positive pnl for a long on rising price, got %s", p)
	}
}

func TestInverse_PnL_Short(t *testing.T) {
	p := Inverse{}.PnL(storage.SideShort, d(20000), d(22000), d(1000))
	if !p.IsNegative() {
		t.Fatalf("expected a negative pnl for a short on rising price, got %s", p)
	}
}

func TestLinear_QuantityForNotional_InvertsNotional(t *testing.T) {
	notional := d(1000)
	price := d(50)
	qty := Linear{}.QuantityForNotional(price, notional)
	back := Linear{}.Notional(price, qty)
	if !back.Equal(notional) {
		t.Fatalf("expected QuantityForNotional to invert Notional, got %s back from %s", back, notional)
	}
}

func TestInverse_QuantityForNotional_InvertsNotional(t *testing.T) {
	notional := d(5)
	price := d(20000)
	qty := Inverse{}.QuantityForNotional(price, notional)
	back := Inverse{}.Notional(price, qty)
	if !back.Equal(notional) {
		t.Fatalf("expected QuantityForNotional to invert Notional, got %s back from %s", back, notional)
	}
}

func TestLinear_Fee_IsNotionalTimesRate(t *testing.T) {
	fee := Linear{}.Fee(d(100), d(2))
	want := d(100).Mul(d(2)).Mul(d(takerFeeRate))
	if !fee.Equal(want) {
		t.Fatalf("expected %s, got %s", want, fee)
	}
}

func TestInverse_Fee_IsNotionalTimesRate(t *testing.T) {
	fee := Inverse{}.Fee(d(20000), d(1000))
	want := d(1000).Div(d(20000)).Mul(d(takerFeeRate))
	if !fee.Equal(want) {
		t.Fatalf("expected %s, got %s", want, fee)
	}
}

func TestFor_SelectsStrategy(t *testing.T) {
	if _, ok := For(true).(Linear); !ok {
		t.Fatalf("expected For(true) to return Linear")
	}
	if _, ok := For(false).(Inverse); !ok {
		t.Fatalf("expected For(false) to return Inverse")
	}
}
