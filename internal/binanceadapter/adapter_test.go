package binanceadapter

import (
	"testing"

	"github.com/shopspring/decimal"

	"perpfutures-engine/internal/exchange"
)

func TestParseMarkPriceFrame_DecodesEverySymbol(t *testing.T) {
	raw := []byte(`{"stream":"!markPrice@arr@1s","data":[{"s":"BTCUSDT","p":"65000.50"},{"s":"ETHUSDT","p":"3400.10"}]}`)

	ticks := parseMarkPriceFrame(raw)
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Symbol != "BTCUSDT" || !ticks[0].Price.Equal(decimal.RequireFromString("65000.50")) {
		t.Fatalf("expected BTCUSDT/65000.50 first, got %+v", ticks[0])
	}
	if ticks[1].Symbol != "ETHUSDT" || !ticks[1].Price.Equal(decimal.RequireFromString("3400.10")) {
		t.Fatalf("expected ETHUSDT/3400.10 second, got %+v", ticks[1])
	}
}

func TestParseMarkPriceFrame_RejectsMalformedPayload(t *testing.T) {
	cases := map[string][]byte{
		"not json":   []byte(`not json`),
		"empty data": []byte(`{"stream":"!markPrice@arr@1s","data":[]}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if ticks := parseMarkPriceFrame(raw); len(ticks) != 0 {
				t.Fatalf("expected no ticks, got %+v", ticks)
			}
		})
	}
}

func TestParseMarkPriceFrame_SkipsOnlyTheMalformedEntry(t *testing.T) {
	raw := []byte(`{"stream":"!markPrice@arr@1s","data":[{"s":"BTCUSDT","p":"oops"},{"s":"ETHUSDT","p":"3400.10"}]}`)

	ticks := parseMarkPriceFrame(raw)
	if len(ticks) != 1 {
		t.Fatalf("expected the malformed entry to be skipped and the valid one kept, got %+v", ticks)
	}
	if ticks[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT to survive, got %+v", ticks[0])
	}
}

func TestIntervalFor_MapsEveryTimeframe(t *testing.T) {
	tests := []struct {
		tf   exchange.Timeframe
		want string
	}{
		{exchange.TF5m, "5m"},
		{exchange.TF15m, "15m"},
		{exchange.TF1h, "1h"},
		{exchange.TF1d, "1d"},
	}
	for _, tc := range tests {
		if got := intervalFor(tc.tf); got != tc.want {
			t.Fatalf("intervalFor(%s) = %s, want %s", tc.tf, got, tc.want)
		}
	}
}
