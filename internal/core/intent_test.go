package core

import (
	"testing"

	"bitvavo-trader/pkg/types"
)

func TestParseIntentClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		reasons string
		want    Kind
	}{
		{"momentum", `["spread","volatility"]`, KindMomentum},
		{"mean reversion", `["wick"]`, KindMeanReversion},
		{"wick wins over momentum", `["volatility","wick","volume_spike"]`, KindMeanReversion},
		{"generic", `["spread"]`, KindGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			intent, err := ParseIntent("1-0", map[string]string{
				"market":  "ADA-EUR",
				"score":   "2",
				"reasons": tc.reasons,
				"details": `{}`,
			}, 25)
			if err != nil {
				t.Fatalf("ParseIntent: %v", err)
			}
			if intent.Kind != tc.want {
				t.Errorf("kind = %v, want %v", intent.Kind, tc.want)
			}
		})
	}
}

func TestParseIntentRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := ParseIntent("1-0", map[string]string{"score": "1"}, 25); err == nil {
		t.Error("missing market accepted")
	}
	if _, err := ParseIntent("1-0", map[string]string{
		"market":  "ADA-EUR",
		"details": `{"side":"short"}`,
	}, 25); err == nil {
		t.Error("unknown side accepted")
	}
	if _, err := ParseIntent("1-0", map[string]string{
		"market":  "ADA-EUR",
		"details": `{not json`,
	}, 25); err == nil {
		t.Error("bad details JSON accepted")
	}
}

func TestParseIntentDefaults(t *testing.T) {
	t.Parallel()

	intent, err := ParseIntent("5-1", map[string]string{
		"market":  "SOL-EUR",
		"score":   "1",
		"reasons": `["spread"]`,
		"details": `{"spread_bps": 3.2}`,
	}, 40)
	if err != nil {
		t.Fatalf("ParseIntent: %v", err)
	}
	if intent.Side != types.Buy {
		t.Errorf("side = %v, want buy default", intent.Side)
	}
	if intent.SizeEUR != 40 {
		t.Errorf("size = %v, want default 40", intent.SizeEUR)
	}
	if intent.Price != 0 {
		t.Errorf("price = %v, want 0 (market order)", intent.Price)
	}
}

func TestParseIntentExplicitSize(t *testing.T) {
	t.Parallel()

	intent, err := ParseIntent("5-1", map[string]string{
		"market":  "SOL-EUR",
		"details": `{"size_eur": 12.5, "side": "sell", "price": "101.5"}`,
	}, 40)
	if err != nil {
		t.Fatalf("ParseIntent: %v", err)
	}
	if intent.SizeEUR != 12.5 {
		t.Errorf("size = %v, want 12.5", intent.SizeEUR)
	}
	if intent.Side != types.Sell {
		t.Errorf("side = %v, want sell", intent.Side)
	}
	if intent.Price != 101.5 {
		t.Errorf("price = %v, want 101.5", intent.Price)
	}
}
