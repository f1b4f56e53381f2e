package signals

import (
	"math"
	"testing"
	"time"

	"bitvavo-trader/internal/config"
	"bitvavo-trader/pkg/types"
)

func testCfg() config.SignalsConfig {
	return config.SignalsConfig{
		Stream:       "signals:baseline",
		SpreadBpsMax: 15,
		VolWindow:    30,
		VolStdMin:    0.002,
		SpikeWindow:  60,
		SpikeMult:    3.0,
		WickRatioMin: 2.0,
	}
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	for _, v := range []float64{1, 2, 3, 4} {
		r.Push(v)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	got := r.Values()
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values = %v, want %v", got, want)
		}
	}
}

func TestStdSample(t *testing.T) {
	t.Parallel()

	// Sample stddev of {2,4,4,4,5,5,7,9} is ~2.138.
	got := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(got-2.13809) > 1e-4 {
		t.Fatalf("std = %v", got)
	}
	if Std([]float64{1}) != 0 {
		t.Fatal("std of one sample must be 0")
	}
}

func TestWickRatio(t *testing.T) {
	t.Parallel()

	// Body 1.0, lower wick 3.0 → ratio 3.
	c := types.Candle{Open: 10, High: 10.5, Low: 6, Close: 9}
	if got := wickRatio(c); math.Abs(got-3) > 1e-9 {
		t.Fatalf("wick ratio = %v, want 3", got)
	}

	// Doji: near-zero body must not divide by zero.
	doji := types.Candle{Open: 10, High: 11, Low: 9, Close: 10}
	if got := wickRatio(doji); math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("doji wick ratio = %v", got)
	}
}

func TestVolatilityNeedsMinimumSamples(t *testing.T) {
	t.Parallel()

	e := NewEngine(testCfg())
	now := time.Now()

	// Alternating closes give huge returns, but below max(5, Wr/3)=10
	// return samples the volatility predicate must stay silent.
	px := 100.0
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			px *= 1.05
		} else {
			px /= 1.05
		}
		sig, ok := e.OnCandle(types.Candle{Market: "X-EUR", Open: px, High: px, Low: px, Close: px, Volume: 1}, now)
		if ok {
			for _, r := range sig.Reasons {
				if r == ReasonVolatility && i < 9 {
					t.Fatalf("volatility fired with only %d returns", i)
				}
			}
		}
	}

	// One more candle brings the 10th return sample; now it fires.
	px *= 1.05
	sig, ok := e.OnCandle(types.Candle{Market: "X-EUR", Open: px, High: px, Low: px, Close: px, Volume: 1}, now)
	if !ok {
		t.Fatal("expected a signal once the returns window filled")
	}
	if !hasReason(sig, ReasonVolatility) {
		t.Fatalf("reasons = %v, want volatility", sig.Reasons)
	}
	if sig.Details["vol_std"].(float64) < 0.002 {
		t.Fatalf("vol_std = %v", sig.Details["vol_std"])
	}
}

func TestVolumeSpikeSuppressedBelowFiveSamples(t *testing.T) {
	t.Parallel()

	e := NewEngine(testCfg())
	now := time.Now()

	flat := func(v float64) types.Candle {
		return types.Candle{Market: "Y-EUR", Open: 10, High: 10, Low: 10, Close: 10, Volume: v}
	}

	// Four samples, last one 100x the mean: still suppressed.
	e.OnCandle(flat(1), now)
	e.OnCandle(flat(1), now)
	e.OnCandle(flat(1), now)
	if sig, ok := e.OnCandle(flat(100), now); ok && hasReason(sig, ReasonVolumeSpike) {
		t.Fatal("spike fired below five volume samples")
	}

	// Fifth sample with a genuine spike fires.
	sig, ok := e.OnCandle(flat(200), now)
	if !ok || !hasReason(sig, ReasonVolumeSpike) {
		t.Fatalf("expected volume_spike, got %v", sig.Reasons)
	}
	if ratio := sig.Details["vol_ratio"].(float64); ratio < 3 {
		t.Fatalf("vol_ratio = %v", ratio)
	}
}

func TestSpreadPredicateUsesLastTop(t *testing.T) {
	t.Parallel()

	e := NewEngine(testCfg())
	now := time.Now()

	// Tight book: 10 bps.
	e.OnTop("Z-EUR", 99.95, 100.05)
	sig, ok := e.OnCandle(types.Candle{Market: "Z-EUR", Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}, now)
	if !ok || !hasReason(sig, ReasonSpread) {
		t.Fatalf("expected spread reason, got %+v", sig)
	}

	// Wide book: 100 bps blocks the predicate; with no other feature firing
	// there is no signal at all.
	e.OnTop("Z-EUR", 99.5, 100.5)
	if sig, ok := e.OnCandle(types.Candle{Market: "Z-EUR", Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}, now); ok && hasReason(sig, ReasonSpread) {
		t.Fatalf("spread fired on a 100bps book: %+v", sig)
	}

	// Unknown book: the predicate neither fires nor blocks.
	sig2, ok := e.OnCandle(types.Candle{Market: "W-EUR", Open: 10, High: 30, Low: 9.9, Close: 10.1, Volume: 1}, now)
	if !ok || !hasReason(sig2, ReasonWick) {
		t.Fatalf("wick-only signal expected without book state, got %+v", sig2)
	}
	if _, present := sig2.Details["spread_bps"]; present {
		t.Fatal("spread_bps reported without book state")
	}
}

func TestTickerSeedsLastClose(t *testing.T) {
	t.Parallel()

	e := NewEngine(testCfg())
	e.OnTicker("T-EUR", 50)
	e.OnCandle(types.Candle{Market: "T-EUR", Open: 52, High: 52, Low: 52, Close: 52, Volume: 1}, time.Now())

	st := e.states["T-EUR"]
	if st.Returns.Len() != 1 {
		t.Fatalf("returns len = %d, want 1 (seeded by ticker)", st.Returns.Len())
	}
	if got := st.Returns.Last(); math.Abs(got-0.04) > 1e-9 {
		t.Fatalf("return = %v, want 0.04", got)
	}
}

func hasReason(sig types.Signal, reason string) bool {
	for _, r := range sig.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}
