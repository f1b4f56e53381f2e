package executor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"bitvavo-trader/internal/exchange"
)

// fakePlacer accepts an order only when the amount has at most acceptDecimals
// decimals, mimicking the exchange's precision rejection.
type fakePlacer struct {
	acceptDecimals int
	hintDecimals   int // what the first rejection claims
	calls          []string
	failAlways     error
}

func (f *fakePlacer) PlaceOrder(_ context.Context, body map[string]string) (*exchange.OrderResponse, error) {
	amount := body["amount"]
	if amount == "" {
		amount = body["amountQuote"]
	}
	f.calls = append(f.calls, amount)
	if f.failAlways != nil {
		return nil, f.failAlways
	}
	if decimalsOf(amount) > f.acceptDecimals {
		hint := f.hintDecimals
		if hint == 0 {
			hint = f.acceptDecimals
		}
		return nil, &exchange.APIError{Code: 216, Message: "Specify a valid amount with " + itoa(hint) + " decimal digits."}
	}
	return &exchange.OrderResponse{OrderID: "ok-" + amount, Status: "filled"}, nil
}

func decimalsOf(amount string) int {
	_, frac, ok := strings.Cut(amount, ".")
	if !ok {
		return 0
	}
	return len(frac)
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emptyCache(t *testing.T) *PrecisionCache {
	t.Helper()
	return LoadPrecisionCache(context.Background(), filepath.Join(t.TempDir(), "precision.json"), nil, discardLogger())
}

func TestFallbackTruncatesAndCaches(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{acceptDecimals: 2, hintDecimals: 2}
	cache := emptyCache(t)
	body := map[string]string{"market": "ADA-EUR", "side": "buy", "orderType": "market", "amount": "0.123456"}

	res, err := PlaceWithFallback(context.Background(), placer, cache, body, "amount", discardLogger())
	if err != nil {
		t.Fatalf("PlaceWithFallback: %v", err)
	}
	if res.OrderID != "ok-0.12" {
		t.Fatalf("order id = %q, want success at 0.12", res.OrderID)
	}
	if len(placer.calls) != 2 || placer.calls[0] != "0.123456" || placer.calls[1] != "0.12" {
		t.Fatalf("calls = %v, want [0.123456 0.12]", placer.calls)
	}
	if d, ok := cache.Get("ADA-EUR"); !ok || d != 2 {
		t.Fatalf("cached decimals = %d/%v, want 2", d, ok)
	}
}

func TestFallbackStartsFromCache(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{acceptDecimals: 2}
	cache := emptyCache(t)
	cache.Put(context.Background(), "ADA-EUR", 2)

	body := map[string]string{"market": "ADA-EUR", "amount": "0.999999"}
	res, err := PlaceWithFallback(context.Background(), placer, cache, body, "amount", discardLogger())
	if err != nil {
		t.Fatalf("PlaceWithFallback: %v", err)
	}
	if len(placer.calls) != 1 || placer.calls[0] != "0.99" {
		t.Fatalf("calls = %v, want one pre-truncated attempt", placer.calls)
	}
	if res.OrderID != "ok-0.99" {
		t.Fatalf("order id = %q", res.OrderID)
	}
}

func TestFallbackWalksDownFromBadHint(t *testing.T) {
	t.Parallel()

	// The hint claims 4 decimals but the exchange only accepts 1: the walk
	// 4, 3, 2, 1 must land on 1 and cache it.
	placer := &fakePlacer{acceptDecimals: 1, hintDecimals: 4}
	cache := emptyCache(t)
	body := map[string]string{"market": "XYZ-EUR", "amount": "0.987654"}

	res, err := PlaceWithFallback(context.Background(), placer, cache, body, "amount", discardLogger())
	if err != nil {
		t.Fatalf("PlaceWithFallback: %v", err)
	}
	if res.OrderID != "ok-0.9" {
		t.Fatalf("order id = %q, want success at 0.9", res.OrderID)
	}
	if d, _ := cache.Get("XYZ-EUR"); d != 1 {
		t.Fatalf("cached decimals = %d, want 1", d)
	}
}

func TestFallbackAbortsOnNonPrecisionError(t *testing.T) {
	t.Parallel()

	placer := &fakePlacer{failAlways: &exchange.APIError{Code: 105, Message: "Insufficient balance."}}
	cache := emptyCache(t)
	body := map[string]string{"market": "ADA-EUR", "amount": "0.123456"}

	if _, err := PlaceWithFallback(context.Background(), placer, cache, body, "amount", discardLogger()); err == nil {
		t.Fatal("expected error passthrough")
	}
	if len(placer.calls) != 1 {
		t.Fatalf("calls = %d, want no retries on a non-precision error", len(placer.calls))
	}
	if _, ok := cache.Get("ADA-EUR"); ok {
		t.Fatal("failure must not populate the cache")
	}
}

func TestTruncateAmountFloors(t *testing.T) {
	t.Parallel()

	got, err := TruncateAmount("0.129999", 2)
	if err != nil {
		t.Fatalf("TruncateAmount: %v", err)
	}
	if got != "0.12" {
		t.Fatalf("truncate = %q, want floor 0.12, never 0.13", got)
	}
}

func TestPrecisionCachePersistsAcrossLoads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "precision.json")
	ctx := context.Background()

	first := LoadPrecisionCache(ctx, path, nil, discardLogger())
	first.Put(ctx, "ADA-EUR", 2)
	first.Put(ctx, "SOL-EUR", 4)

	second := LoadPrecisionCache(ctx, path, nil, discardLogger())
	if d, ok := second.Get("ADA-EUR"); !ok || d != 2 {
		t.Fatalf("ADA-EUR = %d/%v after reload, want 2", d, ok)
	}
	if d, ok := second.Get("SOL-EUR"); !ok || d != 4 {
		t.Fatalf("SOL-EUR = %d/%v after reload, want 4", d, ok)
	}
}
