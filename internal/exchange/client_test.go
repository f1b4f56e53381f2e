package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitvavo-trader/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ExchangeConfig{
		RESTBaseURL: srv.URL,
		APIKey:      "test-key",
		APISecret:   "test-secret",
		HTTPTimeout: 5 * time.Second,
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), srv
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()

	auth := NewAuth("key", "secret")
	now := time.UnixMilli(1700000000000)
	body := `{"market":"BTC-EUR"}`
	headers := auth.Headers("POST", "/v2/order", body, now)

	if headers["bitvavo-access-key"] != "key" {
		t.Errorf("access-key = %q", headers["bitvavo-access-key"])
	}
	if headers["bitvavo-access-timestamp"] != "1700000000000" {
		t.Errorf("timestamp = %q", headers["bitvavo-access-timestamp"])
	}

	// The signature must cover timestamp + method + path + body in that order.
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000" + "POST" + "/v2/order" + body))
	want := hex.EncodeToString(mac.Sum(nil))
	if headers["bitvavo-access-signature"] != want {
		t.Errorf("signature = %q, want %q", headers["bitvavo-access-signature"], want)
	}
}

func TestAuthHeadersUnconfigured(t *testing.T) {
	t.Parallel()

	auth := NewAuth("", "")
	if h := auth.Headers("GET", "/v2/markets", "", time.Now()); h != nil {
		t.Errorf("expected nil headers without credentials, got %v", h)
	}
}

func TestClientBook(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/BTC-EUR/book" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("depth") != "25" {
			t.Errorf("depth = %q", r.URL.Query().Get("depth"))
		}
		w.Header().Set("bitvavo-ratelimit-remaining", "987")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"market": "BTC-EUR",
			"nonce":  4242,
			"bids":   [][2]string{{"50000", "0.5"}},
			"asks":   [][2]string{{"50010", "0.3"}},
		})
	}))

	snap, err := client.Book(context.Background(), "BTC-EUR", 25)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if snap.Nonce != 4242 {
		t.Errorf("nonce = %d, want 4242", snap.Nonce)
	}
	if len(snap.Bids) != 1 || snap.Bids[0][0] != "50000" {
		t.Errorf("bids = %v", snap.Bids)
	}
	if got := client.Budget().Remaining(); got != 987 {
		t.Errorf("budget remaining = %d, want 987", got)
	}
}

func TestClientPlaceOrderAPIError(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"errorCode": 216,
			"error":     "Specify a valid amount with 6 decimal digits.",
		})
	}))

	_, err := client.PlaceOrder(context.Background(), map[string]string{
		"market": "ADA-EUR", "side": "buy", "orderType": "market", "amountQuote": "25",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 216 {
		t.Errorf("code = %d, want 216", apiErr.Code)
	}
}

func TestClientSignsOrderBody(t *testing.T) {
	t.Parallel()

	var gotSig, gotTS string
	var gotBody []byte
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("bitvavo-access-signature")
		gotTS = r.Header.Get("bitvavo-access-timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"orderId": "abc", "status": "filled"})
	}))

	res, err := client.PlaceOrder(context.Background(), map[string]string{
		"market": "BTC-EUR", "side": "sell", "orderType": "market", "amount": "0.01",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "abc" {
		t.Errorf("orderId = %q", res.OrderID)
	}

	// The signature must match the exact body bytes that went over the wire.
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(gotTS + "POST" + "/v2/order" + string(gotBody)))
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature does not cover wire body: got %q want %q", gotSig, want)
	}
}

func TestBudgetWait(t *testing.T) {
	t.Parallel()

	b := NewBudget()
	b.Observe("10", "")
	if got := b.Remaining(); got != 10 {
		t.Fatalf("remaining = %d, want 10", got)
	}

	// Below the floor: WaitBudget must block until cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.WaitBudget(ctx, 50); err == nil {
		t.Error("expected WaitBudget to block and be cancelled")
	}

	// At or above the floor: returns immediately.
	if err := b.WaitBudget(context.Background(), 10); err != nil {
		t.Errorf("WaitBudget: %v", err)
	}
}

func TestBudgetResetAssumesFull(t *testing.T) {
	t.Parallel()

	b := NewBudget()
	b.Observe("3", "1") // reset time long in the past
	if got := b.Remaining(); got != fullBudget {
		t.Errorf("remaining after reset = %d, want %d", got, fullBudget)
	}
}
