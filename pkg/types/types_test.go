package types

import "testing"

func TestBaseOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"BTC-EUR":  "BTC",
		"glmr-eur": "GLMR",
		"EUR":      "EUR",
		"":         "",
	}
	for in, want := range cases {
		if got := BaseOf(in); got != want {
			t.Errorf("BaseOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsEURMarket(t *testing.T) {
	t.Parallel()

	if !IsEURMarket("ADA-EUR") {
		t.Error("ADA-EUR should be a EUR market")
	}
	if IsEURMarket("ADA-USDT") {
		t.Error("ADA-USDT should not be a EUR market")
	}
}

func TestTopOfBookEqual(t *testing.T) {
	t.Parallel()

	a := TopOfBook{Market: "BTC-EUR", BidPx: 20000.00, BidSz: 1.0, AskPx: 20000.10, AskSz: 1.0, Nonce: 5}
	b := a
	b.Nonce = 6
	b.Source = SourceBuffered
	if !a.Equal(b) {
		t.Error("tuples with equal prices/sizes must compare equal regardless of nonce/source")
	}
	b.AskSz = 2.0
	if a.Equal(b) {
		t.Error("tuples differing in ask size must not compare equal")
	}
}

func TestSideValid(t *testing.T) {
	t.Parallel()

	if !Buy.Valid() || !Sell.Valid() {
		t.Error("buy/sell must be valid sides")
	}
	if Side("hold").Valid() {
		t.Error("unknown side must be invalid")
	}
}
