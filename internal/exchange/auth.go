// Package exchange implements the Bitvavo REST and WebSocket clients.
//
// The REST client (Client) talks to the Bitvavo v2 API for market metadata,
// order-book snapshots, and order management. The WebSocket feed (Feed)
// delivers bookUpdate, candles, trades, and ticker24h channels with
// auto-reconnect.
//
// Authentication is HMAC-SHA256 over timestamp + method + path + body,
// carried in the bitvavo-access-* request headers.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const accessWindowMS = 10_000

// Auth signs REST requests with the configured API key pair. An Auth with an
// empty key produces no headers, which keeps public endpoints usable without
// credentials.
type Auth struct {
	key    string
	secret string
}

// NewAuth creates a signer. Empty key/secret is allowed for read-only use.
func NewAuth(key, secret string) *Auth {
	return &Auth{key: key, secret: secret}
}

// Configured reports whether credentials are present.
func (a *Auth) Configured() bool { return a.key != "" && a.secret != "" }

// Headers returns the bitvavo-access-* headers for one request. Path must
// include the /v2 prefix; body is the exact JSON payload or "".
func (a *Auth) Headers(method, path, body string, now time.Time) map[string]string {
	if !a.Configured() {
		return nil
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"bitvavo-access-key":       a.key,
		"bitvavo-access-signature": hex.EncodeToString(mac.Sum(nil)),
		"bitvavo-access-timestamp": ts,
		"bitvavo-access-window":    strconv.Itoa(accessWindowMS),
	}
}
