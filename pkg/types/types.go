// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary for the pipeline — market metadata,
// event envelopes, top-of-book tuples, signals, outbox orders, and execution
// records. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether the side is one of the two Bitvavo values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType enumerates the Bitvavo order types the pipeline places.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// Action distinguishes opening entries from closing exits in the outbox.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// BookSource tags where a top-of-book emission originated.
type BookSource string

const (
	SourceSnapshot BookSource = "snapshot"
	SourceRealtime BookSource = "realtime"
	SourceBuffered BookSource = "buffered"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market carries the Bitvavo market metadata needed to build orders.
// PriceDecimals bounds limit prices; amount precision is not published by
// the exchange and is discovered per market at submit time.
type Market struct {
	Market        string
	Base          string
	Quote         string
	Status        string
	PriceDecimals int
	MinOrderBase  float64
	MinOrderQuote float64
}

// BaseOf returns the base asset of a "BASE-QUOTE" market string.
func BaseOf(market string) string {
	base, _, _ := strings.Cut(market, "-")
	return strings.ToUpper(strings.TrimSpace(base))
}

// IsEURMarket reports whether the market trades against the EUR quote.
func IsEURMarket(market string) bool {
	return strings.HasSuffix(market, "-EUR")
}

// ————————————————————————————————————————————————————————————————————————
// Ingest events
// ————————————————————————————————————————————————————————————————————————

// Envelope wraps a raw exchange event for the archive streams and the
// Parquet landing.
type Envelope struct {
	Event     string `json:"event"`
	Market    string `json:"market"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix millis at ingest
}

// BookUpdate is one incremental order-book delta stamped with a nonce.
// Levels are [price, amount] string pairs; amount "0" removes the level.
type BookUpdate struct {
	Market string      `json:"market"`
	Nonce  int64       `json:"nonce"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// BookSnapshot is a REST depth snapshot used to (re)seed a local book.
type BookSnapshot struct {
	Market string      `json:"market"`
	Nonce  int64       `json:"nonce"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// TopOfBook is the deduplicated best-bid/best-ask emission on the aggregate
// book topic. Two consecutive emissions for a market always differ in at
// least one of the four price/size fields.
type TopOfBook struct {
	Market string     `json:"market"`
	BidPx  float64    `json:"bestBid"`
	BidSz  float64    `json:"bestBidSize"`
	AskPx  float64    `json:"bestAsk"`
	AskSz  float64    `json:"bestAskSize"`
	Nonce  int64      `json:"nonce"`
	Source BookSource `json:"source"`
	EmitTs int64      `json:"timestamp"`
}

// Equal compares only the price/size tuple, not nonce or source; the dedup
// rule is defined over (bid_px, bid_sz, ask_px, ask_sz).
func (t TopOfBook) Equal(o TopOfBook) bool {
	return t.BidPx == o.BidPx && t.BidSz == o.BidSz && t.AskPx == o.AskPx && t.AskSz == o.AskSz
}

// Candle is one OHLCV bar. Bitvavo delivers candles as positional arrays
// [ts, open, high, low, close, volume]; the ingest normalizes them.
type Candle struct {
	Market   string  `json:"market"`
	Interval string  `json:"interval"`
	Ts       int64   `json:"ts"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals and orders
// ————————————————————————————————————————————————————————————————————————

// Signal is one scored opportunity on the signal stream. Reasons and Details
// travel as JSON strings in the stream fields; the typed form is used
// in-process.
type Signal struct {
	Market  string         `json:"market"`
	Score   float64        `json:"score"`
	Reasons []string       `json:"reasons"`
	Details map[string]any `json:"details"`
	T       string         `json:"t"` // UTC ISO-8601, second precision
}

// OutboxOrder is the append-only intent record the trading core writes and
// the executor replays. All fields are strings on the wire so the record can
// be replayed byte-for-byte.
type OutboxOrder struct {
	Ts       string `json:"ts"`
	Version  string `json:"version"`
	DryRun   string `json:"dry_run"` // "true" / "false"
	Action   Action `json:"action"`
	SignalID string `json:"signal_id"`
	Market   string `json:"market"`
	Side     Side   `json:"side"`
	Price    string `json:"price"`
	SizeEUR  string `json:"size_eur"`
	Mode     string `json:"mode"`
	TpPct    string `json:"tp_pct"`
	SlPct    string `json:"sl_pct"`
	TrailPct string `json:"trail_pct"`
}

// ExecutedRecord is published to the executed stream after a (dry or live)
// order placement.
type ExecutedRecord struct {
	ID     string `json:"id"`
	Market string `json:"market"`
	Side   Side   `json:"side"`
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Ts     string `json:"ts"`
	Resp   any    `json:"resp,omitempty"`
}

// ErrorRecord is published to the errors stream on terminal failures.
type ErrorRecord struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ————————————————————————————————————————————————————————————————————————
// Guard state
// ————————————————————————————————————————————————————————————————————————

// VirtualPosition is the exit guard's in-KV model of open inventory for one
// market. Qty and Avg are set externally when buy fills land; the guard
// maintains Peak, TpOrderID, and LastPx.
type VirtualPosition struct {
	Qty       float64 `json:"qty"`
	Avg       float64 `json:"avg"`
	Peak      float64 `json:"peak"`
	TpOrderID string  `json:"tpOrderId"`
	LastPx    float64 `json:"lastPx"`
}

// Open reports whether there is inventory to guard.
func (v VirtualPosition) Open() bool { return v.Qty > 0 && v.Avg > 0 }

// NowISO formats a timestamp the way every stream record does: UTC, second
// precision, trailing Z.
func NowISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
