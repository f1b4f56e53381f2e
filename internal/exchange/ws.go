// ws.go implements the Bitvavo WebSocket feed for real-time market data.
//
// One connection carries every subscribed channel:
//
//   - book:      incremental order-book deltas stamped with a nonce
//   - candles:   OHLCV bars for one interval
//   - trades:    individual fills
//   - ticker24h: rolling 24h stats batches
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes every tracked channel on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bitvavo-trader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 1024             // book deltas are the hot path
	eventBufferSize  = 256              // candles / trades / tickers
)

// Channel names as Bitvavo spells them on the wire.
const (
	ChannelBook      = "book"
	ChannelCandles   = "candles"
	ChannelTrades    = "trades"
	ChannelTicker24h = "ticker24h"
)

// Trade is one fill from the trades channel. Raw preserves the wire payload
// for the archive streams.
type Trade struct {
	Market    string          `json:"market"`
	ID        string          `json:"id"`
	Side      string          `json:"side"`
	Amount    string          `json:"amount"`
	Price     string          `json:"price"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

// Ticker24h is one market's entry from a ticker24h batch.
type Ticker24h struct {
	Market string          `json:"market"`
	Last   string          `json:"last"`
	Bid    string          `json:"bid"`
	Ask    string          `json:"ask"`
	Volume string          `json:"volume"`
	Raw    json.RawMessage `json:"-"`
}

type wsChannel struct {
	Name     string   `json:"name"`
	Interval []string `json:"interval,omitempty"`
	Markets  []string `json:"markets"`
}

type wsRequest struct {
	Action   string      `json:"action"`
	Channels []wsChannel `json:"channels"`
}

// Feed manages the Bitvavo WebSocket connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions per channel for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]map[string]bool // channel → market set
	interval     string                     // candle interval

	bookCh   chan types.BookUpdate
	candleCh chan types.Candle
	tradeCh  chan Trade
	tickerCh chan Ticker24h

	logger *slog.Logger
}

// NewFeed creates a feed for the given WebSocket URL and candle interval.
func NewFeed(wsURL, candleInterval string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]map[string]bool),
		interval:   candleInterval,
		bookCh:     make(chan types.BookUpdate, bookBufferSize),
		candleCh:   make(chan types.Candle, eventBufferSize),
		tradeCh:    make(chan Trade, eventBufferSize),
		tickerCh:   make(chan Ticker24h, eventBufferSize),
		logger:     logger.With("component", "ws_feed"),
	}
}

// BookUpdates returns a read-only channel of order-book deltas.
func (f *Feed) BookUpdates() <-chan types.BookUpdate { return f.bookCh }

// Candles returns a read-only channel of normalized candle bars.
func (f *Feed) Candles() <-chan types.Candle { return f.candleCh }

// Trades returns a read-only channel of fills.
func (f *Feed) Trades() <-chan Trade { return f.tradeCh }

// Tickers returns a read-only channel of ticker24h entries, one per market.
func (f *Feed) Tickers() <-chan Ticker24h { return f.tickerCh }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds markets to a channel and sends the subscribe request if the
// connection is up; otherwise the markets are queued for the reconnect
// resubscribe. Chunking and pacing are the caller's concern.
func (f *Feed) Subscribe(channel string, markets []string) error {
	f.subscribedMu.Lock()
	set, ok := f.subscribed[channel]
	if !ok {
		set = make(map[string]bool)
		f.subscribed[channel] = set
	}
	for _, m := range markets {
		set[m] = true
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(wsRequest{
		Action:   "subscribe",
		Channels: []wsChannel{f.channelSpec(channel, markets)},
	})
	if err == errNotConnected {
		return nil
	}
	return err
}

// Unsubscribe removes markets from a channel.
func (f *Feed) Unsubscribe(channel string, markets []string) error {
	f.subscribedMu.Lock()
	if set, ok := f.subscribed[channel]; ok {
		for _, m := range markets {
			delete(set, m)
		}
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsRequest{
		Action:   "unsubscribe",
		Channels: []wsChannel{f.channelSpec(channel, markets)},
	})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) channelSpec(channel string, markets []string) wsChannel {
	spec := wsChannel{Name: channel, Markets: markets}
	if channel == ChannelCandles {
		spec.Interval = []string{f.interval}
	}
	return spec
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// resubscribe replays every tracked channel after a reconnect, one request
// per channel.
func (f *Feed) resubscribe() error {
	f.subscribedMu.RLock()
	channels := make([]wsChannel, 0, len(f.subscribed))
	for name, set := range f.subscribed {
		if len(set) == 0 {
			continue
		}
		markets := make([]string, 0, len(set))
		for m := range set {
			markets = append(markets, m)
		}
		channels = append(channels, f.channelSpec(name, markets))
	}
	f.subscribedMu.RUnlock()

	for _, ch := range channels {
		if err := f.writeJSON(wsRequest{Action: "subscribe", Channels: []wsChannel{ch}}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Event {
	case "book":
		var evt types.BookUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "market", evt.Market)
		}

	case "candle":
		f.dispatchCandle(data)

	case "trade":
		var evt Trade
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		evt.Raw = append(json.RawMessage(nil), data...)
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "market", evt.Market)
		}

	case "ticker24h":
		f.dispatchTicker(data)

	case "subscribed":
		f.logger.Info("subscription confirmed")

	case "error":
		f.logger.Error("ws error event", "data", string(data))

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Event)
	}
}

// dispatchCandle normalizes the positional [ts, o, h, l, c, v] rows Bitvavo
// sends into Candle structs, one per row.
func (f *Feed) dispatchCandle(data []byte) {
	var evt struct {
		Market   string           `json:"market"`
		Interval string           `json:"interval"`
		Candle   [][6]json.Number `json:"candle"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Error("unmarshal candle event", "error", err)
		return
	}
	for _, row := range evt.Candle {
		ts, _ := row[0].Int64()
		c := types.Candle{
			Market:   evt.Market,
			Interval: evt.Interval,
			Ts:       ts,
			Open:     numFloat(row[1]),
			High:     numFloat(row[2]),
			Low:      numFloat(row[3]),
			Close:    numFloat(row[4]),
			Volume:   numFloat(row[5]),
		}
		select {
		case f.candleCh <- c:
		default:
			f.logger.Warn("candle channel full, dropping event", "market", evt.Market)
		}
	}
}

// dispatchTicker fans a ticker24h batch out into per-market entries.
func (f *Feed) dispatchTicker(data []byte) {
	var evt struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Error("unmarshal ticker24h event", "error", err)
		return
	}
	for _, raw := range evt.Data {
		var t Ticker24h
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		t.Raw = append(json.RawMessage(nil), raw...)
		select {
		case f.tickerCh <- t:
		default:
			f.logger.Warn("ticker channel full, dropping event", "market", t.Market)
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

var errNotConnected = fmt.Errorf("websocket not connected")

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func numFloat(n json.Number) float64 {
	v, _ := strconv.ParseFloat(n.String(), 64)
	return v
}
