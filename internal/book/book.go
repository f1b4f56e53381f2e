// Package book maintains a local order book per market, reconstructed from a
// REST depth snapshot plus WebSocket deltas.
//
// Bitvavo numbers every book delta with a per-market nonce. The book applies
// a delta only when its nonce is exactly lastNonce+1; stale nonces are
// dropped, future nonces are buffered. When a gap persists past the drain
// grace window the book declares itself out of sync and the owner must
// re-seed it with a fresh snapshot, after which buffered deltas ahead of the
// snapshot nonce are drained in order.
package book

import (
	"sort"
	"strconv"
	"time"

	"bitvavo-trader/pkg/types"
)

// maxBuffered caps the replay buffer per book; beyond it the lowest nonces
// are evicted since a fresh snapshot supersedes them.
const maxBuffered = 4096

// ApplyResult says what the book did with one delta.
type ApplyResult int

const (
	// Applied: the delta extended the book in sequence.
	Applied ApplyResult = iota
	// Stale: the delta's nonce was already covered; dropped.
	Stale
	// Buffered: the delta is ahead of the book and waits for the gap to fill.
	Buffered
	// OutOfSync: a gap outlived the grace window; the owner must resnapshot.
	OutOfSync
)

type level struct {
	px float64
	sz float64
}

// Book is one market's local order book. Not safe for concurrent use; the
// ingest owns each book from a single goroutine.
type Book struct {
	market     string
	depth      int
	drainGrace time.Duration

	bids map[string]level // price string → level
	asks map[string]level

	lastNonce int64
	synced    bool

	// Out-of-order deltas keyed by nonce, last write wins.
	buffer   map[int64]types.BookUpdate
	gapSince time.Time

	lastTop types.TopOfBook
	hasTop  bool
}

// New creates an unsynced book. It buffers deltas until the first snapshot.
func New(market string, depth int, drainGrace time.Duration) *Book {
	return &Book{
		market:     market,
		depth:      depth,
		drainGrace: drainGrace,
		bids:       make(map[string]level),
		asks:       make(map[string]level),
		buffer:     make(map[int64]types.BookUpdate),
	}
}

// Market returns the market this book tracks.
func (b *Book) Market() string { return b.market }

// Synced reports whether the book is in sequence.
func (b *Book) Synced() bool { return b.synced }

// LastNonce returns the nonce of the last applied snapshot or delta.
func (b *Book) LastNonce() int64 { return b.lastNonce }

// ApplySnapshot re-seeds the book from a depth snapshot, then drains any
// buffered deltas ahead of the snapshot nonce. Returns OutOfSync when the
// buffer still holds a gap that has outlived the grace window, Applied
// otherwise.
func (b *Book) ApplySnapshot(snap *types.BookSnapshot, now time.Time) ApplyResult {
	b.bids = make(map[string]level, len(snap.Bids))
	b.asks = make(map[string]level, len(snap.Asks))
	for _, lv := range snap.Bids {
		b.setLevel(b.bids, lv)
	}
	for _, lv := range snap.Asks {
		b.setLevel(b.asks, lv)
	}
	b.lastNonce = snap.Nonce
	b.synced = true
	b.gapSince = time.Time{}
	return b.drain(now)
}

// ApplyUpdate feeds one WebSocket delta into the book.
func (b *Book) ApplyUpdate(u types.BookUpdate, now time.Time) ApplyResult {
	if !b.synced {
		// Waiting for a snapshot is itself a gap: once the wait outlives the
		// grace window the owner must (re)try the snapshot, or a failed seed
		// would leave the market buffering forever.
		b.bufferUpdate(u)
		if b.gapSince.IsZero() {
			b.gapSince = now
			return Buffered
		}
		if now.Sub(b.gapSince) > b.drainGrace {
			b.gapSince = time.Time{}
			return OutOfSync
		}
		return Buffered
	}
	if u.Nonce <= b.lastNonce {
		return Stale
	}
	if u.Nonce == b.lastNonce+1 {
		b.apply(u)
		return b.drain(now)
	}

	// Ahead of the book: buffer and start (or check) the gap clock.
	b.bufferUpdate(u)
	if b.gapSince.IsZero() {
		b.gapSince = now
		return Buffered
	}
	if now.Sub(b.gapSince) > b.drainGrace {
		b.synced = false
		b.gapSince = time.Time{}
		return OutOfSync
	}
	return Buffered
}

// Expired reports whether the gap clock outlived the grace window with no
// delta arriving to observe it. When it has, the book drops out of sync and
// the owner must resnapshot; subsequent calls return false until a new gap
// opens.
func (b *Book) Expired(now time.Time) bool {
	if b.gapSince.IsZero() || now.Sub(b.gapSince) <= b.drainGrace {
		return false
	}
	b.synced = false
	b.gapSince = time.Time{}
	return true
}

// bufferUpdate stores a delta for later drain, evicting the lowest buffered
// nonce at the cap. The evicted delta is the one the next snapshot is most
// likely to cover anyway.
func (b *Book) bufferUpdate(u types.BookUpdate) {
	if _, exists := b.buffer[u.Nonce]; !exists && len(b.buffer) >= maxBuffered {
		oldest := int64(-1)
		for n := range b.buffer {
			if oldest < 0 || n < oldest {
				oldest = n
			}
		}
		delete(b.buffer, oldest)
	}
	b.buffer[u.Nonce] = u
}

// drain applies buffered deltas that continue the sequence and drops the
// ones the book has already covered. A remaining gap keeps the clock
// running; when it outlives the grace window the book goes out of sync.
func (b *Book) drain(now time.Time) ApplyResult {
	for {
		u, ok := b.buffer[b.lastNonce+1]
		if !ok {
			break
		}
		delete(b.buffer, b.lastNonce+1)
		b.apply(u)
	}
	for n := range b.buffer {
		if n <= b.lastNonce {
			delete(b.buffer, n)
		}
	}

	if len(b.buffer) == 0 {
		b.gapSince = time.Time{}
		return Applied
	}
	if b.gapSince.IsZero() {
		b.gapSince = now
		return Applied
	}
	if now.Sub(b.gapSince) > b.drainGrace {
		b.synced = false
		b.gapSince = time.Time{}
		return OutOfSync
	}
	return Applied
}

func (b *Book) apply(u types.BookUpdate) {
	for _, lv := range u.Bids {
		b.setLevel(b.bids, lv)
	}
	for _, lv := range u.Asks {
		b.setLevel(b.asks, lv)
	}
	b.lastNonce = u.Nonce
	b.prune()
}

func (b *Book) setLevel(side map[string]level, lv [2]string) {
	sz, err := strconv.ParseFloat(lv[1], 64)
	if err != nil {
		return
	}
	if sz == 0 {
		delete(side, lv[0])
		return
	}
	px, err := strconv.ParseFloat(lv[0], 64)
	if err != nil {
		return
	}
	side[lv[0]] = level{px: px, sz: sz}
}

// prune keeps only the best depth levels per side so a long-running book
// does not accumulate far-away levels the snapshot never covered.
func (b *Book) prune() {
	if b.depth <= 0 {
		return
	}
	pruneSide(b.bids, b.depth, true)
	pruneSide(b.asks, b.depth, false)
}

func pruneSide(side map[string]level, depth int, descending bool) {
	if len(side) <= depth {
		return
	}
	keys := make([]string, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if descending {
			return side[keys[i]].px > side[keys[j]].px
		}
		return side[keys[i]].px < side[keys[j]].px
	})
	for _, k := range keys[depth:] {
		delete(side, k)
	}
}

// Top computes the current best bid/ask and reports whether it differs from
// the last emission. The dedup rule compares only the four price/size
// fields; nonce and source never force an emission on their own.
func (b *Book) Top(source types.BookSource, now time.Time) (types.TopOfBook, bool) {
	top := types.TopOfBook{
		Market: b.market,
		Nonce:  b.lastNonce,
		Source: source,
		EmitTs: now.UnixMilli(),
	}
	for _, lv := range b.bids {
		if lv.px > top.BidPx {
			top.BidPx, top.BidSz = lv.px, lv.sz
		}
	}
	for _, lv := range b.asks {
		if top.AskPx == 0 || lv.px < top.AskPx {
			top.AskPx, top.AskSz = lv.px, lv.sz
		}
	}

	// An unseeded or empty book has no top; the all-zero tuple must never
	// reach the aggregate topic.
	if !b.synced || (len(b.bids) == 0 && len(b.asks) == 0) {
		return top, false
	}

	if b.hasTop && top.Equal(b.lastTop) {
		return top, false
	}
	b.lastTop = top
	b.hasTop = true
	return top, true
}
