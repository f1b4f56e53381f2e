package book

import (
	"testing"
	"time"

	"bitvavo-trader/pkg/types"
)

func snap(nonce int64, bids, asks [][2]string) *types.BookSnapshot {
	return &types.BookSnapshot{Market: "BTC-EUR", Nonce: nonce, Bids: bids, Asks: asks}
}

func upd(nonce int64, bids, asks [][2]string) types.BookUpdate {
	return types.BookUpdate{Market: "BTC-EUR", Nonce: nonce, Bids: bids, Asks: asks}
}

func TestResyncUnderLoss(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	grace := 250 * time.Millisecond
	b := New("BTC-EUR", 100, grace)

	if res := b.ApplySnapshot(snap(100, [][2]string{{"50000", "1"}}, [][2]string{{"50010", "1"}}), t0); res != Applied {
		t.Fatalf("snapshot: got %v, want Applied", res)
	}

	if res := b.ApplyUpdate(upd(101, [][2]string{{"50001", "1"}}, nil), t0); res != Applied {
		t.Fatalf("nonce 101: got %v, want Applied", res)
	}
	if res := b.ApplyUpdate(upd(102, [][2]string{{"50002", "1"}}, nil), t0); res != Applied {
		t.Fatalf("nonce 102: got %v, want Applied", res)
	}

	// Nonce 103 is lost. 104 and 105 arrive and must wait.
	if res := b.ApplyUpdate(upd(104, [][2]string{{"50004", "1"}}, nil), t0); res != Buffered {
		t.Fatalf("nonce 104: got %v, want Buffered", res)
	}
	if res := b.ApplyUpdate(upd(105, [][2]string{{"50005", "1"}}, nil), t0.Add(100*time.Millisecond)); res != Buffered {
		t.Fatalf("nonce 105: got %v, want Buffered", res)
	}
	if b.LastNonce() != 102 {
		t.Fatalf("lastNonce = %d, want 102 while gap open", b.LastNonce())
	}

	// The gap outlives the grace window.
	if res := b.ApplyUpdate(upd(106, nil, nil), t0.Add(grace+time.Millisecond)); res != OutOfSync {
		t.Fatalf("after grace: got %v, want OutOfSync", res)
	}
	if b.Synced() {
		t.Fatal("book still reports synced after OutOfSync")
	}

	// Resnapshot at nonce 104 drains the buffered 105 and 106.
	if res := b.ApplySnapshot(snap(104, [][2]string{{"50004", "1"}}, [][2]string{{"50010", "1"}}), t0.Add(grace+2*time.Millisecond)); res != Applied {
		t.Fatalf("resnapshot: got %v, want Applied", res)
	}
	if b.LastNonce() != 106 {
		t.Fatalf("lastNonce = %d, want 106 after drain", b.LastNonce())
	}
	if !b.Synced() {
		t.Fatal("book not synced after resnapshot")
	}
}

func TestStaleUpdateDropped(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)
	b.ApplySnapshot(snap(100, [][2]string{{"50000", "1"}}, nil), t0)

	if res := b.ApplyUpdate(upd(100, [][2]string{{"1", "1"}}, nil), t0); res != Stale {
		t.Fatalf("got %v, want Stale", res)
	}
	if res := b.ApplyUpdate(upd(99, nil, nil), t0); res != Stale {
		t.Fatalf("got %v, want Stale", res)
	}
	if _, ok := b.bids["1"]; ok {
		t.Fatal("stale update mutated the book")
	}
}

func TestBufferLastWins(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)
	b.ApplySnapshot(snap(100, nil, nil), t0)

	// Two deltas for nonce 102 while 101 is missing; the later one wins.
	b.ApplyUpdate(upd(102, [][2]string{{"50002", "1"}}, nil), t0)
	b.ApplyUpdate(upd(102, [][2]string{{"50002", "7"}}, nil), t0)
	b.ApplyUpdate(upd(101, nil, nil), t0)

	if b.LastNonce() != 102 {
		t.Fatalf("lastNonce = %d, want 102", b.LastNonce())
	}
	if lv := b.bids["50002"]; lv.sz != 7 {
		t.Fatalf("bid size = %v, want 7 (last write wins)", lv.sz)
	}
}

func TestBuffersBeforeFirstSnapshot(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)

	if res := b.ApplyUpdate(upd(5, [][2]string{{"10", "1"}}, nil), t0); res != Buffered {
		t.Fatalf("got %v, want Buffered before first snapshot", res)
	}
	b.ApplySnapshot(snap(4, nil, nil), t0)
	if b.LastNonce() != 5 {
		t.Fatalf("lastNonce = %d, want 5 after drain", b.LastNonce())
	}
}

func TestUnseededBookRecoversAfterFailedSnapshot(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	grace := 250 * time.Millisecond
	b := New("BTC-EUR", 100, grace)

	// The initial snapshot failed; deltas keep arriving. Within the grace
	// window they buffer, but the wait must not last forever.
	if res := b.ApplyUpdate(upd(101, [][2]string{{"50001", "1"}}, nil), t0); res != Buffered {
		t.Fatalf("nonce 101: got %v, want Buffered", res)
	}
	if res := b.ApplyUpdate(upd(102, nil, nil), t0.Add(100*time.Millisecond)); res != Buffered {
		t.Fatalf("nonce 102: got %v, want Buffered", res)
	}
	if res := b.ApplyUpdate(upd(103, nil, nil), t0.Add(grace+time.Millisecond)); res != OutOfSync {
		t.Fatalf("after grace: got %v, want OutOfSync to force a snapshot retry", res)
	}

	// The retry signal re-arms once per grace window, not on every delta.
	if res := b.ApplyUpdate(upd(104, nil, nil), t0.Add(grace+2*time.Millisecond)); res != Buffered {
		t.Fatalf("right after OutOfSync: got %v, want Buffered", res)
	}

	// The retried snapshot seeds the book and drains the backlog.
	if res := b.ApplySnapshot(snap(102, [][2]string{{"50000", "1"}}, [][2]string{{"50010", "1"}}), t0.Add(grace+3*time.Millisecond)); res != Applied {
		t.Fatalf("retried snapshot: got %v, want Applied", res)
	}
	if b.LastNonce() != 104 {
		t.Fatalf("lastNonce = %d, want 104 after drain", b.LastNonce())
	}
	if !b.Synced() {
		t.Fatal("book not synced after retried snapshot")
	}
}

func TestBufferEvictsLowestNonceAtCap(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)

	for n := int64(1); n <= maxBuffered+8; n++ {
		b.ApplyUpdate(upd(n, nil, nil), t0)
	}

	if len(b.buffer) != maxBuffered {
		t.Fatalf("buffer holds %d deltas, want cap %d", len(b.buffer), maxBuffered)
	}
	if _, ok := b.buffer[1]; ok {
		t.Fatal("lowest nonce survived eviction")
	}
	if _, ok := b.buffer[maxBuffered+8]; !ok {
		t.Fatal("newest nonce was evicted")
	}
}

func TestGapExpiresOnQuietFeed(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	grace := 250 * time.Millisecond
	b := New("BTC-EUR", 100, grace)
	b.ApplySnapshot(snap(100, [][2]string{{"50000", "1"}}, nil), t0)

	// A gap opens and the feed goes silent: no further delta will ever
	// report OutOfSync, so the owner polls Expired instead.
	b.ApplyUpdate(upd(102, nil, nil), t0)
	if b.Expired(t0.Add(100 * time.Millisecond)) {
		t.Fatal("gap expired inside the grace window")
	}
	if !b.Expired(t0.Add(grace + time.Millisecond)) {
		t.Fatal("gap did not expire after the grace window")
	}
	if b.Synced() {
		t.Fatal("book still reports synced after expiry")
	}

	// Expiry fires once; the follow-up snapshot is the owner's job.
	if b.Expired(t0.Add(grace + 2*time.Millisecond)) {
		t.Fatal("expiry reported twice for one gap")
	}
}

func TestNoTopFromEmptyBook(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)

	// Unseeded: buffered deltas must not surface an all-zero tuple.
	b.ApplyUpdate(upd(5, [][2]string{{"50000", "1"}}, nil), t0)
	if _, changed := b.Top(types.SourceRealtime, t0); changed {
		t.Fatal("unseeded book emitted a top")
	}

	// Seeded but empty (dead market): still nothing to emit.
	b.ApplySnapshot(snap(10, nil, nil), t0)
	if _, changed := b.Top(types.SourceSnapshot, t0); changed {
		t.Fatal("empty book emitted a top")
	}

	// A real snapshot finally produces the first emission.
	b.ApplySnapshot(snap(11, [][2]string{{"50000", "1"}}, [][2]string{{"50010", "1"}}), t0)
	top, changed := b.Top(types.SourceSnapshot, t0)
	if !changed {
		t.Fatal("populated book did not emit a top")
	}
	if top.BidPx != 50000 || top.AskPx != 50010 {
		t.Fatalf("top = %+v", top)
	}
}

func TestTopOfBookDedup(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 100, 250*time.Millisecond)
	b.ApplySnapshot(snap(100,
		[][2]string{{"50000", "1"}, {"49990", "2"}},
		[][2]string{{"50010", "1"}, {"50020", "3"}},
	), t0)

	top, changed := b.Top(types.SourceSnapshot, t0)
	if !changed {
		t.Fatal("first Top must report a change")
	}
	if top.BidPx != 50000 || top.AskPx != 50010 {
		t.Fatalf("top = %+v", top)
	}

	// A delta that only touches a deeper level advances the nonce but must
	// not re-emit the same four-tuple.
	b.ApplyUpdate(upd(101, [][2]string{{"49990", "5"}}, nil), t0)
	if _, changed := b.Top(types.SourceRealtime, t0); changed {
		t.Fatal("deep-level change re-emitted an identical top")
	}

	// Changing the best bid size is a real change.
	b.ApplyUpdate(upd(102, [][2]string{{"50000", "2"}}, nil), t0)
	top, changed = b.Top(types.SourceRealtime, t0)
	if !changed {
		t.Fatal("best-bid size change not emitted")
	}
	if top.BidSz != 2 {
		t.Fatalf("bid size = %v, want 2", top.BidSz)
	}

	// Removing the best ask promotes the next level.
	b.ApplyUpdate(upd(103, nil, [][2]string{{"50010", "0"}}), t0)
	top, changed = b.Top(types.SourceRealtime, t0)
	if !changed {
		t.Fatal("best-ask removal not emitted")
	}
	if top.AskPx != 50020 || top.AskSz != 3 {
		t.Fatalf("ask = %v @ %v, want 3 @ 50020", top.AskSz, top.AskPx)
	}
}

func TestPruneKeepsBestLevels(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	b := New("BTC-EUR", 2, 250*time.Millisecond)
	b.ApplySnapshot(snap(100, nil, nil), t0)

	b.ApplyUpdate(upd(101, [][2]string{{"100", "1"}, {"99", "1"}, {"98", "1"}}, [][2]string{{"101", "1"}, {"102", "1"}, {"103", "1"}}), t0)

	if len(b.bids) != 2 || len(b.asks) != 2 {
		t.Fatalf("levels after prune: %d bids %d asks, want 2/2", len(b.bids), len(b.asks))
	}
	if _, ok := b.bids["98"]; ok {
		t.Fatal("worst bid survived pruning")
	}
	if _, ok := b.asks["103"]; ok {
		t.Fatal("worst ask survived pruning")
	}
}
