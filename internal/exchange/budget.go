// budget.go implements rate limiting against the Bitvavo weight budget.
//
// Bitvavo allows 1000 request weight per rolling minute and reports the
// remaining allowance on every response via the bitvavo-ratelimit-remaining
// and bitvavo-ratelimit-resetat headers. Two mechanisms cooperate here:
//
//   - Budget tracks the server-reported remaining weight. Services that must
//     never trip the limit (the trading core, the executor) call WaitBudget
//     before acting and block until the allowance recovers.
//
//   - TokenBucket smooths bursty local call patterns (snapshot storms during
//     book resync, subscription chunking) with a continuous refill so we do
//     not spend the whole weight budget in one spike.
package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// fullBudget is the per-minute weight allowance for an authenticated key.
const fullBudget = 1000

// Budget tracks the server-reported remaining request weight.
type Budget struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	updated   time.Time
}

// NewBudget starts from a full allowance.
func NewBudget() *Budget {
	return &Budget{remaining: fullBudget}
}

// Observe records the rate-limit headers of one response. Missing or
// malformed headers are ignored.
func (b *Budget) Observe(remainingHdr, resetAtHdr string) {
	rem, err := strconv.Atoi(remainingHdr)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = rem
	b.updated = time.Now()
	if ms, err := strconv.ParseInt(resetAtHdr, 10, 64); err == nil {
		b.resetAt = time.UnixMilli(ms)
	}
}

// Remaining returns the last observed allowance. Once the reported reset
// time has passed (or no response was seen for a minute) the allowance is
// assumed to be full again.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if !b.resetAt.IsZero() && now.After(b.resetAt) {
		return fullBudget
	}
	if b.resetAt.IsZero() && now.Sub(b.updated) > time.Minute {
		return fullBudget
	}
	return b.remaining
}

// WaitBudget blocks until at least min weight is available or ctx is
// cancelled. Polls every 300ms, matching the cadence of the guard loop.
func (b *Budget) WaitBudget(ctx context.Context, min int) error {
	for {
		if b.Remaining() >= min {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
}

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
