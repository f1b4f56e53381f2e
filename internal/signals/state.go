// Package signals maintains per-market rolling statistics and scores each
// candle against the baseline filter bank.
package signals

import "math"

// Ring is a bounded FIFO of float64 samples. Pushing past capacity evicts
// the oldest sample.
type Ring struct {
	buf []float64
	cap int
}

// NewRing creates a ring holding up to n samples.
func NewRing(n int) *Ring {
	return &Ring{cap: n}
}

// Push appends one sample, evicting the oldest when full.
func (r *Ring) Push(v float64) {
	if len(r.buf) == r.cap {
		copy(r.buf, r.buf[1:])
		r.buf[len(r.buf)-1] = v
		return
	}
	r.buf = append(r.buf, v)
}

// Len returns the number of held samples.
func (r *Ring) Len() int { return len(r.buf) }

// Values returns the samples oldest-first. The slice is shared; callers must
// not mutate it.
func (r *Ring) Values() []float64 { return r.buf }

// Last returns the newest sample, or 0 when empty.
func (r *Ring) Last() float64 {
	if len(r.buf) == 0 {
		return 0
	}
	return r.buf[len(r.buf)-1]
}

// Mean of xs; 0 when empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Std is the sample standard deviation of xs; 0 below two samples.
func Std(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	mean := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// MarketState is one market's rolling window: returns, volumes, the last
// close, and the last top-of-book.
type MarketState struct {
	Returns   *Ring
	Volumes   *Ring
	LastClose float64
	BestBid   float64
	BestAsk   float64
}

// NewMarketState sizes the deques from the configured windows.
func NewMarketState(retWindow, volWindow int) *MarketState {
	return &MarketState{
		Returns: NewRing(retWindow),
		Volumes: NewRing(volWindow),
	}
}

// SpreadBps returns the current spread in basis points, or -1 when either
// side of the book is unknown.
func (s *MarketState) SpreadBps() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return -1
	}
	mid := (s.BestBid + s.BestAsk) / 2
	return (s.BestAsk - s.BestBid) / mid * 10_000
}
