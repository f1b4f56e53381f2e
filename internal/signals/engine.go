// engine.go holds the pure scoring logic: feature extraction per candle and
// the filter bank. The stream plumbing lives in service.go.
package signals

import (
	"time"

	"bitvavo-trader/internal/config"
	"bitvavo-trader/pkg/types"
)

const bodyEps = 1e-12

// Reasons as they appear on the signal stream.
const (
	ReasonSpread      = "spread"
	ReasonVolatility  = "volatility"
	ReasonVolumeSpike = "volume_spike"
	ReasonWick        = "wick"
)

// Engine scores candles for all markets it has seen.
type Engine struct {
	cfg    config.SignalsConfig
	states map[string]*MarketState
}

// NewEngine creates an engine with empty per-market state.
func NewEngine(cfg config.SignalsConfig) *Engine {
	return &Engine{cfg: cfg, states: make(map[string]*MarketState)}
}

func (e *Engine) state(market string) *MarketState {
	st, ok := e.states[market]
	if !ok {
		st = NewMarketState(e.cfg.VolWindow, e.cfg.SpikeWindow)
		e.states[market] = st
	}
	return st
}

// OnTop records a top-of-book emission for the spread predicate.
func (e *Engine) OnTop(market string, bid, ask float64) {
	st := e.state(market)
	st.BestBid, st.BestAsk = bid, ask
}

// OnTicker keeps last_close fresh for markets with infrequent candles.
func (e *Engine) OnTicker(market string, last float64) {
	if last <= 0 {
		return
	}
	e.state(market).LastClose = last
}

// OnCandle folds one candle into the market's rolling state, evaluates the
// filter bank, and returns a signal iff at least one predicate fired.
//
// Every feature — the wick ratio included — is computed before the filter
// pass, so the predicates only ever see values from the current candle.
func (e *Engine) OnCandle(c types.Candle, now time.Time) (types.Signal, bool) {
	st := e.state(c.Market)

	if st.LastClose > 0 {
		st.Returns.Push((c.Close - st.LastClose) / st.LastClose)
	}
	st.LastClose = c.Close
	st.Volumes.Push(c.Volume)

	wick := wickRatio(c)
	spreadBps := st.SpreadBps()

	details := map[string]any{
		"wick_ratio": wick,
		"vol_last":   c.Volume,
		"open":       c.Open,
		"high":       c.High,
		"low":        c.Low,
		"close":      c.Close,
	}
	var score float64
	var reasons []string

	if spreadBps >= 0 {
		details["spread_bps"] = spreadBps
		if spreadBps <= e.cfg.SpreadBpsMax {
			score++
			reasons = append(reasons, ReasonSpread)
		}
	}

	// Volatility needs a minimally filled returns window before the sample
	// standard deviation means anything.
	if minSamples := maxInt(5, e.cfg.VolWindow/3); st.Returns.Len() >= minSamples {
		volStd := Std(st.Returns.Values())
		details["vol_std"] = volStd
		if volStd >= e.cfg.VolStdMin {
			score++
			reasons = append(reasons, ReasonVolatility)
		}
	}

	// Spike compares the last volume to the mean of everything before it;
	// below 5 samples the predicate is suppressed.
	if vols := st.Volumes.Values(); len(vols) >= 5 {
		hist := vols[:len(vols)-1]
		mean := Mean(hist)
		details["vol_mean"] = mean
		if mean > 0 {
			ratio := c.Volume / mean
			details["vol_ratio"] = ratio
			if ratio >= e.cfg.SpikeMult {
				score++
				reasons = append(reasons, ReasonVolumeSpike)
			}
		}
	}

	if wick >= e.cfg.WickRatioMin {
		score++
		reasons = append(reasons, ReasonWick)
	}

	if score == 0 {
		return types.Signal{}, false
	}
	return types.Signal{
		Market:  c.Market,
		Score:   score,
		Reasons: reasons,
		Details: details,
		T:       types.NowISO(now),
	}, true
}

// wickRatio is max(upper wick, lower wick) over the candle body.
func wickRatio(c types.Candle) float64 {
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	if body < bodyEps {
		body = bodyEps
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	upper := c.High - hi
	if upper < 0 {
		upper = 0
	}
	lower := lo - c.Low
	if lower < 0 {
		lower = 0
	}
	wick := upper
	if lower > wick {
		wick = lower
	}
	return wick / body
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
