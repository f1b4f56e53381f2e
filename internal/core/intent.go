// Package core is the trading core: it consumes scored signals, runs them
// through the guard rails, and appends accepted intents to the order outbox.
package core

import (
	"encoding/json"
	"fmt"
	"strconv"

	"bitvavo-trader/pkg/types"
)

// Kind classifies an intent by the dominant feature behind its signal.
type Kind string

const (
	KindGeneric       Kind = "generic"
	KindMomentum      Kind = "momentum"
	KindMeanReversion Kind = "mean_reversion"
)

// Intent is one actionable, parsed signal.
type Intent struct {
	SignalID string
	Market   string
	Side     types.Side
	Price    float64 // 0 means market order
	SizeEUR  float64
	Score    float64
	Reasons  []string
	Details  map[string]any
	Kind     Kind
}

// ParseIntent builds an intent from one signal-stream record. defaultSize is
// the EUR spend used when the signal does not carry its own size.
// Malformed records (missing market, unknown side) are rejected.
func ParseIntent(signalID string, fields map[string]string, defaultSize float64) (*Intent, error) {
	market := fields["market"]
	if market == "" {
		return nil, fmt.Errorf("signal %s: missing market", signalID)
	}

	var reasons []string
	if raw := fields["reasons"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
			return nil, fmt.Errorf("signal %s: bad reasons: %w", signalID, err)
		}
	}
	details := map[string]any{}
	if raw := fields["details"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &details); err != nil {
			return nil, fmt.Errorf("signal %s: bad details: %w", signalID, err)
		}
	}

	side := types.Side("buy")
	if s, ok := details["side"].(string); ok && s != "" {
		side = types.Side(s)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("signal %s: unknown side %q", signalID, side)
	}

	score, _ := strconv.ParseFloat(fields["score"], 64)

	size := defaultSize
	if v, ok := detailFloat(details, "size_eur"); ok && v > 0 {
		size = v
	}
	price, _ := detailFloat(details, "price")

	return &Intent{
		SignalID: signalID,
		Market:   market,
		Side:     side,
		Price:    price,
		SizeEUR:  size,
		Score:    score,
		Reasons:  reasons,
		Details:  details,
		Kind:     classify(reasons),
	}, nil
}

// classify tags the intent from the fired predicates. A wick signal is a
// mean-reversion entry and wins over momentum when both fired.
func classify(reasons []string) Kind {
	kind := KindGeneric
	for _, r := range reasons {
		switch r {
		case "wick":
			return KindMeanReversion
		case "volatility", "volume_spike":
			kind = KindMomentum
		}
	}
	return kind
}

func detailFloat(details map[string]any, key string) (float64, bool) {
	switch v := details[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
