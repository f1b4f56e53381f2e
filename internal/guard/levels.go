// levels.go is the pure exit-price math.
package guard

import "github.com/shopspring/decimal"

// Levels are the exit prices derived from one position and the last peak.
type Levels struct {
	TpPx    float64 // avg · (1 + TP), floored to the market's price decimals
	HardSL  float64 // avg · (1 − SL)
	TrailSL float64 // peak · (1 − TRAIL)
	SlPx    float64 // max(HardSL, TrailSL)
}

// ComputeLevels derives the exit prices. The TP is truncated (floor) so a
// resting limit never asks a tick more than the target; the stops stay
// untruncated since they only gate a market sell.
func ComputeLevels(avg, peak, tpPct, slPct, trailPct float64, priceDecimals int) Levels {
	tp := decimal.NewFromFloat(avg * (1 + tpPct)).Truncate(int32(priceDecimals))
	lv := Levels{
		TpPx:    tp.InexactFloat64(),
		HardSL:  avg * (1 - slPct),
		TrailSL: peak * (1 - trailPct),
	}
	lv.SlPx = lv.HardSL
	if lv.TrailSL > lv.SlPx {
		lv.SlPx = lv.TrailSL
	}
	return lv
}
