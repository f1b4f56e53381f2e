// guards.go is the pure risk-rule evaluation. The service gathers the KV
// state; the rules here never touch I/O, which keeps them directly testable.
package core

import (
	"fmt"

	"bitvavo-trader/internal/config"
)

// eps absorbs float drift in the cap comparisons so a position sized exactly
// at the cap is not rejected by the last bit of an increment chain.
const eps = 1e-9

// GuardState is the KV snapshot the guards evaluate against.
type GuardState struct {
	KillSwitch     bool
	PositionsCount int64
	GlobalExposure float64
	AssetExposure  float64 // exposure for the intent's market
	EURAvailable   float64
	SlotBudgetEUR  float64
}

// BlockError is a rejected intent. Reason is a stable label for metrics and
// the event log; the message carries the numbers.
type BlockError struct {
	Reason string
	Msg    string
}

func (e *BlockError) Error() string { return e.Msg }

func block(reason, format string, args ...any) *BlockError {
	return &BlockError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// EvaluateGuards runs the rules in order and returns the first violation,
// or nil when the intent may proceed.
//
// Order: kill switch, slot cap, global cap, per-asset cap, available EUR.
func EvaluateGuards(cfg config.CoreConfig, st GuardState, sizeEUR float64) *BlockError {
	if st.KillSwitch {
		return block("kill_switch", "kill switch engaged")
	}

	if cfg.MaxConcurrentPos > 0 && st.PositionsCount >= int64(cfg.MaxConcurrentPos) {
		return block("slot_cap", "slot cap reached: %d positions open, max %d", st.PositionsCount, cfg.MaxConcurrentPos)
	}

	globalCap := cfg.MaxGlobalExposure
	if globalCap <= 0 {
		// No hard cap configured: everything already deployed plus what is
		// still available is the ceiling.
		globalCap = st.GlobalExposure + st.EURAvailable
	}
	if st.GlobalExposure+sizeEUR > globalCap+eps {
		return block("global_cap", "global cap exceeded: %.2f + %.2f > %.2f", st.GlobalExposure, sizeEUR, globalCap)
	}

	if assetCap := assetCap(cfg, globalCap, st.SlotBudgetEUR); assetCap > 0 && st.AssetExposure+sizeEUR > assetCap+eps {
		return block("asset_cap", "asset cap exceeded: %.2f + %.2f > %.2f", st.AssetExposure, sizeEUR, assetCap)
	}

	if st.EURAvailable > 0 && sizeEUR > st.EURAvailable+eps {
		return block("eur_available", "insufficient EUR: need %.2f, have %.2f", sizeEUR, st.EURAvailable)
	}

	return nil
}

// assetCap combines the configured per-asset ceilings by taking the minimum
// of the values that are actually set. Returns 0 when none is.
func assetCap(cfg config.CoreConfig, globalCap, slotBudget float64) float64 {
	limit := 0.0
	consider := func(v float64) {
		if v > 0 && (limit == 0 || v < limit) {
			limit = v
		}
	}
	consider(cfg.MaxPerAssetEUR)
	if cfg.PerAssetFrac > 0 {
		consider(cfg.PerAssetFrac * globalCap)
	}
	consider(slotBudget)
	return limit
}
