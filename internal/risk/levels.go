package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

// Levels are the raw (unrounded) protective prices for one entry.
type Levels struct {
	ExitSide    common.Side
	StopTrigger decimal.Decimal
	StopLimit   decimal.Decimal
	TakeTrigger decimal.Decimal
	TakeLimit   decimal.Decimal
	ATR         decimal.Decimal // zero when ATR bounds were not applied
}

// ComputeLevels derives stop and target prices from the entry. When atr is
// positive and bounds are enabled, each distance is clamped into the
// configured ATR multiples.
func ComputeLevels(params Params, bounds ATRBounds, entrySide common.Side, entry, atr decimal.Decimal) (Levels, error) {
	if !entry.IsPositive() {
		return Levels{}, fmt.Errorf("entry price %s: %w", entry, common.ErrValidation)
	}
	if !entrySide.Valid() {
		return Levels{}, fmt.Errorf("entry side %q: %w", entrySide, common.ErrValidation)
	}

	stopDist := entry.Mul(params.StopLossPct)
	takeDist := entry.Mul(params.TakeProfitPct)
	lv := Levels{ExitSide: entrySide.Opposite()}
	if bounds.Enabled && atr.IsPositive() {
		stopDist = clamp(stopDist, atr.Mul(bounds.StopMinMult), atr.Mul(bounds.StopMaxMult))
		takeDist = clamp(takeDist, atr.Mul(bounds.TakeMinMult), atr.Mul(bounds.TakeMaxMult))
		lv.ATR = atr
	}

	one := decimal.NewFromInt(1)
	if entrySide == common.SideBuy {
		lv.StopTrigger = entry.Sub(stopDist)
		lv.TakeTrigger = entry.Add(takeDist)
		lv.StopLimit = lv.StopTrigger.Mul(one.Sub(params.LimitOffsetPct))
	} else {
		lv.StopTrigger = entry.Add(stopDist)
		lv.TakeTrigger = entry.Sub(takeDist)
		lv.StopLimit = lv.StopTrigger.Mul(one.Add(params.LimitOffsetPct))
	}
	lv.TakeLimit = lv.TakeTrigger

	if !lv.StopTrigger.IsPositive() || !lv.TakeTrigger.IsPositive() || !lv.StopLimit.IsPositive() {
		return Levels{}, fmt.Errorf("levels for entry %s are not positive: %w", entry, common.ErrValidation)
	}
	return lv, nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
