package indicators

import (
	"github.com/shopspring/decimal"

	"trading-guard/pkg/market"
)

// TrueRanges returns the true range of every bar after the first.
func TrueRanges(bars []market.Candle) []decimal.Decimal {
	if len(bars) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		hl := bars[i].High.Sub(bars[i].Low)
		hc := bars[i].High.Sub(prevClose).Abs()
		lc := bars[i].Low.Sub(prevClose).Abs()
		out = append(out, decimal.Max(hl, hc, lc))
	}
	return out
}

// ATR computes Wilder's average true range over period. ok is false when
// there are not enough bars.
func ATR(bars []market.Candle, period int) (atr decimal.Decimal, ok bool) {
	tr := TrueRanges(bars)
	if period <= 0 || len(tr) < period {
		return decimal.Zero, false
	}
	p := decimal.NewFromInt(int64(period))
	atr = SMA(tr[:period], period)
	for _, v := range tr[period:] {
		atr = atr.Mul(p.Sub(decimal.NewFromInt(1))).Add(v).Div(p)
	}
	return atr, true
}
