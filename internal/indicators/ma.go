package indicators

import "github.com/shopspring/decimal"

// SMA calculates the simple moving average of the last period values.
// It returns zero when there are fewer values than period.
func SMA(values []decimal.Decimal, period int) decimal.Decimal {
	if period <= 0 || len(values) < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
