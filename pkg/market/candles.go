package market

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLC bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

// Candles fetches the most recent bars for symbol, oldest first.
func (c *PublicClient) Candles(ctx context.Context, symbol, timeframe string, count int) ([]Candle, error) {
	query := map[string]string{"instrument_name": symbol, "timeframe": timeframe}
	if count > 0 {
		query["count"] = strconv.Itoa(count)
	}
	rows, err := c.get(ctx, "/public/get-candlestick", query)
	if err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		var (
			bar Candle
			err error
		)
		if bar.Open, err = decimal.NewFromString(field(row, "o")); err != nil {
			return nil, fmt.Errorf("candle open: %w", err)
		}
		if bar.High, err = decimal.NewFromString(field(row, "h")); err != nil {
			return nil, fmt.Errorf("candle high: %w", err)
		}
		if bar.Low, err = decimal.NewFromString(field(row, "l")); err != nil {
			return nil, fmt.Errorf("candle low: %w", err)
		}
		if bar.Close, err = decimal.NewFromString(field(row, "c")); err != nil {
			return nil, fmt.Errorf("candle close: %w", err)
		}
		if ms, err := strconv.ParseInt(field(row, "t"), 10, 64); err == nil {
			bar.OpenTime = time.UnixMilli(ms).UTC()
		}
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}
