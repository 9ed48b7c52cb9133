package indicators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/pkg/cache"
	"trading-guard/pkg/market"
)

// CandleSource returns recent bars, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, count int) ([]market.Candle, error)
}

// Engine serves ATR values per symbol, recomputing at most once per TTL.
type Engine struct {
	source    CandleSource
	period    int
	timeframe string
	ttl       time.Duration
	cache     *cache.Sharded[decimal.Decimal]
	log       *logrus.Entry
}

// NewEngine builds an ATR engine.
func NewEngine(source CandleSource, period int, timeframe string, ttl time.Duration) *Engine {
	if period <= 0 {
		period = 14
	}
	if timeframe == "" {
		timeframe = "1h"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		source:    source,
		period:    period,
		timeframe: timeframe,
		ttl:       ttl,
		cache:     cache.NewSharded[decimal.Decimal](),
		log:       logrus.WithField("component", "atr"),
	}
}

// ATR returns the current ATR for symbol. ok is false when there is not
// enough history; err is set only when candles could not be fetched.
func (e *Engine) ATR(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	key := strings.ToUpper(symbol)
	if v, age, found := e.cache.GetWithAge(key); found && age < e.ttl {
		return v, true, nil
	}
	bars, err := e.source.Candles(ctx, key, e.timeframe, e.period*3)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("candles %s: %w", key, err)
	}
	atr, ok := ATR(bars, e.period)
	if !ok {
		e.log.WithFields(logrus.Fields{"symbol": key, "bars": len(bars)}).Debug("not enough bars for ATR")
		return decimal.Zero, false, nil
	}
	e.cache.Set(key, atr)
	return atr, true, nil
}
