package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"trading-guard/pkg/cache"
	"trading-guard/pkg/exchanges/common"
)

// ErrMetadataUnavailable means the instruments endpoint could not be read.
// Nothing is cached in that case; the next caller tries again.
var ErrMetadataUnavailable = fmt.Errorf("instrument metadata unavailable: %w", common.ErrDataIntegrity)

// Instrument holds the trading rules of one symbol, as exact decimals.
type Instrument struct {
	Symbol           string
	PriceTickSize    decimal.Decimal
	PriceDecimals    int32
	QtyTickSize      decimal.Decimal
	QuantityDecimals int32
	MinQuantity      decimal.Decimal
}

// InstrumentCache memoizes instrument metadata for the process lifetime,
// including a nil entry for symbols the venue does not list.
type InstrumentCache struct {
	public *PublicClient
	items  *cache.Sharded[*Instrument]
	group  singleflight.Group
	log    *logrus.Entry
}

// NewInstrumentCache creates an empty cache backed by the public client.
func NewInstrumentCache(public *PublicClient) *InstrumentCache {
	return &InstrumentCache{
		public: public,
		items:  cache.NewSharded[*Instrument](),
		log:    logrus.WithField("component", "instruments"),
	}
}

// Get returns metadata for symbol. A nil result with nil error means the
// venue does not list the symbol.
func (c *InstrumentCache) Get(ctx context.Context, symbol string) (*Instrument, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if inst, ok := c.items.Get(key); ok {
		return inst, nil
	}

	// One fetch in flight; concurrent misses wait for it.
	_, err, _ := c.group.Do("instruments", func() (any, error) {
		return nil, c.load(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}

	if c.items.SetIfAbsent(key, nil) {
		c.log.WithField("symbol", key).Warn("symbol not listed by venue, caching negative result")
	}
	inst, _ := c.items.Get(key)
	return inst, nil
}

// Put seeds an entry, e.g. for tests or symbols configured by hand.
func (c *InstrumentCache) Put(inst Instrument) {
	inst.Symbol = strings.ToUpper(inst.Symbol)
	c.items.SetIfAbsent(inst.Symbol, &inst)
}

func (c *InstrumentCache) load(ctx context.Context) error {
	if c.public == nil {
		return errors.New("no public client configured")
	}
	rows, err := c.public.get(ctx, "/public/get-instruments", nil)
	if err != nil {
		return err
	}
	loaded := 0
	for _, row := range rows {
		inst, err := parseInstrument(row)
		if err != nil {
			c.log.WithError(err).Debug("skip instrument row")
			continue
		}
		// Entries are immutable once cached.
		if c.items.SetIfAbsent(inst.Symbol, inst) {
			loaded++
		}
	}
	c.log.WithField("count", loaded).Info("instrument metadata loaded")
	return nil
}

func parseInstrument(row map[string]any) (*Instrument, error) {
	symbol := strings.ToUpper(field(row, "symbol", "instrument_name"))
	if symbol == "" {
		return nil, errors.New("missing symbol")
	}
	priceTick, err := decimalField(row, "price_tick_size", "min_price_increment")
	if err != nil {
		return nil, fmt.Errorf("%s price tick: %w", symbol, err)
	}
	qtyTick, err := decimalField(row, "qty_tick_size", "min_quantity_increment")
	if err != nil {
		return nil, fmt.Errorf("%s qty tick: %w", symbol, err)
	}
	inst := &Instrument{
		Symbol:           symbol,
		PriceTickSize:    priceTick,
		PriceDecimals:    intField(row, tickDecimals(priceTick), "price_decimals", "quote_decimals"),
		QtyTickSize:      qtyTick,
		QuantityDecimals: intField(row, tickDecimals(qtyTick), "quantity_decimals"),
		MinQuantity:      qtyTick,
	}
	if raw := field(row, "min_quantity", "min_qty"); raw != "" {
		if minQty, err := decimal.NewFromString(raw); err == nil {
			inst.MinQuantity = minQty
		}
	}
	return inst, nil
}

func decimalField(row map[string]any, keys ...string) (decimal.Decimal, error) {
	raw := field(row, keys...)
	if raw == "" {
		return decimal.Zero, errors.New("missing")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive tick %s", raw)
	}
	return d, nil
}

func intField(row map[string]any, def int32, keys ...string) int32 {
	raw := field(row, keys...)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// tickDecimals is the number of fractional digits a tick size implies.
func tickDecimals(tick decimal.Decimal) int32 {
	s := tick.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}
