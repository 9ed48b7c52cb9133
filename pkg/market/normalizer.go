package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

// Rejections are validation errors so failover never escalates them.
var (
	ErrUnknownSymbol    = fmt.Errorf("%w: symbol not listed", common.ErrValidation)
	ErrBelowMinQuantity = fmt.Errorf("%w: quantity below instrument minimum", common.ErrValidation)
	ErrNonPositive      = fmt.Errorf("%w: value must be positive", common.ErrValidation)
	ErrUnknownKind      = fmt.Errorf("%w: unknown price kind", common.ErrValidation)
)

// MetadataSource supplies instrument rules.
type MetadataSource interface {
	Get(ctx context.Context, symbol string) (*Instrument, error)
}

// Normalizer quantizes prices and quantities to the venue's tick sizes.
type Normalizer struct {
	meta MetadataSource
}

// NewNormalizer wraps a metadata source.
func NewNormalizer(meta MetadataSource) *Normalizer {
	return &Normalizer{meta: meta}
}

type rounding int

const (
	roundFloor rounding = iota
	roundCeil
)

// roundingFor is the direction table: buyers never overpay, sellers never
// undersell, stop triggers are conservative and targets are always met.
func roundingFor(kind common.PriceKind, side common.Side) (rounding, error) {
	switch kind {
	case common.PriceKindLimit:
		if side == common.SideSell {
			return roundCeil, nil
		}
		return roundFloor, nil
	case common.PriceKindStopLoss:
		return roundFloor, nil
	case common.PriceKindTakeProfit:
		return roundCeil, nil
	}
	return roundFloor, ErrUnknownKind
}

func (n *Normalizer) instrument(ctx context.Context, symbol string) (*Instrument, error) {
	inst, err := n.meta.Get(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return inst, nil
}

// NormalizeQuantity floors raw to the quantity tick and formats it with the
// instrument's quantity decimals.
func (n *Normalizer) NormalizeQuantity(ctx context.Context, symbol string, raw decimal.Decimal) (string, error) {
	inst, err := n.instrument(ctx, symbol)
	if err != nil {
		return "", err
	}
	q := quantize(raw, inst.QtyTickSize, roundFloor).Truncate(inst.QuantityDecimals)
	if !q.IsPositive() || q.LessThan(inst.MinQuantity) {
		return "", fmt.Errorf("%s qty %s -> %s (min %s): %w", symbol, raw, q, inst.MinQuantity, ErrBelowMinQuantity)
	}
	return q.StringFixed(inst.QuantityDecimals), nil
}

// NormalizePrice quantizes raw in the direction the kind/side table picks.
func (n *Normalizer) NormalizePrice(ctx context.Context, symbol string, raw decimal.Decimal, side common.Side, kind common.PriceKind) (string, error) {
	dir, err := roundingFor(kind, side)
	if err != nil {
		return "", err
	}
	if !raw.IsPositive() {
		return "", fmt.Errorf("%s price %s: %w", symbol, raw, ErrNonPositive)
	}
	inst, err := n.instrument(ctx, symbol)
	if err != nil {
		return "", err
	}
	places := inst.PriceDecimals
	if implied := tickDecimals(inst.PriceTickSize); implied > places {
		places = implied
	}
	return quantize(raw, inst.PriceTickSize, dir).StringFixed(places), nil
}

// quantize snaps raw to a multiple of tick. QuoRem keeps the division exact.
func quantize(raw, tick decimal.Decimal, dir rounding) decimal.Decimal {
	if !tick.IsPositive() {
		return raw
	}
	q, r := raw.QuoRem(tick, 0)
	switch {
	case dir == roundCeil && r.IsPositive():
		q = q.Add(decimal.NewFromInt(1))
	case dir == roundFloor && r.IsNegative():
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(tick)
}
