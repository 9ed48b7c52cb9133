package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

// Kind is the order kind accepted from operators.
type Kind string

const (
	KindMarket     Kind = "MARKET"
	KindLimit      Kind = "LIMIT"
	KindStopLoss   Kind = "STOP_LOSS"
	KindTakeProfit Kind = "TAKE_PROFIT"
)

// ParseKind accepts any casing and the stored type names.
func ParseKind(v string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "MARKET":
		return KindMarket, true
	case "LIMIT":
		return KindLimit, true
	case "STOP_LOSS", "STOP_LIMIT":
		return KindStopLoss, true
	case "TAKE_PROFIT", "TAKE_PROFIT_LIMIT":
		return KindTakeProfit, true
	}
	return "", false
}

// OrderType is the stored type for k.
func (k Kind) OrderType() common.OrderType {
	switch k {
	case KindLimit:
		return common.OrderTypeLimit
	case KindStopLoss:
		return common.OrderTypeStopLimit
	case KindTakeProfit:
		return common.OrderTypeTakeProfitLimit
	}
	return common.OrderTypeMarket
}

// Request is a manual order intent. Prices and quantity are raw; the
// gateway quantizes them.
type Request struct {
	Symbol        string
	Side          common.Side
	Kind          Kind
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
}

// Validate checks the fields each kind needs.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required: %w", common.ErrValidation)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("side %q: %w", r.Side, common.ErrValidation)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive: %w", common.ErrValidation)
	}
	switch r.Kind {
	case KindMarket:
	case KindLimit:
		if !r.Price.IsPositive() {
			return fmt.Errorf("limit order needs a price: %w", common.ErrValidation)
		}
	case KindStopLoss, KindTakeProfit:
		if !r.TriggerPrice.IsPositive() {
			return fmt.Errorf("%s order needs a trigger price: %w", strings.ToLower(string(r.Kind)), common.ErrValidation)
		}
	default:
		return fmt.Errorf("order kind %q: %w", r.Kind, common.ErrValidation)
	}
	return nil
}

func (r Request) exchange() common.OrderRequest {
	price := r.Price
	if (r.Kind == KindStopLoss || r.Kind == KindTakeProfit) && !price.IsPositive() {
		price = r.TriggerPrice
	}
	return common.OrderRequest{
		Symbol:        strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Side:          r.Side,
		Type:          r.Kind.OrderType(),
		Quantity:      r.Quantity,
		Price:         price,
		TriggerPrice:  r.TriggerPrice,
		ClientOrderID: r.ClientOrderID,
	}
}
