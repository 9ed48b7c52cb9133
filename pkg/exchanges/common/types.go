package common

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide accepts any casing.
func ParseSide(v string) (Side, bool) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// OrderType is the order type as stored locally.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLimit       OrderType = "STOP_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// IsEntry reports whether orders of this type open positions.
func (t OrderType) IsEntry() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// IsConditional reports whether the type carries a trigger price.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeStopLimit || t == OrderTypeTakeProfitLimit
}

// Complement maps a protective type to its OCO counterpart.
func (t OrderType) Complement() OrderType {
	switch t {
	case OrderTypeStopLimit:
		return OrderTypeTakeProfitLimit
	case OrderTypeTakeProfitLimit:
		return OrderTypeStopLimit
	}
	return t
}

// ParseOrderType maps exchange spellings (including the aliases the venue
// accepts on input) onto the local types.
func ParseOrderType(v string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "MARKET":
		return OrderTypeMarket, true
	case "LIMIT":
		return OrderTypeLimit, true
	case "STOP_LIMIT", "STOP_LOSS", "STOP_LOSS_LIMIT":
		return OrderTypeStopLimit, true
	case "TAKE_PROFIT_LIMIT", "TAKE_PROFIT":
		return OrderTypeTakeProfitLimit, true
	}
	return "", false
}

// OrderRole tags why an order exists.
type OrderRole string

const (
	RoleEntry      OrderRole = "ENTRY"
	RoleStopLoss   OrderRole = "STOP_LOSS"
	RoleTakeProfit OrderRole = "TAKE_PROFIT"
)

// IsProtective reports whether the role belongs to an SL/TP pair.
func (r OrderRole) IsProtective() bool {
	return r == RoleStopLoss || r == RoleTakeProfit
}

// Complement returns the other leg of a protective pair.
func (r OrderRole) Complement() OrderRole {
	switch r {
	case RoleStopLoss:
		return RoleTakeProfit
	case RoleTakeProfit:
		return RoleStopLoss
	}
	return r
}

// RoleForType infers a role for orders first observed on the exchange.
func RoleForType(t OrderType) OrderRole {
	switch t {
	case OrderTypeStopLimit:
		return RoleStopLoss
	case OrderTypeTakeProfitLimit:
		return RoleTakeProfit
	}
	return RoleEntry
}

// PriceKind selects the rounding rule used by the normalizer.
type PriceKind string

const (
	PriceKindLimit      PriceKind = "LIMIT"
	PriceKindStopLoss   PriceKind = "STOP_LOSS"
	PriceKindTakeProfit PriceKind = "TAKE_PROFIT"
)

// OrderRequest captures an order intent with raw (not yet quantized) values.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price; required for LIMIT and conditional types
	TriggerPrice  decimal.Decimal // required for conditional types
	ClientOrderID string          // generated when empty
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	Quantity        string // normalized values actually sent
	Price           string
	TriggerPrice    string
	Variant         string // variant id that was accepted, conditional orders only
	Route           Route
}

// Route records which path served a call.
type Route string

const (
	RouteDirect Route = "direct"
	RouteProxy  Route = "proxy"
	RouteBackup Route = "backup"
)

// ExchangeOrder is an order as reported by the venue (or the backup service).
type ExchangeOrder struct {
	ExchangeOrderID    string          `json:"exchange_order_id"`
	ClientOrderID      string          `json:"client_order_id"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	Type               OrderType       `json:"order_type"`
	Status             OrderStatus     `json:"status"`
	Price              decimal.Decimal `json:"price"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Executed reports whether any quantity has traded.
func (o ExchangeOrder) Executed() bool {
	return o.CumulativeQuantity.IsPositive()
}

// AssetBalance is one row of an account summary.
type AssetBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// BaseAsset returns the base currency of symbols like BTC_USDT.
func BaseAsset(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if i := strings.IndexAny(symbol, "_-/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
