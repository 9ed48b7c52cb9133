package common

import "context"

type proxyModeKey struct{}

// WithProxyMode returns a context that forces (or forbids) routing through
// the signing proxy for calls made with it. The override is scoped to the
// context, so concurrent callers never see each other's choice.
func WithProxyMode(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, proxyModeKey{}, on)
}

// ProxyMode reports the override carried by ctx, if any.
func ProxyMode(ctx context.Context) (on bool, set bool) {
	v, ok := ctx.Value(proxyModeKey{}).(bool)
	return v, ok
}

// Reader is the read side of a venue.
type Reader interface {
	GetOpenOrders(ctx context.Context) ([]ExchangeOrder, error)
	GetTriggerOrders(ctx context.Context) ([]ExchangeOrder, error)
	GetOrderHistory(ctx context.Context, start, end int64) ([]ExchangeOrder, error)
	GetAccountSummary(ctx context.Context) ([]AssetBalance, error)
}

// Writer is the write side of a venue.
type Writer interface {
	PlaceMarket(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceLimit(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceStopLoss(ctx context.Context, req OrderRequest) (OrderResult, error)
	PlaceTakeProfit(ctx context.Context, req OrderRequest) (OrderResult, error)
	Cancel(ctx context.Context, symbol, exchangeOrderID string) error
}

// Gateway abstracts a trading venue.
type Gateway interface {
	Reader
	Writer
}
