// Package gateway routes venue calls across the direct path, the signing
// proxy and the backup trading service.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

// Primary is the venue client; it can be asked to use the proxy per call.
type Primary interface {
	common.Gateway
	ProxyConfigured() bool
}

// FailoverObserver is told whenever a call moves to another route.
type FailoverObserver interface {
	ObserveFailover(op string, from, to common.Route)
}

// Options configures a Router.
type Options struct {
	ProxyDefault          bool // primary uses the proxy unless a call overrides it
	FailoverWritesEnabled bool
}

// Router implements common.Gateway with failover. Only authentication and
// network failures move a call to another route; everything else is
// returned to the caller unchanged.
type Router struct {
	primary  Primary
	backup   common.Gateway
	opts     Options
	breaker  *ConditionalBreaker
	observer FailoverObserver
	log      *logrus.Entry
}

// NewRouter builds a router. backup may be nil.
func NewRouter(primary Primary, backup common.Gateway, breaker *ConditionalBreaker, opts Options) *Router {
	if breaker == nil {
		breaker = NewConditionalBreaker(0, nil)
	}
	return &Router{
		primary: primary,
		backup:  backup,
		opts:    opts,
		breaker: breaker,
		log:     logrus.WithField("component", "router"),
	}
}

// SetFailoverObserver installs a metrics hook.
func (r *Router) SetFailoverObserver(o FailoverObserver) { r.observer = o }

// Breaker exposes the conditional-order breaker.
func (r *Router) Breaker() *ConditionalBreaker { return r.breaker }

// BackupConfigured reports whether a backup service is wired.
func (r *Router) BackupConfigured() bool { return r.backup != nil }

func (r *Router) proxied(ctx context.Context) bool {
	if on, set := common.ProxyMode(ctx); set {
		return on
	}
	return r.opts.ProxyDefault
}

func (r *Router) failover(op string, from, to common.Route, err error) {
	r.log.WithError(err).WithFields(logrus.Fields{"op": op, "from": from, "to": to}).Warn("failing over")
	if r.observer != nil {
		r.observer.ObserveFailover(op, from, to)
	}
}

func run[T any](ctx context.Context, r *Router, op string, write bool, call func(context.Context, common.Gateway) (T, error)) (T, error) {
	v, err := call(ctx, r.primary)
	if err == nil {
		return v, nil
	}
	from := common.RouteDirect
	if r.proxied(ctx) {
		from = common.RouteProxy
	}

	if errors.Is(err, common.ErrAuthentication) && from == common.RouteDirect && r.primary.ProxyConfigured() {
		r.failover(op, from, common.RouteProxy, err)
		from = common.RouteProxy
		if v, err = call(common.WithProxyMode(ctx, true), r.primary); err == nil {
			return v, nil
		}
	}

	if !common.Retriable(err) || r.backup == nil || (write && !r.opts.FailoverWritesEnabled) {
		return v, err
	}
	if ctx.Err() != nil {
		return v, err
	}
	r.failover(op, from, common.RouteBackup, err)
	bv, berr := call(ctx, r.backup)
	if berr != nil {
		return bv, fmt.Errorf("%s: backup failed after %v: %w", op, err, berr)
	}
	return bv, nil
}

// GetOpenOrders implements common.Reader.
func (r *Router) GetOpenOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	return run(ctx, r, "get_open_orders", false, func(ctx context.Context, g common.Gateway) ([]common.ExchangeOrder, error) {
		return g.GetOpenOrders(ctx)
	})
}

// GetTriggerOrders implements common.Reader.
func (r *Router) GetTriggerOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	return run(ctx, r, "get_trigger_orders", false, func(ctx context.Context, g common.Gateway) ([]common.ExchangeOrder, error) {
		return g.GetTriggerOrders(ctx)
	})
}

// GetOrderHistory implements common.Reader.
func (r *Router) GetOrderHistory(ctx context.Context, start, end int64) ([]common.ExchangeOrder, error) {
	return run(ctx, r, "get_order_history", false, func(ctx context.Context, g common.Gateway) ([]common.ExchangeOrder, error) {
		return g.GetOrderHistory(ctx, start, end)
	})
}

// GetAccountSummary implements common.Reader.
func (r *Router) GetAccountSummary(ctx context.Context) ([]common.AssetBalance, error) {
	return run(ctx, r, "get_account_summary", false, func(ctx context.Context, g common.Gateway) ([]common.AssetBalance, error) {
		return g.GetAccountSummary(ctx)
	})
}

// PlaceMarket implements common.Writer.
func (r *Router) PlaceMarket(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return run(ctx, r, "place_market", true, func(ctx context.Context, g common.Gateway) (common.OrderResult, error) {
		return g.PlaceMarket(ctx, req)
	})
}

// PlaceLimit implements common.Writer.
func (r *Router) PlaceLimit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return run(ctx, r, "place_limit", true, func(ctx context.Context, g common.Gateway) (common.OrderResult, error) {
		return g.PlaceLimit(ctx, req)
	})
}

// PlaceStopLoss implements common.Writer behind the conditional breaker.
func (r *Router) PlaceStopLoss(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return r.conditional(ctx, "place_stop_loss", req, func(ctx context.Context, g common.Gateway) (common.OrderResult, error) {
		return g.PlaceStopLoss(ctx, req)
	})
}

// PlaceTakeProfit implements common.Writer behind the conditional breaker.
func (r *Router) PlaceTakeProfit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return r.conditional(ctx, "place_take_profit", req, func(ctx context.Context, g common.Gateway) (common.OrderResult, error) {
		return g.PlaceTakeProfit(ctx, req)
	})
}

func (r *Router) conditional(ctx context.Context, op string, req common.OrderRequest, call func(context.Context, common.Gateway) (common.OrderResult, error)) (common.OrderResult, error) {
	if err := r.breaker.Allow(); err != nil {
		return common.OrderResult{}, fmt.Errorf("%s %s: %w", op, req.Symbol, err)
	}
	res, err := run(ctx, r, op, true, call)
	if errors.Is(err, common.ErrFeatureDisabled) {
		r.breaker.Trip(err)
	}
	return res, err
}

// Cancel implements common.Writer.
func (r *Router) Cancel(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := run(ctx, r, "cancel", true, func(ctx context.Context, g common.Gateway) (struct{}, error) {
		return struct{}{}, g.Cancel(ctx, symbol, exchangeOrderID)
	})
	return err
}
