package cryptocom

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

var errMissingValue = fmt.Errorf("%w: required value missing", common.ErrValidation)

// PlaceMarket submits a market order for req.Quantity.
func (c *Client) PlaceMarket(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	qty, err := c.norm.NormalizeQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return common.OrderResult{}, err
	}
	clientOID := c.clientOID(req)
	params := map[string]any{
		"instrument_name": req.Symbol,
		"side":            string(req.Side),
		"type":            string(common.OrderTypeMarket),
		"quantity":        qty,
		"client_oid":      clientOID,
	}
	res, err := c.submit(ctx, params)
	if err != nil {
		return common.OrderResult{}, err
	}
	res.ClientOrderID = orDefault(res.ClientOrderID, clientOID)
	res.Quantity = qty
	return res, nil
}

// PlaceLimit submits a GTC limit order; the price rounds against the caller.
func (c *Client) PlaceLimit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if !req.Price.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("limit price: %w", errMissingValue)
	}
	qty, err := c.norm.NormalizeQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return common.OrderResult{}, err
	}
	price, err := c.norm.NormalizePrice(ctx, req.Symbol, req.Price, req.Side, common.PriceKindLimit)
	if err != nil {
		return common.OrderResult{}, err
	}
	clientOID := c.clientOID(req)
	params := map[string]any{
		"instrument_name": req.Symbol,
		"side":            string(req.Side),
		"type":            string(common.OrderTypeLimit),
		"quantity":        qty,
		"price":           price,
		"time_in_force":   "GOOD_TILL_CANCEL",
		"client_oid":      clientOID,
	}
	res, err := c.submit(ctx, params)
	if err != nil {
		return common.OrderResult{}, err
	}
	res.ClientOrderID = orDefault(res.ClientOrderID, clientOID)
	res.Quantity, res.Price = qty, price
	return res, nil
}

// PlaceStopLoss submits a stop-limit order. Price defaults to the trigger.
func (c *Client) PlaceStopLoss(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.placeConditional(ctx, req, common.OrderTypeStopLimit, common.PriceKindStopLoss)
}

// PlaceTakeProfit submits a take-profit-limit order. Price defaults to the trigger.
func (c *Client) PlaceTakeProfit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.placeConditional(ctx, req, common.OrderTypeTakeProfitLimit, common.PriceKindTakeProfit)
}

func (c *Client) placeConditional(ctx context.Context, req common.OrderRequest, typ common.OrderType, kind common.PriceKind) (common.OrderResult, error) {
	if !req.TriggerPrice.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("trigger price: %w", errMissingValue)
	}
	limit := req.Price
	if !limit.IsPositive() {
		limit = req.TriggerPrice
	}
	qty, err := c.norm.NormalizeQuantity(ctx, req.Symbol, req.Quantity)
	if err != nil {
		return common.OrderResult{}, err
	}
	trigger, err := c.norm.NormalizePrice(ctx, req.Symbol, req.TriggerPrice, req.Side, kind)
	if err != nil {
		return common.OrderResult{}, err
	}
	price, err := c.norm.NormalizePrice(ctx, req.Symbol, limit, req.Side, kind)
	if err != nil {
		return common.OrderResult{}, err
	}

	order := conditionalOrder{
		symbol:    req.Symbol,
		side:      req.Side,
		orderType: typ,
		quantity:  qty,
		price:     price,
		trigger:   trigger,
		clientOID: c.clientOID(req),
	}
	res, err := c.probe(ctx, order)
	if err != nil {
		return common.OrderResult{}, err
	}
	res.ClientOrderID = orDefault(res.ClientOrderID, order.clientOID)
	res.Quantity, res.Price, res.TriggerPrice = qty, price, trigger
	return res, nil
}

// probe tries the remembered variant first, then the rest of the table,
// advancing only on request-shape rejections.
func (c *Client) probe(ctx context.Context, o conditionalOrder) (common.OrderResult, error) {
	key := MemoKey{Symbol: o.symbol, OrderType: o.orderType, Proxy: c.useProxy(ctx)}
	preferred, _ := c.memo.Get(key)
	log := c.log.WithFields(logrus.Fields{"symbol": o.symbol, "type": o.orderType, "proxy": key.Proxy})

	var lastErr error
	attempts := 0
	for _, v := range ordered(c.variants, preferred) {
		if err := ctx.Err(); err != nil {
			c.observe(o.orderType, attempts, "cancelled")
			return common.OrderResult{}, common.NetworkError(methodCreateOrder, err)
		}
		attempts++
		res, err := c.submit(ctx, v.params(o))
		if err == nil {
			res.Variant = v.ID()
			c.memo.Remember(ctx, key, res.Variant)
			if attempts > 1 {
				log.WithFields(logrus.Fields{"variant": res.Variant, "attempts": attempts}).Info("conditional order accepted after probing")
			}
			c.observe(o.orderType, attempts, "accepted")
			return res, nil
		}
		if errors.Is(err, common.ErrFeatureDisabled) {
			log.WithError(err).Warn("conditional orders disabled by venue, stopping probe")
			c.observe(o.orderType, attempts, "disabled")
			return common.OrderResult{}, err
		}
		if !errors.Is(err, common.ErrValidation) {
			c.observe(o.orderType, attempts, "error")
			return common.OrderResult{}, err
		}
		lastErr = err
		log.WithError(err).WithField("variant", v.ID()).Debug("variant rejected")
	}
	c.observe(o.orderType, attempts, "exhausted")
	return common.OrderResult{}, fmt.Errorf("%s %s: %d variants rejected: %w", o.symbol, o.orderType, attempts, lastErr)
}

func (c *Client) observe(t common.OrderType, attempts int, outcome string) {
	if c.observer != nil {
		c.observer.ObserveProbe(t, attempts, outcome)
	}
}

func (c *Client) submit(ctx context.Context, params map[string]any) (common.OrderResult, error) {
	raw, route, err := c.call(ctx, methodCreateOrder, params)
	if err != nil {
		return common.OrderResult{}, err
	}
	res, err := parseOrderAck(raw)
	if err != nil {
		return common.OrderResult{}, err
	}
	res.Route = route
	return res, nil
}

// Cancel cancels an order by exchange id.
func (c *Client) Cancel(ctx context.Context, symbol, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return fmt.Errorf("order id: %w", errMissingValue)
	}
	params := map[string]any{"order_id": exchangeOrderID}
	if symbol != "" {
		params["instrument_name"] = symbol
	}
	_, _, err := c.call(ctx, methodCancelOrder, params)
	return err
}

// GetOpenOrders lists resting (non-conditional) orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	raw, _, err := c.call(ctx, methodOpenOrders, map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseOrderList(raw)
}

// GetTriggerOrders lists untriggered conditional orders.
func (c *Client) GetTriggerOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	raw, _, err := c.call(ctx, methodTriggerOrders, map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseOrderList(raw)
}

const (
	historyPageSize = 100
	historyMaxPages = 10
)

// GetOrderHistory returns orders created in [start, end] (unix ms), paging
// backwards until a short page, a page with nothing new, or the page cap.
// Each page ends at the oldest millisecond of the previous one, so orders
// sharing that millisecond are not skipped; repeats are dropped by id.
func (c *Client) GetOrderHistory(ctx context.Context, start, end int64) ([]common.ExchangeOrder, error) {
	var (
		out  []common.ExchangeOrder
		seen = make(map[string]bool)
	)
	for page := 0; page < historyMaxPages && end >= start; page++ {
		raw, _, err := c.call(ctx, methodOrderHistory, map[string]any{
			"start_time": start,
			"end_time":   end,
			"limit":      historyPageSize,
		})
		if err != nil {
			return nil, err
		}
		orders, err := parseOrderList(raw)
		if err != nil {
			return nil, err
		}
		oldest, added := end, 0
		for _, o := range orders {
			if !seen[o.ExchangeOrderID] {
				seen[o.ExchangeOrderID] = true
				out = append(out, o)
				added++
			}
			if ms := o.CreatedAt.UnixMilli(); !o.CreatedAt.IsZero() && ms < oldest {
				oldest = ms
			}
		}
		if len(orders) < historyPageSize || added == 0 {
			break
		}
		end = oldest
	}
	return out, nil
}

// GetAccountSummary returns per-asset balances.
func (c *Client) GetAccountSummary(ctx context.Context) ([]common.AssetBalance, error) {
	raw, _, err := c.call(ctx, methodAccountSummary, map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseBalances(raw)
}

func (c *Client) clientOID(req common.OrderRequest) string {
	if req.ClientOrderID != "" {
		return req.ClientOrderID
	}
	return c.NewClientOrderID()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
