package backup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

// Client talks to the backup trading service used when the venue's private
// API cannot be reached.
type Client struct {
	rest *resty.Client
	log  *logrus.Entry
}

// New builds a client; token is sent as a bearer token when set.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		rest.SetAuthToken(token)
	}
	return &Client{rest: rest, log: logrus.WithField("component", "backup")}
}

type wireOrder struct {
	OrderID            string          `json:"order_id"`
	ClientOID          string          `json:"client_oid"`
	Symbol             string          `json:"symbol"`
	Side               string          `json:"side"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Price              decimal.Decimal `json:"price"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
}

type ordersResponse struct {
	Orders []wireOrder `json:"orders"`
}

type balancesResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
		Total  decimal.Decimal `json:"total"`
	} `json:"balances"`
}

type placeRequest struct {
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Quantity     string `json:"quantity"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
	ClientOID    string `json:"client_oid,omitempty"`
}

type ackResponse struct {
	OrderID   string `json:"order_id"`
	ClientOID string `json:"client_oid"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends the request and maps transport and HTTP failures onto the shared
// error classes.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr errorResponse
	req := c.rest.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return common.NetworkError("backup "+path, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= 500:
		return common.NetworkError("backup "+path, fmt.Errorf("http %d", status))
	case resp.IsError():
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		return &common.APIError{
			Method:     "backup " + path,
			Code:       apiErr.Code,
			Message:    msg,
			HTTPStatus: status,
			Class:      classifyStatus(status),
		}
	}
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": status}).Debug("backup request ok")
	return nil
}

func classifyStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return common.ErrAuthentication
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return common.ErrValidation
	case http.StatusNotFound:
		return common.ErrOrderNotFound
	case http.StatusConflict:
		return common.ErrDuplicateOrder
	}
	return nil
}

func (c *Client) orders(ctx context.Context, path string) ([]common.ExchangeOrder, error) {
	var res ordersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	if res.Orders == nil {
		return nil, fmt.Errorf("backup %s: orders missing: %w", path, common.ErrDataIntegrity)
	}
	out := make([]common.ExchangeOrder, 0, len(res.Orders))
	for _, w := range res.Orders {
		o, err := w.toExchange()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (w wireOrder) toExchange() (common.ExchangeOrder, error) {
	o := common.ExchangeOrder{
		ExchangeOrderID:    w.OrderID,
		ClientOrderID:      w.ClientOID,
		Symbol:             strings.ToUpper(w.Symbol),
		Price:              w.Price,
		TriggerPrice:       w.TriggerPrice,
		Quantity:           w.Quantity,
		CumulativeQuantity: w.CumulativeQuantity,
		AvgPrice:           w.AvgPrice,
	}
	var ok bool
	if o.Side, ok = common.ParseSide(w.Side); !ok || o.ExchangeOrderID == "" {
		return o, fmt.Errorf("backup order %q side %q: %w", w.OrderID, w.Side, common.ErrDataIntegrity)
	}
	if o.Type, ok = common.ParseOrderType(w.Type); !ok {
		return o, fmt.Errorf("backup order %s type %q: %w", w.OrderID, w.Type, common.ErrDataIntegrity)
	}
	if o.Status, ok = common.MapStatus(w.Status, o.Executed()); !ok {
		return o, fmt.Errorf("backup order %s status %q: %w", w.OrderID, w.Status, common.ErrDataIntegrity)
	}
	if w.CreatedAt > 0 {
		o.CreatedAt = time.UnixMilli(w.CreatedAt).UTC()
	}
	o.UpdatedAt = o.CreatedAt
	if w.UpdatedAt > 0 {
		o.UpdatedAt = time.UnixMilli(w.UpdatedAt).UTC()
	}
	return o, nil
}

// GetOpenOrders returns the service's open non-conditional orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	all, err := c.orders(ctx, "/orders/open")
	if err != nil {
		return nil, err
	}
	return filter(all, false), nil
}

// GetTriggerOrders returns the service's open conditional orders.
func (c *Client) GetTriggerOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	all, err := c.orders(ctx, "/orders/open")
	if err != nil {
		return nil, err
	}
	return filter(all, true), nil
}

func filter(orders []common.ExchangeOrder, conditional bool) []common.ExchangeOrder {
	out := make([]common.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		if o.Type.IsConditional() == conditional {
			out = append(out, o)
		}
	}
	return out
}

// GetOrderHistory returns orders created in [start, end] (unix ms).
func (c *Client) GetOrderHistory(ctx context.Context, start, end int64) ([]common.ExchangeOrder, error) {
	path := "/orders/history?start_ms=" + strconv.FormatInt(start, 10) + "&end_ms=" + strconv.FormatInt(end, 10)
	return c.orders(ctx, path)
}

// GetAccountSummary returns per-asset balances.
func (c *Client) GetAccountSummary(ctx context.Context) ([]common.AssetBalance, error) {
	var res balancesResponse
	if err := c.do(ctx, http.MethodGet, "/balance", nil, &res); err != nil {
		return nil, err
	}
	if res.Balances == nil {
		return nil, fmt.Errorf("backup balance: balances missing: %w", common.ErrDataIntegrity)
	}
	out := make([]common.AssetBalance, 0, len(res.Balances))
	for _, b := range res.Balances {
		total := b.Total
		if total.IsZero() {
			total = b.Free.Add(b.Locked)
		}
		out = append(out, common.AssetBalance{
			Asset: strings.ToUpper(b.Asset), Free: b.Free, Locked: b.Locked, Total: total,
		})
	}
	return out, nil
}

// PlaceMarket submits a market order.
func (c *Client) PlaceMarket(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.place(ctx, req, common.OrderTypeMarket)
}

// PlaceLimit submits a limit order.
func (c *Client) PlaceLimit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.place(ctx, req, common.OrderTypeLimit)
}

// PlaceStopLoss submits a stop-limit order.
func (c *Client) PlaceStopLoss(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.place(ctx, req, common.OrderTypeStopLimit)
}

// PlaceTakeProfit submits a take-profit-limit order.
func (c *Client) PlaceTakeProfit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return c.place(ctx, req, common.OrderTypeTakeProfitLimit)
}

// place forwards values as given: the service quantizes on its side.
func (c *Client) place(ctx context.Context, req common.OrderRequest, typ common.OrderType) (common.OrderResult, error) {
	body := placeRequest{
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Type:      string(typ),
		Quantity:  req.Quantity.String(),
		ClientOID: req.ClientOrderID,
	}
	if req.Price.IsPositive() {
		body.Price = req.Price.String()
	}
	if req.TriggerPrice.IsPositive() {
		body.TriggerPrice = req.TriggerPrice.String()
	}
	var ack ackResponse
	if err := c.do(ctx, http.MethodPost, "/orders", body, &ack); err != nil {
		return common.OrderResult{}, err
	}
	if ack.OrderID == "" {
		return common.OrderResult{}, fmt.Errorf("backup order ack without order_id: %w", common.ErrDataIntegrity)
	}
	status, ok := common.MapStatus(ack.Status, false)
	if !ok {
		status = common.StatusActive
	}
	return common.OrderResult{
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   orDefault(ack.ClientOID, req.ClientOrderID),
		Status:          status,
		Quantity:        body.Quantity,
		Price:           body.Price,
		TriggerPrice:    body.TriggerPrice,
		Route:           common.RouteBackup,
	}, nil
}

// Cancel cancels an order by id.
func (c *Client) Cancel(ctx context.Context, symbol, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return fmt.Errorf("order id: %w", common.ErrValidation)
	}
	return c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(exchangeOrderID)+"/cancel", map[string]string{"symbol": symbol}, nil)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
