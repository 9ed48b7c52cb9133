package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/internal/order"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

type createOrderRequest struct {
	Symbol        string          `json:"symbol" binding:"required"`
	Side          string          `json:"side" binding:"required,oneof=BUY SELL buy sell"`
	Type          string          `json:"type" binding:"required"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"`
	ClientOrderID string          `json:"client_order_id"`
}

type listOrdersQuery struct {
	Status string `form:"status"`
	Symbol string `form:"symbol"`
	Role   string `form:"role"`
	Since  string `form:"since"`
	Limit  int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type orderView struct {
	ExchangeOrderID    string          `json:"exchange_order_id"`
	ClientOrderID      string          `json:"client_order_id"`
	Symbol             string          `json:"symbol"`
	Side               string          `json:"side"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Role               string          `json:"role"`
	Price              decimal.Decimal `json:"price"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	ParentOrderID      string          `json:"parent_order_id,omitempty"`
	OCOGroupID         string          `json:"oco_group_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func viewOf(o db.Order) orderView {
	return orderView{
		ExchangeOrderID:    o.ExchangeOrderID,
		ClientOrderID:      o.ClientOrderID,
		Symbol:             o.Symbol,
		Side:               string(o.Side),
		Type:               string(o.OrderType),
		Status:             string(o.Status),
		Role:               string(o.Role),
		Price:              o.Price,
		TriggerPrice:       o.TriggerPrice,
		Quantity:           o.Quantity,
		CumulativeQuantity: o.CumulativeQuantity,
		AvgPrice:           o.AvgPrice,
		ParentOrderID:      o.ParentOrderID,
		OCOGroupID:         o.OCOGroupID,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondGatewayError maps the shared error classes onto HTTP statuses.
func respondGatewayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, common.ErrDuplicateOrder):
		respondError(c, http.StatusConflict, "DUPLICATE_ORDER", err.Error())
	case errors.Is(err, common.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, common.ErrConditionalUnavailable), errors.Is(err, common.ErrFeatureDisabled):
		respondError(c, http.StatusServiceUnavailable, "CONDITIONAL_DISABLED", err.Error())
	case errors.Is(err, common.ErrDataIntegrity):
		respondError(c, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", err.Error())
	case errors.Is(err, common.ErrNetwork):
		respondError(c, http.StatusServiceUnavailable, "EXCHANGE_UNREACHABLE", err.Error())
	case errors.Is(err, common.ErrAuthentication):
		respondError(c, http.StatusBadGateway, "EXCHANGE_AUTH_FAILED", err.Error())
	default:
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
	}
}

// parseSince accepts RFC3339 or unix milliseconds.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

func splitUpper(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getOrders lists stored orders, newest first.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	since, err := parseSince(q.Since)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "since must be RFC3339 or unix milliseconds")
		return
	}

	f := db.OrderFilter{Symbol: q.Symbol, CreatedFrom: since, Limit: q.Limit, NewestFirst: true}
	for _, st := range splitUpper(q.Status) {
		f.Statuses = append(f.Statuses, common.OrderStatus(st))
	}
	for _, r := range splitUpper(q.Role) {
		f.Roles = append(f.Roles, common.OrderRole(r))
	}

	rows, err := s.DB.ListOrders(c.Request.Context(), f)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]orderView, 0, len(rows))
	for _, o := range rows {
		out = append(out, viewOf(o))
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, out)
}

// createOrder places a manual order synchronously.
func (s *Server) createOrder(c *gin.Context) {
	if s.Executor == nil {
		respondError(c, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "order executor not available")
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	kind, ok := order.ParseKind(req.Type)
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_TYPE", "type must be MARKET, LIMIT, STOP_LOSS or TAKE_PROFIT")
		return
	}

	row, res, err := s.Executor.Place(c.Request.Context(), order.Request{
		Symbol:        req.Symbol,
		Side:          common.Side(strings.ToUpper(req.Side)),
		Kind:          kind,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		logrus.WithField("component", "api").WithField("operator", CurrentOperator(c)).
			WithError(err).Warn("manual order failed")
		respondGatewayError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":   viewOf(row),
		"route":   res.Route,
		"variant": res.Variant,
	})
}

// cancelOrder cancels by exchange order id.
func (s *Server) cancelOrder(c *gin.Context) {
	if s.Executor == nil {
		respondError(c, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "order executor not available")
		return
	}
	id := c.Param("id")
	if err := s.Executor.Cancel(c.Request.Context(), strings.ToUpper(c.Query("symbol")), id); err != nil {
		respondGatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchange_order_id": id, "status": common.StatusCancelled})
}

type balanceView struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// getBalances returns the last committed snapshot. Old data is flagged
// stale, and a never-synced cache is an error rather than zeros.
func (s *Server) getBalances(c *gin.Context) {
	if s.Balances == nil {
		respondError(c, http.StatusServiceUnavailable, "BALANCES_UNAVAILABLE", "balance cache not available")
		return
	}
	snap := s.Balances.Snapshot()
	if snap.AsOf.IsZero() {
		respondError(c, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", "balances have not been synced yet")
		return
	}
	out := make([]balanceView, 0, len(snap.Balances))
	for _, b := range snap.Balances {
		out = append(out, balanceView{Asset: b.Asset, Free: b.Free, Locked: b.Locked, Total: b.Total})
	}
	c.JSON(http.StatusOK, gin.H{
		"balances": out,
		"as_of":    snap.AsOf,
		"stale":    snap.Stale,
	})
}

// reconcile runs one cycle now; it waits for a running cycle to finish.
func (s *Server) reconcile(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILER_UNAVAILABLE", "reconciliation not available")
		return
	}
	report, err := s.Reconciler.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "CYCLE_FAILED", "error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// getStatus reports breaker state, the last cycle and instance info.
func (s *Server) getStatus(c *gin.Context) {
	out := gin.H{"meta": s.Meta}
	if s.Breaker != nil {
		out["conditional_breaker"] = s.Breaker.State()
	}
	if s.Reconciler != nil {
		out["last_cycle"] = s.Reconciler.LastReport()
	}
	if s.Health != nil {
		out["healthy"] = s.Health.Healthy()
	}
	if s.Bus != nil {
		out["events_dropped"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, out)
}
