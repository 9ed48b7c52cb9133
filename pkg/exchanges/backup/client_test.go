package backup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-guard/pkg/exchanges/common"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", 2*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenAndTriggerOrdersSplit(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/open", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"orders": []any{
			map[string]any{"order_id": "1", "symbol": "btc_usdt", "side": "BUY", "type": "LIMIT", "status": "ACTIVE",
				"price": "50000.10", "quantity": "0.1", "created_at": 1700000000000},
			map[string]any{"order_id": "2", "symbol": "BTC_USDT", "side": "SELL", "type": "STOP_LIMIT", "status": "NEW",
				"price": "49000", "trigger_price": "49000", "quantity": "0.1", "created_at": 1700000000001},
		}})
	})

	open, err := c.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "BTC_USDT", open[0].Symbol)
	assert.Equal(t, "50000.1", open[0].Price.String())
	assert.Equal(t, int64(1700000000000), open[0].CreatedAt.UnixMilli())

	trig, err := c.GetTriggerOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, trig, 1)
	assert.Equal(t, common.OrderTypeStopLimit, trig[0].Type)
	assert.Equal(t, common.StatusActive, trig[0].Status)
}

func TestHistoryQuery(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/history", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("start_ms"))
		assert.Equal(t, "20", r.URL.Query().Get("end_ms"))
		writeJSON(w, http.StatusOK, map[string]any{"orders": []any{
			map[string]any{"order_id": "9", "symbol": "ETH_USDT", "side": "SELL", "type": "MARKET", "status": "FILLED",
				"quantity": "1", "cumulative_quantity": "1", "avg_price": "3000"},
		}})
	})
	orders, err := c.GetOrderHistory(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, common.StatusFilled, orders[0].Status)
	assert.True(t, orders[0].Executed())
}

func TestMissingOrdersIsIntegrityError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	_, err := c.GetOpenOrders(context.Background())
	assert.ErrorIs(t, err, common.ErrDataIntegrity)
}

func TestBalances(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"balances": []any{
			map[string]any{"asset": "usdt", "free": "90", "locked": "10"},
		}})
	})
	balances, err := c.GetAccountSummary(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].Total.Equal(decimal.NewFromInt(100)))
}

func TestPlaceAndCancel(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "TAKE_PROFIT_LIMIT", body["type"])
			assert.Equal(t, "52000.5", body["trigger_price"])
			writeJSON(w, http.StatusOK, map[string]any{"order_id": "77", "status": "ACTIVE"})
		case "/orders/77/cancel":
			writeJSON(w, http.StatusOK, map[string]any{"order_id": "77", "status": "CANCELLED"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such order"})
		}
	})

	res, err := c.PlaceTakeProfit(context.Background(), common.OrderRequest{
		Symbol: "BTC_USDT", Side: common.SideSell, ClientOrderID: "cid",
		Quantity: decimal.RequireFromString("0.1"), TriggerPrice: decimal.RequireFromString("52000.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "77", res.ExchangeOrderID)
	assert.Equal(t, "cid", res.ClientOrderID)
	assert.Equal(t, common.RouteBackup, res.Route)

	require.NoError(t, c.Cancel(context.Background(), "BTC_USDT", "77"))
	assert.ErrorIs(t, c.Cancel(context.Background(), "BTC_USDT", "78"), common.ErrOrderNotFound)
}

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, common.ErrAuthentication},
		{http.StatusBadRequest, common.ErrValidation},
		{http.StatusConflict, common.ErrDuplicateOrder},
		{http.StatusBadGateway, common.ErrNetwork},
	}
	for _, tt := range tests {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tt.status, map[string]any{"message": "nope"})
		})
		_, err := c.GetAccountSummary(context.Background())
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}

	c := New("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err := c.GetAccountSummary(context.Background())
	assert.ErrorIs(t, err, common.ErrNetwork)
}
