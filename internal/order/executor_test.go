package order

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-guard/internal/events"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

type fakeWriter struct {
	last      common.OrderRequest
	method    string
	proxy     bool
	proxySet  bool
	err       error
	cancelled []string
}

func (f *fakeWriter) record(ctx context.Context, method string, req common.OrderRequest) (common.OrderResult, error) {
	f.method, f.last = method, req
	f.proxy, f.proxySet = common.ProxyMode(ctx)
	if f.err != nil {
		return common.OrderResult{}, f.err
	}
	return common.OrderResult{
		ExchangeOrderID: "X1",
		ClientOrderID:   "guard-1",
		Status:          common.StatusActive,
		Quantity:        "0.123",
		Price:           req.Price.StringFixed(2),
		Route:           common.RouteDirect,
	}, nil
}

func (f *fakeWriter) PlaceMarket(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.record(ctx, "market", req)
}

func (f *fakeWriter) PlaceLimit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.record(ctx, "limit", req)
}

func (f *fakeWriter) PlaceStopLoss(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.record(ctx, "stop", req)
}

func (f *fakeWriter) PlaceTakeProfit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.record(ctx, "take", req)
}

func (f *fakeWriter) Cancel(_ context.Context, _ string, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestRequestValidation(t *testing.T) {
	base := Request{Symbol: "BTC_USDT", Side: common.SideBuy, Kind: KindMarket, Quantity: decimal.NewFromInt(1)}
	assert.NoError(t, base.Validate())

	cases := map[string]func(r *Request){
		"no symbol":    func(r *Request) { r.Symbol = " " },
		"bad side":     func(r *Request) { r.Side = "HOLD" },
		"zero qty":     func(r *Request) { r.Quantity = decimal.Zero },
		"limit price":  func(r *Request) { r.Kind = KindLimit },
		"stop trigger": func(r *Request) { r.Kind = KindStopLoss; r.Price = decimal.NewFromInt(1) },
		"unknown kind": func(r *Request) { r.Kind = "ICEBERG" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), common.ErrValidation)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("stop_limit")
	require.True(t, ok)
	assert.Equal(t, KindStopLoss, k)
	assert.Equal(t, common.OrderTypeTakeProfitLimit, KindTakeProfit.OrderType())
	_, ok = ParseKind("oco")
	assert.False(t, ok)
}

func TestPlaceStoresOrderAndPublishes(t *testing.T) {
	database := newTestDB(t)
	bus := events.NewBus()
	stream, unsub := bus.Subscribe(4, events.EventOrderPlaced)
	defer unsub()

	w := &fakeWriter{}
	ex := NewExecutor(database, bus, w)
	ctx := common.WithProxyMode(context.Background(), true)

	row, res, err := ex.Place(ctx, Request{
		Symbol: "btc_usdt", Side: common.SideSell, Kind: KindLimit,
		Quantity: decimal.RequireFromString("0.1234"), Price: decimal.RequireFromString("50000.567"),
	})
	require.NoError(t, err)
	assert.Equal(t, "limit", w.method)
	assert.True(t, w.proxySet)
	assert.True(t, w.proxy)
	assert.Equal(t, "BTC_USDT", w.last.Symbol)
	assert.Equal(t, "X1", res.ExchangeOrderID)

	stored, err := database.GetOrder(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, common.RoleEntry, stored.Role)
	assert.Equal(t, common.StatusActive, stored.Status)
	assert.True(t, stored.Quantity.Equal(decimal.RequireFromString("0.123")))
	assert.True(t, row.Price.Equal(decimal.RequireFromString("50000.57")))

	msg := <-stream
	assert.Equal(t, events.EventOrderPlaced, msg.Event)
}

func TestPlaceStopLossDefaultsLimitToTrigger(t *testing.T) {
	w := &fakeWriter{}
	ex := NewExecutor(newTestDB(t), nil, w)
	_, _, err := ex.Place(context.Background(), Request{
		Symbol: "BTC_USDT", Side: common.SideSell, Kind: KindStopLoss,
		Quantity: decimal.NewFromInt(1), TriggerPrice: decimal.NewFromInt(49000),
	})
	require.NoError(t, err)
	assert.Equal(t, "stop", w.method)
	assert.True(t, w.last.Price.Equal(decimal.NewFromInt(49000)))
}

func TestPlaceFailureStoresNothing(t *testing.T) {
	database := newTestDB(t)
	w := &fakeWriter{err: &common.APIError{Code: 213, Class: common.ErrValidation}}
	ex := NewExecutor(database, nil, w)
	_, _, err := ex.Place(context.Background(), Request{
		Symbol: "BTC_USDT", Side: common.SideBuy, Kind: KindMarket, Quantity: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, common.ErrValidation)
	rows, err := database.ListOrders(context.Background(), db.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCancelMarksOrderCancelled(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertOrder(ctx, db.Order{
		ExchangeOrderID: "X1", Symbol: "BTC_USDT", Side: common.SideBuy,
		OrderType: common.OrderTypeLimit, Status: common.StatusActive, Role: common.RoleEntry,
	}))
	w := &fakeWriter{}
	ex := NewExecutor(database, nil, w)

	require.NoError(t, ex.Cancel(ctx, "", "X1"))
	assert.Equal(t, []string{"X1"}, w.cancelled)
	got, err := database.GetOrder(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, got.Status)

	assert.ErrorIs(t, ex.Cancel(ctx, "BTC_USDT", ""), common.ErrValidation)
}
