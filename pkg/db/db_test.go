package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-guard/pkg/exchanges/common"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func sampleOrder(id string) Order {
	return Order{
		ExchangeOrderID: id,
		ClientOrderID:   "c-" + id,
		Symbol:          "BTC_USDT",
		Side:            common.SideBuy,
		OrderType:       common.OrderTypeLimit,
		Status:          common.StatusActive,
		Price:           decimal.RequireFromString("50000.56"),
		Quantity:        decimal.RequireFromString("0.123"),
		Role:            common.RoleEntry,
		CreatedAt:       time.UnixMilli(1_700_000_000_000),
	}
}

func TestOrderUpsertAndGet(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.UpsertOrder(ctx, sampleOrder("1")))

	got, err := database.GetOrder(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "BTC_USDT", got.Symbol)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("50000.56")))
	assert.Equal(t, common.RoleEntry, got.Role)

	_, err = database.GetOrder(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertNeverLeavesTerminalState(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	o := sampleOrder("2")
	o.Status = common.StatusFilled
	require.NoError(t, database.UpsertOrder(ctx, o))

	o.Status = common.StatusActive
	require.NoError(t, database.UpsertOrder(ctx, o))

	got, err := database.GetOrder(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, got.Status)
}

func TestUpsertKeepsOwnershipUnlessProvided(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	sl := sampleOrder("sl")
	sl.OrderType = common.OrderTypeStopLimit
	sl.Role = common.RoleStopLoss
	sl.ParentOrderID = "entry"
	sl.OCOGroupID = "g1"
	require.NoError(t, database.UpsertOrder(ctx, sl))

	observed := sl
	observed.ParentOrderID = ""
	observed.OCOGroupID = ""
	observed.ClientOrderID = ""
	require.NoError(t, database.UpsertOrder(ctx, observed))

	got, err := database.GetOrder(ctx, "sl")
	require.NoError(t, err)
	assert.Equal(t, "entry", got.ParentOrderID)
	assert.Equal(t, "g1", got.OCOGroupID)
	assert.Equal(t, "c-sl", got.ClientOrderID)
}

func TestSetOrderStatusIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertOrder(ctx, sampleOrder("3")))

	changed, err := database.SetOrderStatus(ctx, "3", common.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = database.SetOrderStatus(ctx, "3", common.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = database.SetOrderStatus(ctx, "3", common.StatusFilled)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestListOrdersFilters(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i, st := range []common.OrderStatus{common.StatusActive, common.StatusFilled, common.StatusActive} {
		o := sampleOrder(string(rune('a' + i)))
		o.Status = st
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, database.UpsertOrder(ctx, o))
	}

	active, err := database.ListOrders(ctx, OrderFilter{Statuses: []common.OrderStatus{common.StatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ExchangeOrderID)

	newest, err := database.ListOrders(ctx, OrderFilter{Symbol: "btc_usdt", NewestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "c", newest[0].ExchangeOrderID)

	window, err := database.ListOrders(ctx, OrderFilter{
		CreatedFrom: base.Add(30 * time.Second),
		CreatedTo:   base.Add(90 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "b", window[0].ExchangeOrderID)
}

func TestWithTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.WithTx(ctx, func(q *Queries) error {
		if err := q.UpsertOrder(ctx, sampleOrder("tx")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = database.GetOrder(ctx, "tx")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, database.WithTx(ctx, func(q *Queries) error {
		return q.UpsertOrder(ctx, sampleOrder("tx"))
	}))
	_, err = database.GetOrder(ctx, "tx")
	assert.NoError(t, err)
}

func TestBalances(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.UpsertBalance(ctx, Balance{
		Asset: "btc", Free: decimal.NewFromInt(1), Total: decimal.NewFromInt(1),
	}))
	b, err := database.GetBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(decimal.NewFromInt(1)))

	all, err := database.ListBalances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = database.GetBalance(ctx, "ETH")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedMarkers(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, database.SaveProcessedMarkers(ctx, map[string]time.Time{
		"old": now.Add(-20 * time.Minute),
		"new": now,
	}))
	n, err := database.PurgeProcessedMarkers(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	markers, err := database.LoadProcessedMarkers(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Contains(t, markers, "new")
	assert.NotContains(t, markers, "old")
}

func TestVariantPreferences(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.SaveVariantPreference(ctx, VariantPreference{
		Symbol: "BTC_USDT", OrderType: "STOP_LIMIT", ProxyMode: true, VariantID: "v1",
	}))
	require.NoError(t, database.SaveVariantPreference(ctx, VariantPreference{
		Symbol: "BTC_USDT", OrderType: "STOP_LIMIT", ProxyMode: true, VariantID: "v2",
	}))

	prefs, err := database.ListVariantPreferences(ctx)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "v2", prefs[0].VariantID)
	assert.True(t, prefs[0].ProxyMode)
}

func TestClaimOCOEventOnce(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	ok, err := database.ClaimOCOEvent(ctx, "fill-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.ClaimOCOEvent(ctx, "fill-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, database.ResolveOCOEvent(ctx, "fill-1", "tp-1", "cancelled"))
	action, err := database.GetOCOAction(ctx, "fill-1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", action)
}

func TestRebindForPostgres(t *testing.T) {
	q := &Queries{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", q.rebind("SELECT * FROM t WHERE a = ? AND b IN (?,?)"))

	q = &Queries{driver: DriverSQLite}
	assert.Equal(t, "a = ?", q.rebind("a = ?"))
}
