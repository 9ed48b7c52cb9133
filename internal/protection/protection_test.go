package protection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-guard/internal/risk"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

type fakePlacer struct {
	mu    sync.Mutex
	calls []common.OrderRequest
	errs  map[common.OrderType]error
	delay time.Duration
}

func (f *fakePlacer) place(req common.OrderRequest) (common.OrderResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[req.Type]; err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%s-%d", req.Type, len(f.calls)),
		ClientOrderID:   req.ClientOrderID,
		Status:          common.StatusActive,
		Quantity:        req.Quantity.String(),
		Price:           req.Price.String(),
		TriggerPrice:    req.TriggerPrice.String(),
	}, nil
}

func (f *fakePlacer) PlaceStopLoss(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.place(req)
}

func (f *fakePlacer) PlaceTakeProfit(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return f.place(req)
}

func (f *fakePlacer) count(t common.OrderType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Type == t {
			n++
		}
	}
	return n
}

type fakeCanceller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCanceller) Cancel(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}

type recordingAlerts struct {
	mu        sync.Mutex
	important []string
	info      []string
}

func (r *recordingAlerts) Important(event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.important = append(r.important, event)
}

func (r *recordingAlerts) Info(event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = append(r.info, event)
}

func filledEntry(id string) db.Order {
	return db.Order{
		ExchangeOrderID:    id,
		ClientOrderID:      "c-" + id,
		Symbol:             "BTC_USDT",
		Side:               common.SideBuy,
		OrderType:          common.OrderTypeLimit,
		Status:             common.StatusFilled,
		Price:              decimal.RequireFromString("50000"),
		Quantity:           decimal.RequireFromString("0.1"),
		CumulativeQuantity: decimal.RequireFromString("0.1"),
		AvgPrice:           decimal.RequireFromString("50000"),
		Role:               common.RoleEntry,
		CreatedAt:          time.Now().Add(-time.Minute),
	}
}

func newCoordinator(t *testing.T, database *db.Database, placer Placer) *Coordinator {
	t.Helper()
	n := 0
	var mu sync.Mutex
	return NewCoordinator(database, placer, risk.NewManager(risk.DefaultProfile(), nil), NewLocker(time.Second), nil, Config{
		LockTimeout: 5 * time.Second,
		NewClientID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("oid%d", n)
		},
	})
}

func TestLockerSerializesAndTimesOut(t *testing.T) {
	l := NewLocker(time.Minute)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "p1", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "p1", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := l.Acquire(ctx, "p2", time.Second)
	require.NoError(t, err)
	other()

	got := make(chan error, 1)
	go func() {
		r, err := l.Acquire(ctx, "p1", time.Second)
		if err == nil {
			r()
		}
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	release()
	require.NoError(t, <-got)
	assert.Equal(t, 0, l.Held())
}

func TestLockerTakesOverStaleLease(t *testing.T) {
	l := NewLocker(40 * time.Millisecond)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "p1", time.Second)
	require.NoError(t, err)

	start := time.Now()
	fresh, err := l.Acquire(ctx, "p1", time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// The old holder releasing late must not free the new lease.
	stale()
	assert.Equal(t, 1, l.Held())
	fresh()
	assert.Equal(t, 0, l.Held())
}

func TestLockerHonoursContext(t *testing.T) {
	l := NewLocker(time.Minute)
	release, err := l.Acquire(context.Background(), "p1", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "p1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureSLTPPlacesPairWithSharedGroup(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)

	entry := filledEntry("E1")
	require.NoError(t, database.UpsertOrder(ctx, entry))

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, LegPlaced, res.StopLoss.Outcome)
	assert.Equal(t, LegPlaced, res.TakeProfit.Outcome)
	assert.False(t, res.Retry())
	require.NotEmpty(t, res.OCOGroupID)

	legs, err := database.ListOrders(ctx, db.OrderFilter{ParentOrderID: "E1"})
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, l := range legs {
		assert.Equal(t, res.OCOGroupID, l.OCOGroupID)
		assert.Equal(t, common.StatusActive, l.Status)
		assert.Equal(t, common.SideSell, l.Side)
		assert.True(t, l.Quantity.Equal(decimal.RequireFromString("0.1")))
		switch l.Role {
		case common.RoleStopLoss:
			assert.True(t, l.TriggerPrice.Equal(decimal.NewFromInt(49000)), l.TriggerPrice.String())
		case common.RoleTakeProfit:
			assert.True(t, l.TriggerPrice.Equal(decimal.NewFromInt(52500)), l.TriggerPrice.String())
		default:
			t.Fatalf("unexpected role %s", l.Role)
		}
	}
}

func TestEnsureSLTPIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)
	entry := filledEntry("E1")

	first, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	second, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)

	assert.Equal(t, LegExists, second.StopLoss.Outcome)
	assert.Equal(t, LegExists, second.TakeProfit.Outcome)
	assert.Equal(t, first.OCOGroupID, second.OCOGroupID)
	assert.Equal(t, 1, placer.count(common.OrderTypeStopLimit))
	assert.Equal(t, 1, placer.count(common.OrderTypeTakeProfitLimit))
}

func TestEnsureSLTPAtMostOnceUnderConcurrency(t *testing.T) {
	database := newTestDB(t)
	placer := &fakePlacer{delay: 10 * time.Millisecond}
	c := newCoordinator(t, database, placer)
	entry := filledEntry("E1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EnsureSLTP(context.Background(), entry)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, placer.count(common.OrderTypeStopLimit))
	assert.Equal(t, 1, placer.count(common.OrderTypeTakeProfitLimit))
	assert.Equal(t, 0, c.locks.Held())
}

func TestEnsureSLTPLegsFailIndependently(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{errs: map[common.OrderType]error{
		common.OrderTypeStopLimit: common.NetworkError("place", errors.New("reset")),
	}}
	c := newCoordinator(t, database, placer)
	entry := filledEntry("E1")

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, LegFailed, res.StopLoss.Outcome)
	assert.Equal(t, LegPlaced, res.TakeProfit.Outcome)
	assert.True(t, res.Retry())

	// A transient failure is not stored, so the next pass retries only that leg.
	placer.mu.Lock()
	placer.errs = nil
	placer.mu.Unlock()
	res2, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, LegPlaced, res2.StopLoss.Outcome)
	assert.Equal(t, LegExists, res2.TakeProfit.Outcome)
	assert.Equal(t, res.OCOGroupID, res2.OCOGroupID)
	assert.Equal(t, 1, placer.count(common.OrderTypeTakeProfitLimit))
}

func TestEnsureSLTPRejectedLegIsNotRetried(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{errs: map[common.OrderType]error{
		common.OrderTypeTakeProfitLimit: &common.APIError{Code: 40004, Class: common.ErrValidation},
	}}
	c := newCoordinator(t, database, placer)
	entry := filledEntry("E1")

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, LegRejected, res.TakeProfit.Outcome)
	assert.Equal(t, "rejected:oid2", res.TakeProfit.OrderID)

	stored, err := database.GetOrder(ctx, "rejected:oid2")
	require.NoError(t, err)
	assert.Equal(t, common.StatusRejected, stored.Status)
	assert.Equal(t, common.RoleTakeProfit, stored.Role)

	res2, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, LegExists, res2.TakeProfit.Outcome)
	assert.Equal(t, 1, placer.count(common.OrderTypeTakeProfitLimit))
}

func TestEnsureSLTPCapsQuantityToFreeBalance(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)
	require.NoError(t, database.UpsertBalance(ctx, db.Balance{
		Asset: "BTC", Free: decimal.RequireFromString("0.05"), Total: decimal.RequireFromString("0.05"),
	}))

	_, err := c.EnsureSLTP(ctx, filledEntry("E1"))
	require.NoError(t, err)
	for _, call := range placer.calls {
		assert.True(t, call.Quantity.Equal(decimal.RequireFromString("0.05")), call.Quantity.String())
	}
}

func TestEnsureSLTPRejectsNonEntries(t *testing.T) {
	database := newTestDB(t)
	c := newCoordinator(t, database, &fakePlacer{})

	open := filledEntry("E1")
	open.Status = common.StatusActive
	open.CumulativeQuantity = decimal.Zero
	_, err := c.EnsureSLTP(context.Background(), open)
	assert.ErrorIs(t, err, ErrNotProtectable)

	sl := filledEntry("S1")
	sl.OrderType = common.OrderTypeStopLimit
	sl.Role = common.RoleStopLoss
	_, err = c.EnsureSLTP(context.Background(), sl)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestEnsureSLTPSkipsClosedPair(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)

	entry := filledEntry("E1")
	require.NoError(t, database.UpsertOrder(ctx, entry))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "E1", "G1", now)))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP1", common.RoleTakeProfit, common.StatusCancelled, "E1", "G1", now)))

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.False(t, res.Retry())
	assert.Equal(t, LegExists, res.StopLoss.Outcome)
	assert.Equal(t, LegExists, res.TakeProfit.Outcome)
	assert.Equal(t, "G1", res.OCOGroupID)
	assert.Empty(t, placer.calls)
}

func TestEnsureSLTPClosedPairWithoutSibling(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)

	entry := filledEntry("E1")
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP1", common.RoleTakeProfit, common.StatusFilled, "E1", "G1", time.Now())))

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, LegClosed, res.StopLoss.Outcome)
	assert.Equal(t, LegExists, res.TakeProfit.Outcome)
	assert.False(t, res.Retry())
	assert.Empty(t, placer.calls)
}

func TestEnsureSLTPCountsRetiredGroupLegs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	placer := &fakePlacer{}
	c := newCoordinator(t, database, placer)

	entry := filledEntry("E1")
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("SL1", common.RoleStopLoss, common.StatusExpired, "E1", "G1", now)))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP1", common.RoleTakeProfit, common.StatusCancelled, "E1", "G1", now)))
	// Cancelled outside any group: does not stand in for its role.
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("SL0", common.RoleStopLoss, common.StatusCancelled, "E2", "", now)))

	res, err := c.EnsureSLTP(ctx, entry)
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Equal(t, LegExists, res.StopLoss.Outcome)
	assert.Equal(t, LegExists, res.TakeProfit.Outcome)
	assert.Empty(t, placer.calls)

	res2, err := c.EnsureSLTP(ctx, filledEntry("E2"))
	require.NoError(t, err)
	assert.Equal(t, LegPlaced, res2.StopLoss.Outcome)
	assert.Equal(t, LegPlaced, res2.TakeProfit.Outcome)
}

func protectiveLeg(id string, role common.OrderRole, status common.OrderStatus, parent, group string, created time.Time) db.Order {
	typ := common.OrderTypeStopLimit
	if role == common.RoleTakeProfit {
		typ = common.OrderTypeTakeProfitLimit
	}
	return db.Order{
		ExchangeOrderID: id,
		Symbol:          "BTC_USDT",
		Side:            common.SideSell,
		OrderType:       typ,
		Status:          status,
		Price:           decimal.NewFromInt(49000),
		TriggerPrice:    decimal.NewFromInt(49000),
		Quantity:        decimal.RequireFromString("0.1"),
		Role:            role,
		ParentOrderID:   parent,
		OCOGroupID:      group,
		CreatedAt:       created,
	}
}

func TestOCOCancelsActiveSiblingExactlyOnce(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	sl := protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "E1", "G1", now)
	tp := protectiveLeg("TP1", common.RoleTakeProfit, common.StatusActive, "E1", "G1", now)
	require.NoError(t, database.UpsertOrder(ctx, sl))
	require.NoError(t, database.UpsertOrder(ctx, tp))

	canceller := &fakeCanceller{}
	alerts := &recordingAlerts{}
	oco := NewOCO(database, canceller, alerts, nil)

	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := oco.HandleFill(ctx, sl)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	cancelled := 0
	for _, o := range outs {
		if o.Action == ActionCancelled {
			cancelled++
			assert.Equal(t, "TP1", o.SiblingOrderID)
		} else {
			assert.Equal(t, ActionAlreadyHandled, o.Action)
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, []string{"TP1"}, canceller.calls)

	got, err := database.GetOrder(ctx, "TP1")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, got.Status)

	action, err := database.GetOCOAction(ctx, "SL1")
	require.NoError(t, err)
	assert.Equal(t, ActionCancelled, action)
}

func TestOCOSiblingLookupPriority(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	// Same symbol and complementary type, but a different group and parent.
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP-other", common.RoleTakeProfit, common.StatusActive, "E9", "G9", now)))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP-group", common.RoleTakeProfit, common.StatusActive, "E1", "G1", now.Add(-time.Hour))))

	filled := protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "E1", "G1", now)
	require.NoError(t, database.UpsertOrder(ctx, filled))

	oco := NewOCO(database, &fakeCanceller{}, nil, nil)
	out, err := oco.HandleFill(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, "TP-group", out.SiblingOrderID)
}

func TestOCOFallsBackToSymbolWindow(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP-old", common.RoleTakeProfit, common.StatusActive, "", "", now.Add(-time.Hour))))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP-near", common.RoleTakeProfit, common.StatusActive, "", "", now.Add(-2*time.Minute))))
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP-later", common.RoleTakeProfit, common.StatusActive, "", "", now.Add(time.Hour))))

	filled := protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "", "", now)
	oco := NewOCO(database, &fakeCanceller{}, nil, nil)
	out, err := oco.HandleFill(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, "TP-near", out.SiblingOrderID)

	// Outside the window the most recent complementary order wins.
	filled2 := protectiveLeg("SL2", common.RoleStopLoss, common.StatusFilled, "", "", now.Add(-24*time.Hour))
	out, err = oco.HandleFill(ctx, filled2)
	require.NoError(t, err)
	assert.Equal(t, "TP-later", out.SiblingOrderID)
}

func TestOCOAlreadyCancelledSiblingNotifies(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("SL1", common.RoleStopLoss, common.StatusCancelled, "E1", "G1", now)))
	filled := protectiveLeg("TP1", common.RoleTakeProfit, common.StatusFilled, "E1", "G1", now)

	canceller := &fakeCanceller{}
	alerts := &recordingAlerts{}
	out, err := NewOCO(database, canceller, alerts, nil).HandleFill(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyCancelled, out.Action)
	assert.Empty(t, canceller.calls)
	assert.Equal(t, []string{"oco_sibling_already_cancelled"}, alerts.info)
}

func TestOCONotFoundCountsAsCancelled(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP1", common.RoleTakeProfit, common.StatusActive, "E1", "G1", now)))
	filled := protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "E1", "G1", now)

	canceller := &fakeCanceller{err: &common.APIError{Code: 212, Class: common.ErrOrderNotFound}}
	out, err := NewOCO(database, canceller, nil, nil).HandleFill(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyCancelled, out.Action)

	got, err := database.GetOrder(ctx, "TP1")
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, got.Status)
}

func TestOCOCancelFailureAlerts(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, database.UpsertOrder(ctx, protectiveLeg("TP1", common.RoleTakeProfit, common.StatusActive, "E1", "G1", now)))
	filled := protectiveLeg("SL1", common.RoleStopLoss, common.StatusFilled, "E1", "G1", now)

	alerts := &recordingAlerts{}
	canceller := &fakeCanceller{err: common.NetworkError("cancel", errors.New("timeout"))}
	out, err := NewOCO(database, canceller, alerts, nil).HandleFill(ctx, filled)
	require.NoError(t, err)
	assert.Equal(t, ActionCancelFailed, out.Action)
	assert.Equal(t, []string{"oco_cancel_failed"}, alerts.important)

	got, err := database.GetOrder(ctx, "TP1")
	require.NoError(t, err)
	assert.Equal(t, common.StatusActive, got.Status)
}

func TestOCOIgnoresEntryFills(t *testing.T) {
	database := newTestDB(t)
	_, err := NewOCO(database, &fakeCanceller{}, nil, nil).HandleFill(context.Background(), filledEntry("E1"))
	assert.ErrorIs(t, err, common.ErrValidation)
}
