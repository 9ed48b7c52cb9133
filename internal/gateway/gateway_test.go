package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-guard/pkg/exchanges/common"
)

// stubGateway answers every call with a scripted error per route.
type stubGateway struct {
	mu    sync.Mutex
	name  common.Route
	proxy bool
	errs  map[common.Route]error // keyed by route actually taken
	calls []common.Route
}

func (s *stubGateway) route(ctx context.Context) common.Route {
	if s.name == common.RouteBackup {
		return common.RouteBackup
	}
	if on, set := common.ProxyMode(ctx); set && on {
		return common.RouteProxy
	}
	return common.RouteDirect
}

func (s *stubGateway) hit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.route(ctx)
	s.calls = append(s.calls, r)
	return s.errs[r]
}

func (s *stubGateway) taken() []common.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Route(nil), s.calls...)
}

func (s *stubGateway) ProxyConfigured() bool { return s.proxy }

func (s *stubGateway) GetOpenOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	if err := s.hit(ctx); err != nil {
		return nil, err
	}
	return []common.ExchangeOrder{{ExchangeOrderID: string(s.route(ctx))}}, nil
}
func (s *stubGateway) GetTriggerOrders(ctx context.Context) ([]common.ExchangeOrder, error) {
	return s.GetOpenOrders(ctx)
}
func (s *stubGateway) GetOrderHistory(ctx context.Context, _, _ int64) ([]common.ExchangeOrder, error) {
	return s.GetOpenOrders(ctx)
}
func (s *stubGateway) GetAccountSummary(ctx context.Context) ([]common.AssetBalance, error) {
	return nil, s.hit(ctx)
}
func (s *stubGateway) place(ctx context.Context) (common.OrderResult, error) {
	if err := s.hit(ctx); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{ExchangeOrderID: "1", Route: s.route(ctx)}, nil
}
func (s *stubGateway) PlaceMarket(ctx context.Context, _ common.OrderRequest) (common.OrderResult, error) {
	return s.place(ctx)
}
func (s *stubGateway) PlaceLimit(ctx context.Context, _ common.OrderRequest) (common.OrderResult, error) {
	return s.place(ctx)
}
func (s *stubGateway) PlaceStopLoss(ctx context.Context, _ common.OrderRequest) (common.OrderResult, error) {
	return s.place(ctx)
}
func (s *stubGateway) PlaceTakeProfit(ctx context.Context, _ common.OrderRequest) (common.OrderResult, error) {
	return s.place(ctx)
}
func (s *stubGateway) Cancel(ctx context.Context, _, _ string) error { return s.hit(ctx) }

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Important(event string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func apiErr(class error) error {
	return &common.APIError{Method: "m", Code: 1, Class: class}
}

var slReq = common.OrderRequest{Symbol: "BTC_USDT", Side: common.SideSell, Quantity: decimal.NewFromInt(1), TriggerPrice: decimal.NewFromInt(100)}

func TestAuthFailureRetriesThroughProxy(t *testing.T) {
	primary := &stubGateway{proxy: true, errs: map[common.Route]error{common.RouteDirect: apiErr(common.ErrAuthentication)}}
	backup := &stubGateway{name: common.RouteBackup}
	r := NewRouter(primary, backup, nil, Options{})

	orders, err := r.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "proxy", orders[0].ExchangeOrderID)
	assert.Equal(t, []common.Route{common.RouteDirect, common.RouteProxy}, primary.taken())
	assert.Empty(t, backup.taken())
}

func TestAuthFailureOnProxyGoesToBackup(t *testing.T) {
	primary := &stubGateway{proxy: true, errs: map[common.Route]error{
		common.RouteDirect: apiErr(common.ErrAuthentication),
		common.RouteProxy:  apiErr(common.ErrAuthentication),
	}}
	backup := &stubGateway{name: common.RouteBackup}
	r := NewRouter(primary, backup, nil, Options{})

	orders, err := r.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup", orders[0].ExchangeOrderID)
	assert.Len(t, backup.taken(), 1)
}

func TestAlreadyProxiedSkipsProxyRetry(t *testing.T) {
	primary := &stubGateway{proxy: true, errs: map[common.Route]error{common.RouteProxy: apiErr(common.ErrAuthentication)}}
	r := NewRouter(primary, nil, nil, Options{})

	_, err := r.GetOpenOrders(common.WithProxyMode(context.Background(), true))
	assert.ErrorIs(t, err, common.ErrAuthentication)
	assert.Len(t, primary.taken(), 1)
}

func TestNetworkFailureGoesToBackupForReads(t *testing.T) {
	primary := &stubGateway{proxy: true, errs: map[common.Route]error{common.RouteDirect: common.NetworkError("x", fmt.Errorf("timeout"))}}
	backup := &stubGateway{name: common.RouteBackup}
	r := NewRouter(primary, backup, nil, Options{})

	_, err := r.GetOrderHistory(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []common.Route{common.RouteDirect}, primary.taken(), "network errors skip the proxy")
	assert.Len(t, backup.taken(), 1)
}

func TestWritesReachBackupOnlyWhenEnabled(t *testing.T) {
	netErr := common.NetworkError("x", fmt.Errorf("reset"))
	primary := &stubGateway{errs: map[common.Route]error{common.RouteDirect: netErr}}
	backup := &stubGateway{name: common.RouteBackup}

	_, err := NewRouter(primary, backup, nil, Options{}).PlaceMarket(context.Background(), slReq)
	assert.ErrorIs(t, err, common.ErrNetwork)
	assert.Empty(t, backup.taken())

	res, err := NewRouter(primary, backup, nil, Options{FailoverWritesEnabled: true}).PlaceMarket(context.Background(), slReq)
	require.NoError(t, err)
	assert.Equal(t, common.RouteBackup, res.Route)
}

func TestNonRetriableErrorsNeverEscalate(t *testing.T) {
	for _, class := range []error{common.ErrValidation, common.ErrDuplicateOrder, common.ErrOrderNotFound, nil} {
		primary := &stubGateway{proxy: true, errs: map[common.Route]error{common.RouteDirect: apiErr(class)}}
		backup := &stubGateway{name: common.RouteBackup}
		r := NewRouter(primary, backup, nil, Options{FailoverWritesEnabled: true})

		_, err := r.PlaceLimit(context.Background(), slReq)
		require.Error(t, err)
		assert.Len(t, primary.taken(), 1, "class %v", class)
		assert.Empty(t, backup.taken(), "class %v", class)
	}
}

func TestBreakerOpensOnceAndFailsFast(t *testing.T) {
	alerts := &recordingAlerter{}
	breaker := NewConditionalBreaker(24*time.Hour, alerts)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	breaker.now = func() time.Time { return now }

	primary := &stubGateway{errs: map[common.Route]error{common.RouteDirect: apiErr(common.ErrFeatureDisabled)}}
	r := NewRouter(primary, nil, breaker, Options{})

	_, err := r.PlaceStopLoss(context.Background(), slReq)
	assert.ErrorIs(t, err, common.ErrFeatureDisabled)
	assert.True(t, r.Breaker().State().Open)

	_, err = r.PlaceTakeProfit(context.Background(), slReq)
	assert.ErrorIs(t, err, common.ErrConditionalUnavailable)
	_, err = r.PlaceStopLoss(context.Background(), slReq)
	assert.ErrorIs(t, err, common.ErrConditionalUnavailable)
	assert.Len(t, primary.taken(), 1, "open breaker never reaches the venue")
	assert.Equal(t, 1, alerts.count())

	// Plain orders are unaffected.
	primary.errs = nil
	_, err = r.PlaceLimit(context.Background(), slReq)
	assert.NoError(t, err)

	now = now.Add(24*time.Hour + time.Second)
	_, err = r.PlaceStopLoss(context.Background(), slReq)
	assert.NoError(t, err)
	assert.False(t, r.Breaker().State().Open)
}

func TestBreakerConcurrentTripsAlertOnce(t *testing.T) {
	alerts := &recordingAlerter{}
	breaker := NewConditionalBreaker(time.Hour, alerts)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			breaker.Trip(common.ErrFeatureDisabled)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, alerts.count())
}

type failoverCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (f *failoverCounter) ObserveFailover(op string, from, to common.Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n[op+":"+string(from)+">"+string(to)]++
}

func TestFailoverObserver(t *testing.T) {
	primary := &stubGateway{proxy: true, errs: map[common.Route]error{common.RouteDirect: apiErr(common.ErrAuthentication)}}
	r := NewRouter(primary, nil, nil, Options{})
	obs := &failoverCounter{n: map[string]int{}}
	r.SetFailoverObserver(obs)

	require.NoError(t, r.Cancel(context.Background(), "BTC_USDT", "1"))
	assert.Equal(t, 1, obs.n["cancel:direct>proxy"])
}
