package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{"", StatusActive, true},
		{StatusNew, StatusActive, true},
		{StatusActive, StatusPartiallyFilled, true},
		{StatusActive, StatusCancelled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusActive, false},
		{StatusActive, StatusActive, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCancelled, StatusFilled, false},
		{StatusFilled, StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMapStatus(t *testing.T) {
	s, ok := MapStatus("ACTIVE", false)
	require.True(t, ok)
	assert.Equal(t, StatusActive, s)

	s, _ = MapStatus("active", true)
	assert.Equal(t, StatusPartiallyFilled, s)

	s, _ = MapStatus("CANCELED", false)
	assert.Equal(t, StatusCancelled, s)

	_, ok = MapStatus("WEIRD", false)
	assert.False(t, ok)
}

func TestAPIErrorClassification(t *testing.T) {
	err := fmt.Errorf("place: %w", &APIError{Method: "private/create-order", Code: 308, Class: ErrValidation})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrAuthentication))
	assert.True(t, Permanent(err))
	assert.False(t, Retriable(err))

	unknown := &APIError{Code: 99999}
	assert.True(t, Permanent(unknown))

	net := NetworkError("get-open-orders", errors.New("timeout"))
	assert.True(t, errors.Is(net, ErrNetwork))
	assert.True(t, Retriable(net))
	assert.False(t, Permanent(net))
}

func TestProxyModeIsContextScoped(t *testing.T) {
	base := context.Background()
	_, set := ProxyMode(base)
	assert.False(t, set)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, mode := range []bool{true, false} {
		wg.Add(1)
		go func(i int, mode bool) {
			defer wg.Done()
			ctx := WithProxyMode(base, mode)
			on, set := ProxyMode(ctx)
			results[i] = on && set
		}(i, mode)
	}
	wg.Wait()
	assert.Equal(t, []bool{true, false}, results)
}

func TestNonceSourceMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	n := &NonceSource{now: func() time.Time { return fixed }}
	a, b, c := n.Next(), n.Next(), n.Next()
	assert.Equal(t, int64(1_700_000_000_000), a)
	assert.Equal(t, a+1, b)
	assert.Equal(t, b+1, c)
}

func TestNonceSourceAppliesOffset(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	n := &NonceSource{now: func() time.Time { return fixed }}
	n.SetOffset(5_000)
	assert.Equal(t, int64(1_700_000_005_000), n.Next())

	// Moving the offset back never repeats a nonce.
	n.SetOffset(0)
	assert.Equal(t, int64(1_700_000_005_001), n.Next())
}

func TestOffsetFromDate(t *testing.T) {
	local := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	off, ok := OffsetFromDate("Sun, 01 Mar 2026 12:00:30 GMT", local)
	require.True(t, ok)
	assert.Equal(t, int64(30_000), off)

	_, ok = OffsetFromDate("", local)
	assert.False(t, ok)
	_, ok = OffsetFromDate("yesterday", local)
	assert.False(t, ok)
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("btc_usdt"))
	assert.Equal(t, "ETH", BaseAsset("ETH-USD"))
	assert.Equal(t, "SOL", BaseAsset("SOL"))
}
