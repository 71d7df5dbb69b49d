package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/domain"
)

func TestNewClientOrderID(t *testing.T) {
	t.Parallel()

	a := NewClientOrderID(domain.OrderPrefixSignal)
	b := NewClientOrderID(domain.OrderPrefixSignal)

	assert.True(t, strings.HasPrefix(a, "JT_SIG_"))
	assert.NotEqual(t, a, b)
	assert.True(t, domain.IsCopyOrderID(NewClientOrderID(domain.OrderPrefixCopy)))
	assert.False(t, domain.IsCopyOrderID(a))
}

func TestMapHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       error
	}{
		{"ok", http.StatusOK, "", nil},
		{"created", http.StatusCreated, "", nil},
		{"unauthorized", http.StatusUnauthorized, "", domain.ErrAuthExpired},
		{"forbidden", http.StatusForbidden, "", domain.ErrAuthExpired},
		{"throttled", http.StatusTooManyRequests, "7", domain.ErrRateLimited},
		{"not found", http.StatusNotFound, "", domain.ErrNotFound},
		{"server error", http.StatusBadGateway, "", domain.ErrBrokerUnreachable},
		{"decline", http.StatusUnprocessableEntity, "", domain.ErrBrokerRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := MapHTTPStatus(tc.status, []byte("body"), tc.retryAfter)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("retry-after parsed", func(t *testing.T) {
		t.Parallel()
		err := MapHTTPStatus(http.StatusTooManyRequests, nil, "15")
		var rl *domain.RateLimitedError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 15*time.Second, rl.RetryAfter)
	})
}

func TestWithRetryStopsOnTerminalError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), nil, "place", func(context.Context) error {
		calls++
		return &domain.BrokerRejectedError{Reason: "margin"}
	})

	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
	assert.Equal(t, 1, calls, "rejections must not be retried")
}

func TestWithRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), nil, "place", func(context.Context) error {
		calls++
		if calls < 2 {
			return fmt.Errorf("dial: %w", domain.ErrBrokerUnreachable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryHonorsContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, nil, "place", func(context.Context) error {
		return fmt.Errorf("dial: %w", domain.ErrBrokerUnreachable)
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAlignPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price, tick, want float64
	}{
		{4500.13, 0.25, 4500.25},
		{4500.12, 0.25, 4500.00},
		{17234.7, 1.0, 17235},
		{2.3449, 0.01, 2.34},
		// Exactly half a tick off-grid; rounds up onto the grid.
		{109.671875, 0.03125, 109.6875},
		{109.68, 0.03125, 109.6875},
		{71.44, 0.10, 71.4},
		{100, 0, 100},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, AlignPrice(tc.price, tc.tick), 1e-9,
			"price %v tick %v", tc.price, tc.tick)
	}
}

func TestDistanceConversions(t *testing.T) {
	t.Parallel()

	es := domain.Contract{Symbol: "ES", TickSize: 0.25, TickValue: 12.50}

	assert.InDelta(t, 2.0, TicksToPoints(8, es), 1e-9)
	// $100 at $50/point is 2 points.
	assert.InDelta(t, 2.0, DollarsToPoints(100, es), 1e-9)
	assert.InDelta(t, 4502.0, OffsetPrice(4500, 2, +1, es.TickSize), 1e-9)
	assert.InDelta(t, 4498.0, OffsetPrice(4500, 2, -1, es.TickSize), 1e-9)
}

func TestContractCache(t *testing.T) {
	t.Parallel()

	cc := NewContractCache()
	_, ok := cc.Get("NQ")
	assert.False(t, ok)

	cc.Put(domain.Contract{ID: "c1", Symbol: "NQ", TickSize: 0.25, TickValue: 5})
	got, ok := cc.Get("nq")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID)
}
