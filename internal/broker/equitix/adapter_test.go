package equitix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/crypto"
	"github.com/jtradehq/jtrade/internal/domain"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, domain.AccountRef) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewAdapter(config.BrokerConfig{BaseURL: srv.URL}, nil, nil)
	ref := domain.AccountRef{
		AccountID:   3,
		Broker:      domain.BrokerEquitix,
		Environment: domain.EnvLive,
		Subaccount:  "EQ-77",
		Auth:        domain.Credentials{APIKey: "eqx-key", APISecret: "eqx-secret"},
	}
	return a, ref
}

func TestPlaceMarketSignsRequest(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "eqx-key", r.Header.Get("X-EQX-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-EQX-SIGNATURE"))

		// Recompute the signature from the received request.
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		ts, err := strconv.ParseInt(r.Header.Get("X-EQX-TIMESTAMP"), 10, 64)
		require.NoError(t, err)

		auth := crypto.HMACAuth{Key: "eqx-key", Secret: "eqx-secret"}
		want := auth.HeadersAt(r.Method, r.URL.Path, string(body), ts)["X-EQX-SIGNATURE"]
		assert.Equal(t, want, r.Header.Get("X-EQX-SIGNATURE"))

		json.NewEncoder(w).Encode(map[string]any{"orderId": "eq-1"})
	}))

	id, err := adapter.PlaceMarket(context.Background(), ref, "AAPL", domain.OrderBuy, 10, "JT_SIG_c")
	require.NoError(t, err)
	assert.Equal(t, "eq-1", id)
}

func TestTwoHundredWithErrorTextIsRejection(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"errorText": "insufficient buying power"})
	}))

	_, err := adapter.PlaceMarket(context.Background(), ref, "AAPL", domain.OrderBuy, 10000, "JT_SIG_d")
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "9")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := adapter.PlaceMarket(context.Background(), ref, "AAPL", domain.OrderSell, 1, "JT_SIG_e")
	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int64(9), int64(rl.RetryAfter.Seconds()))
}

func TestPlaceBracketComposesLegs(t *testing.T) {
	t.Parallel()

	var placed []map[string]any
	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/orders":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			placed = append(placed, body)
			json.NewEncoder(w).Encode(map[string]any{"orderId": "eq-" + strconv.Itoa(len(placed))})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/orders/eq-1":
			json.NewEncoder(w).Encode(map[string]any{"order": apiOrder{
				OrderID: "eq-1", Status: "filled", AvgFillPrice: 100.02, FilledQty: 4,
			}})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/symbols/XYZ":
			json.NewEncoder(w).Encode(map[string]any{
				"symbolId": "s-xyz", "symbol": "XYZ", "tickSize": 0.01, "tickValue": 0.01,
			})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	spec := domain.BracketSpec{
		Symbol:        "XYZ",
		Side:          domain.OrderBuy,
		Qty:           4,
		ClientOrderID: "JT_SIG_f",
		Legs: []domain.BracketLeg{
			{Qty: 2, Distance: 0.50},
			{Qty: 2, Distance: 1.00},
		},
		Stop: &domain.BracketStop{Kind: domain.StopFixed, Distance: 0.40},
	}

	result, err := adapter.PlaceBracket(context.Background(), ref, spec)
	require.NoError(t, err)
	assert.Equal(t, "eq-1", result.EntryOrderID)
	assert.Len(t, result.TPOrderIDs, 2)
	assert.NotEmpty(t, result.SLOrderID)

	// Entry, two limit TPs above the fill, one stop below.
	require.Len(t, placed, 4)
	assert.Equal(t, "market", placed[0]["type"])
	assert.Equal(t, "sell", placed[1]["side"])
	assert.InDelta(t, 100.52, placed[1]["limitPrice"].(float64), 1e-9)
	assert.InDelta(t, 101.02, placed[2]["limitPrice"].(float64), 1e-9)
	assert.Equal(t, "stop", placed[3]["type"])
	assert.InDelta(t, 99.62, placed[3]["stopPrice"].(float64), 1e-9)
}
