package tradex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
)

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, domain.AccountRef) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.BrokerConfig{BaseURL: srv.URL}, nil, nil)
	ref := domain.AccountRef{
		AccountID:   1,
		Broker:      domain.BrokerTradex,
		Environment: domain.EnvLive,
		Subaccount:  "SUB-1",
		Auth:        domain.Credentials{AccessToken: "tok-abc"},
	}
	return NewAdapter(client), ref
}

func TestLoginChecksSuccessFlag(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/accesstokenrequest", r.URL.Path)
		// 2xx with a structured failure must still be a rejection.
		json.NewEncoder(w).Encode(apiTokenResponse{
			apiResult: apiResult{Success: false, FailureText: "Invalid credentials"},
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.BrokerConfig{BaseURL: srv.URL}, nil, nil)
	_, err := client.Login(context.Background(), domain.EnvLive, "alice", "pw")
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
}

func TestLoginReturnsTokenPair(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiTokenResponse{
			apiResult:    apiResult{Success: true},
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresIn:    5400,
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.BrokerConfig{BaseURL: srv.URL}, nil, nil)
	creds, err := client.Login(context.Background(), domain.EnvLive, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)
	assert.Equal(t, "rt-1", creds.RefreshToken)
	assert.Equal(t, "alice", creds.Username)
	assert.False(t, creds.TokenExpiry.IsZero())
}

func TestPlaceMarketSendsBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth string
	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/order/placeorder", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SUB-1", body["account"])
		assert.Equal(t, "Buy", body["action"])
		assert.Equal(t, float64(3), body["orderQty"])

		json.NewEncoder(w).Encode(apiOrderResult{
			apiResult: apiResult{Success: true},
			OrderID:   "ord-9",
		})
	}))

	id, err := adapter.PlaceMarket(context.Background(), ref, "ESZ6", domain.OrderBuy, 3, "JT_SIG_x")
	require.NoError(t, err)
	assert.Equal(t, "ord-9", id)
	assert.Equal(t, "Bearer tok-abc", gotAuth)
}

func TestPlaceOrderMapsStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"auth expired", http.StatusUnauthorized, domain.ErrAuthExpired},
		{"throttled", http.StatusTooManyRequests, domain.ErrRateLimited},
		{"outage", http.StatusServiceUnavailable, domain.ErrBrokerUnreachable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := adapter.PlaceMarket(context.Background(), ref, "NQ", domain.OrderSell, 1, "JT_SIG_y")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResolveContractCaches(t *testing.T) {
	t.Parallel()

	calls := 0
	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(apiContract{ID: "c-es", Name: "ES", TickSize: 0.25, TickValue: 12.5})
	}))

	first, err := adapter.ResolveContract(context.Background(), ref, "ES")
	require.NoError(t, err)
	second, err := adapter.ResolveContract(context.Background(), ref, "ES")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second resolve must hit the cache")
	assert.InDelta(t, 50.0, first.PointValue(), 1e-9)
}

func TestPlaceBracketRejectedBody(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiBracketResult{
			apiResult: apiResult{Success: true, FailureText: "Insufficient margin"},
		})
	}))

	spec := domain.BracketSpec{
		Symbol: "ES", Side: domain.OrderBuy, Qty: 2,
		ClientOrderID: "JT_SIG_z",
		Legs:          []domain.BracketLeg{{Qty: 2, Distance: 2.0}},
	}
	_, err := adapter.PlaceBracket(context.Background(), ref, spec)
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
}

func TestListOpenOrdersFiltersTerminal(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]apiOrder{
			{ID: "o1", Symbol: "ES", Status: "Working"},
			{ID: "o2", Symbol: "ES", Status: "Filled"},
			{ID: "o3", Symbol: "ES", Status: "Canceled"},
		})
	}))

	orders, err := adapter.ListOpenOrders(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)
}

func TestFramerAuthAndSubscribe(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://stream.example", "")

	auth, err := f.Auth("tok-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"e":"authorize","token":"tok-1"}`, string(auth))

	ok, handled := f.AuthAck([]byte(`{"e":"authorized","status":200}`))
	assert.True(t, ok)
	assert.True(t, handled)

	ok, handled = f.AuthAck([]byte(`{"e":"authorized","status":401}`))
	assert.False(t, ok)
	assert.True(t, handled)

	_, handled = f.AuthAck([]byte(`{"e":"fill","d":{}}`))
	assert.False(t, handled)

	sub, err := f.Subscribe([]string{"SUB-1", "SUB-2"})
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(sub, &msg))
	assert.Equal(t, "subscribe", msg["e"])
	assert.Len(t, msg["accounts"], 2)
}

func TestFramerParseFill(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://stream.example", "")
	frame := []byte(`{"e":"fill","d":{"account":"SUB-1","symbol":"ES","action":"Sell","qty":2,"price":4500.25,"fillId":"f-1","orderId":"o-1","clOrdId":"JT_COPY_abc"}}`)

	events, err := f.Parse(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.StreamFill, events[0].Type)
	fill := events[0].Fill
	require.NotNil(t, fill)
	assert.Equal(t, domain.OrderSell, fill.Side)
	assert.Equal(t, 2, fill.Qty)
	assert.True(t, domain.IsCopyOrderID(fill.ClientOrderID))
}

func TestFramerParseUnknownKind(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://stream.example", "")
	events, err := f.Parse([]byte(`{"e":"marketData","d":{"symbol":"ES"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}
