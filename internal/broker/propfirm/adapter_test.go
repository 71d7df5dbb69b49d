package propfirm

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

	a := NewAdapter(config.BrokerConfig{BaseURL: srv.URL}, nil, nil)
	ref := domain.AccountRef{
		AccountID:   7,
		Broker:      domain.BrokerPropfirm,
		Environment: domain.EnvLive,
		Subaccount:  "PF-100",
		Auth:        domain.Credentials{APIKey: "pk-test"},
	}
	return a, ref
}

func TestPlaceMarketSendsAPIKey(t *testing.T) {
	t.Parallel()

	var gotKey string
	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.Equal(t, "/orders", r.URL.Path)
		json.NewEncoder(w).Encode(apiOrderResult{OrderID: "pf-ord-1"})
	}))

	id, err := adapter.PlaceMarket(context.Background(), ref, "NQ", domain.OrderBuy, 1, "JT_SIG_a")
	require.NoError(t, err)
	assert.Equal(t, "pf-ord-1", id)
	assert.Equal(t, "pk-test", gotKey)
}

func TestTwoHundredWithErrorTextIsRejection(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiOrderResult{
			apiEnvelope: apiEnvelope{ErrorText: "position limit exceeded"},
		})
	}))

	_, err := adapter.PlaceMarket(context.Background(), ref, "NQ", domain.OrderBuy, 50, "JT_SIG_b")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)

	var rej *domain.BrokerRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "position limit exceeded", rej.Reason)
}

func TestAuthFailureMapsToAuthExpired(t *testing.T) {
	t.Parallel()

	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := adapter.CancelOrder(context.Background(), ref, "pf-ord-2")
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
}

func TestFlattenCancelsThenCloses(t *testing.T) {
	t.Parallel()

	var cancelled []string
	var marketOrders []map[string]any
	adapter, ref := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/orders":
			json.NewEncoder(w).Encode(apiOrderList{Orders: []apiOrder{
				{OrderID: "tp-1", Symbol: "ES", Status: "working"},
				{OrderID: "other", Symbol: "NQ", Status: "working"},
			}})
		case r.Method == http.MethodDelete:
			cancelled = append(cancelled, r.URL.Path)
			json.NewEncoder(w).Encode(apiEnvelope{})
		case r.Method == http.MethodGet && r.URL.Path == "/positions":
			json.NewEncoder(w).Encode(apiPositionList{Positions: []apiPosition{
				{Account: "PF-100", Symbol: "ES", NetQty: -3, AvgPrice: 4500},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			marketOrders = append(marketOrders, body)
			json.NewEncoder(w).Encode(apiOrderResult{OrderID: "close-1"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	require.NoError(t, adapter.Flatten(context.Background(), ref, "ES"))

	assert.Equal(t, []string{"/orders/tp-1"}, cancelled, "only the symbol's orders are cancelled")
	require.Len(t, marketOrders, 1)
	assert.Equal(t, "buy", marketOrders[0]["side"], "short position closes with a buy")
	assert.Equal(t, float64(3), marketOrders[0]["qty"])
}

func TestFramerSplitOnRecordSeparator(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://gw.example/stream", "")
	data := []byte("{\"type\":\"ping\"}\x1e{\"type\":\"fill\",\"data\":{}}\x1e")

	frames := f.Split(data)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"ping"}`, string(frames[0]))
}

func TestFramerHandshake(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://gw.example/stream", "")

	auth, err := f.Auth("pk-test")
	require.NoError(t, err)
	assert.Equal(t, byte(recordSeparator), auth[len(auth)-1])

	ok, handled := f.AuthAck([]byte(`{"type":"status","code":200}`))
	assert.True(t, ok)
	assert.True(t, handled)

	ok, handled = f.AuthAck([]byte(`{"type":"status","code":401}`))
	assert.False(t, ok)
	assert.True(t, handled)
}

func TestFramerParsePosition(t *testing.T) {
	t.Parallel()

	f := NewFramer("wss://gw.example/stream", "")
	frame := []byte(`{"type":"position","data":{"account":"PF-100","symbol":"ES","netQty":4,"prevQty":2,"avgPrice":4501.25}}`)

	events, err := f.Parse(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	pos := events[0].Position
	require.NotNil(t, pos)
	assert.Equal(t, 4, pos.Qty)
	assert.Equal(t, 2, pos.PrevQty)
}
