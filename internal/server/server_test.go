package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/router"
	"github.com/jtradehq/jtrade/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIngestor struct {
	err error
	out router.Outcome
}

func (f *fakeIngestor) Ingest(context.Context, string, []byte) (router.Outcome, error) {
	return f.out, f.err
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeAPIStore struct {
	domain.FailureStore
	domain.TradeStore
	domain.AccountStore
	failures []domain.ExecutionFailure
	trades   []domain.Trade
	accounts []domain.Account
}

func (s *fakeAPIStore) ListExecutionFailures(_ context.Context, limit int) ([]domain.ExecutionFailure, error) {
	if limit > len(s.failures) {
		limit = len(s.failures)
	}
	return s.failures[:limit], nil
}

func (s *fakeAPIStore) ListAllOpenTrades(context.Context) ([]domain.Trade, error) {
	return s.trades, nil
}

func (s *fakeAPIStore) ListAccounts(context.Context) ([]domain.Account, error) {
	return s.accounts, nil
}

type fakeMigrator struct{ runs int }

func (m *fakeMigrator) Migrate(context.Context) error { m.runs++; return nil }

type fakeFlattener struct{ calls []domain.Effective }

func (f *fakeFlattener) Flatten(_ context.Context, cfg domain.Effective, _ string) error {
	f.calls = append(f.calls, cfg)
	return nil
}

type denyGate struct{}

func (denyGate) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, time.Second, nil
}
func (denyGate) Wait(context.Context, string) error { return nil }

type testDeps struct {
	ingest  *fakeIngestor
	store   *fakeAPIStore
	pinger  *fakePinger
	migrate *fakeMigrator
	flatten *fakeFlattener
}

func newTestServer(t *testing.T, adminKey string, gate domain.RateGate) (*Server, *testDeps) {
	t.Helper()
	d := &testDeps{
		ingest:  &fakeIngestor{out: router.Outcome{SignalID: "sig-1", Status: "accepted", Enqueued: 1}},
		store:   &fakeAPIStore{},
		pinger:  &fakePinger{},
		migrate: &fakeMigrator{},
		flatten: &fakeFlattener{},
	}
	cfg := config.Defaults().Server
	cfg.AdminKey = adminKey
	srv := New(cfg, Handlers{
		Webhook:   handler.NewWebhookHandler(d.ingest, testLogger()),
		Health:    handler.NewHealthHandler(d.pinger),
		Status:    handler.NewStatusHandler(nil, nil, time.Now()),
		Execution: handler.NewExecutionHandler(d.store, testLogger()),
		Accounts:  handler.NewAccountsHandler(d.store),
		Admin:     handler.NewAdminHandler(d.migrate, d.flatten, d.store, testLogger()),
	}, gate, testLogger())
	return srv, d
}

func do(t *testing.T, srv *Server, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func TestWebhookAcceptsAndReportsOutcome(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "", nil)
	w := do(t, srv, http.MethodPost, "/webhook/tok-1", `{"action":"buy"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"sig-1"`)
}

func TestWebhookTokenErrors(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "", nil)

	d.ingest.err = fmt.Errorf("router: %w", domain.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/webhook/bogus", "x", nil).Code)

	d.ingest.err = fmt.Errorf("router: %w", domain.ErrStrategyDisabled)
	assert.Equal(t, http.StatusGone, do(t, srv, http.MethodPost, "/webhook/old", "x", nil).Code)
}

func TestWebhookAcksUnderIngestPressure(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "", nil)

	// A saturated ingest queue or a blown ingest deadline is still a
	// 2xx for the alert source; the drop is reported in the body.
	d.ingest.err = fmt.Errorf("pool ingest: %w", domain.ErrQueueFull)
	rec := do(t, srv, http.MethodPost, "/webhook/tok", "buy", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Dropped":1`)

	d.ingest.err = fmt.Errorf("signal ingest: %w", domain.ErrTimeout)
	rec = do(t, srv, http.MethodPost, "/webhook/tok", "buy", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest saturated")
}

func TestAdminWritesRequireKey(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "s3cret", nil)

	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodPost, "/api/run-migrations", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodPost, "/api/run-migrations", "", map[string]string{"X-Admin-Key": "wrong"}).Code)
	assert.Equal(t, 0, d.migrate.runs)

	w := do(t, srv, http.MethodPost, "/api/run-migrations", "", map[string]string{"X-Admin-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, d.migrate.runs)
}

func TestAdminWritesDisabledWithoutConfiguredKey(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "", nil)
	assert.Equal(t, http.StatusForbidden,
		do(t, srv, http.MethodPost, "/api/run-migrations", "", nil).Code)
}

func TestReadEndpointsSkipAdminKey(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "s3cret", nil)
	d.store.accounts = []domain.Account{{ID: 11, Name: "eval-1", Broker: domain.BrokerTradex, NeedsReauth: true, ReauthReason: "refresh rejected"}}

	w := do(t, srv, http.MethodGet, "/api/accounts/auth-status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"needs_reauth":true`)
	assert.Contains(t, w.Body.String(), "refresh rejected")
}

func TestFailuresEndpointHonorsLimit(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "", nil)
	for i := 0; i < 5; i++ {
		d.store.failures = append(d.store.failures, domain.ExecutionFailure{
			ID: int64(i + 1), Kind: "broker_rejected", Symbol: "MNQH6", At: time.Now(),
		})
	}
	w := do(t, srv, http.MethodGet, "/api/broker-execution/failures?limit=2", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, strings.Count(w.Body.String(), `"Kind":"broker_rejected"`))
}

func TestFlattenAccountScopesToAccount(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "s3cret", nil)
	d.store.trades = []domain.Trade{
		{ID: 1, StrategyID: 1, TraderID: 2, AccountID: 11, Symbol: "MNQH6", Status: domain.TradeOpen},
		{ID: 2, StrategyID: 1, TraderID: 3, AccountID: 11, Symbol: "ESH6", Status: domain.TradeOpen},
		{ID: 3, StrategyID: 2, TraderID: 4, AccountID: 99, Symbol: "MNQH6", Status: domain.TradeOpen},
	}

	w := do(t, srv, http.MethodPost, "/api/admin/flatten/11", "", map[string]string{"X-Admin-Key": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, d.flatten.calls, 2)
	for _, cfg := range d.flatten.calls {
		assert.Equal(t, int64(11), cfg.AccountID)
	}
	assert.Contains(t, w.Body.String(), `"flattened":2`)
}

func TestRateLimitCoversAPIButNeverWebhook(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "", denyGate{})

	assert.Equal(t, http.StatusTooManyRequests,
		do(t, srv, http.MethodGet, "/api/broker-execution/status", "", nil).Code)
	assert.Equal(t, http.StatusAccepted,
		do(t, srv, http.MethodPost, "/webhook/tok-1", "x", nil).Code)
}

func TestHealthDegradesWhenStoreDown(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t, "", nil)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "", nil).Code)

	d.pinger.err = fmt.Errorf("connection refused")
	w := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}
