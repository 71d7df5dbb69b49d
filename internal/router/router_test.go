package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/domain"
	"github.com/jtradehq/jtrade/internal/engine"
	"github.com/jtradehq/jtrade/internal/pool"
)

type fakeRouterStore struct {
	Store
	mu         sync.Mutex
	strategies map[string]domain.Strategy
	traders    []domain.Trader
	signals    map[string]*domain.Signal
	followers  map[int64]bool // accountID -> active follower
	dailyPL    map[int64]float64
}

func newFakeRouterStore() *fakeRouterStore {
	return &fakeRouterStore{
		strategies: map[string]domain.Strategy{},
		signals:    map[string]*domain.Signal{},
		followers:  map[int64]bool{},
		dailyPL:    map[int64]float64{},
	}
}

func (s *fakeRouterStore) GetByWebhookToken(_ context.Context, token string) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[token]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *fakeRouterStore) ListTradersForStrategy(_ context.Context, strategyID int64, enabledOnly bool) ([]domain.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trader
	for _, t := range s.traders {
		if t.StrategyID != strategyID {
			continue
		}
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeRouterStore) InsertSignal(_ context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signals[sig.ID] = &cp
	return nil
}

func (s *fakeRouterStore) UpdateSignalStatus(_ context.Context, id string, status domain.SignalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return domain.ErrNotFound
	}
	sig.Status = status
	sig.FilterReason = reason
	return nil
}

func (s *fakeRouterStore) IsActiveFollower(_ context.Context, accountID int64, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followers[accountID], nil
}

func (s *fakeRouterStore) DailyRealizedPL(_ context.Context, traderID int64, _ time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPL[traderID], nil
}

// inlineQueue runs submissions synchronously.
type inlineQueue struct{}

func (inlineQueue) Submit(ctx context.Context, _ string, fn pool.Task) error {
	return fn(ctx)
}

// fullQueue refuses everything, as a saturated pool would.
type fullQueue struct{}

func (fullQueue) Submit(context.Context, string, pool.Task) error {
	return domain.ErrQueueFull
}

type captureExec struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (c *captureExec) Execute(_ context.Context, t engine.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return nil
}

func testStrategy() domain.Strategy {
	return domain.Strategy{
		ID:           1,
		Symbol:       "MNQH6",
		InitialSize:  1,
		AddSize:      1,
		WebhookToken: "tok-1",
		Enabled:      true,
		Filters:      domain.Filters{Direction: domain.DirBoth},
	}
}

func newTestRouter(store *fakeRouterStore, exec Executor, queue Enqueuer) *Router {
	return New(config.Defaults().Router, store, exec, queue, nil, time.UTC, nil)
}

func TestIngestUnknownTokenIsNotFound(t *testing.T) {
	t.Parallel()
	r := newTestRouter(newFakeRouterStore(), &captureExec{}, inlineQueue{})

	_, err := r.Ingest(context.Background(), "nope", []byte(`{"action":"buy"}`))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestArchivedStrategyIsGone(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Archived = true
	store.strategies["tok-1"] = s
	r := newTestRouter(store, &captureExec{}, inlineQueue{})

	_, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	assert.ErrorIs(t, err, domain.ErrStrategyDisabled)
}

func TestIngestPersistsUnparseableBody(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	store.strategies["tok-1"] = testStrategy()
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"shrug"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalUnparseable, out.Status)
	assert.Empty(t, exec.tasks)

	sig := store.signals[out.SignalID]
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalUnparseable, sig.Status)
	assert.Equal(t, `{"action":"shrug"}`, sig.RawBody)
}

func TestIngestFansOutWithMultiplier(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	store.strategies["tok-1"] = testStrategy()
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
		{ID: 11, StrategyID: 1, AccountID: 101, Multiplier: 2.5, Enabled: true},
		{ID: 12, StrategyID: 1, AccountID: 102, Multiplier: 1, Enabled: false},
	}
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	out, err := r.Ingest(context.Background(), "tok-1",
		[]byte(`{"action":"buy","ticker":"MNQH6","price":21500.00}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out.Status)
	assert.Equal(t, 2, out.Enqueued)

	require.Len(t, exec.tasks, 2)
	byTrader := map[int64]engine.Task{}
	for _, task := range exec.tasks {
		byTrader[task.Config.TraderID] = task
	}
	assert.Equal(t, 1, byTrader[10].EntryQty)
	assert.Equal(t, 3, byTrader[11].EntryQty) // 1 x 2.5 rounds to 3
	assert.InDelta(t, 21500.00, byTrader[10].Price, 1e-9)
	assert.Equal(t, domain.ActionBuy, byTrader[10].Action)
}

func TestIngestSkipsActiveCopyFollowers(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	store.strategies["tok-1"] = testStrategy()
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
		{ID: 11, StrategyID: 1, AccountID: 101, Multiplier: 1, Enabled: true},
	}
	store.followers[101] = true
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Enqueued)
	require.Len(t, exec.tasks, 1)
	assert.Equal(t, int64(10), exec.tasks[0].Config.TraderID)
}

func TestIngestSkipsTradersPastDailyLoss(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.MaxDailyLoss = 500
	store.strategies["tok-1"] = s
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
		{ID: 11, StrategyID: 1, AccountID: 101, Multiplier: 1, Enabled: true},
	}
	store.dailyPL[10] = -650.0
	store.dailyPL[11] = -100.0
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Enqueued)
	require.Len(t, exec.tasks, 1)
	assert.Equal(t, int64(11), exec.tasks[0].Config.TraderID)
}

func TestIngestDedupWithinWindow(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	store.strategies["tok-1"] = testStrategy()
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	body := []byte(`{"action":"buy","time":"2026-02-03T14:30:00Z"}`)
	out1, err := r.Ingest(context.Background(), "tok-1", body)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out1.Status)

	out2, err := r.Ingest(context.Background(), "tok-1", body)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalDuplicate, out2.Status)

	// A different sender timestamp is a fresh signal.
	out3, err := r.Ingest(context.Background(), "tok-1",
		[]byte(`{"action":"buy","time":"2026-02-03T14:31:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out3.Status)
}

func TestIngestFiltersRecordingDisabled(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Enabled = false
	store.strategies["tok-1"] = s
	r := newTestRouter(store, &captureExec{}, inlineQueue{})

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalFiltered, out.Status)
	assert.Equal(t, "recording_disabled", out.Reason)
}

func TestIngestInverseAppliesBeforeDirection(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.Direction = domain.DirLong
	s.Filters.Inverse = true
	store.strategies["tok-1"] = s
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
	}
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	// A raw sell inverts to buy, which the long-only filter accepts.
	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"sell"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out.Status)
	require.Len(t, exec.tasks, 1)
	assert.Equal(t, domain.ActionBuy, exec.tasks[0].Action)

	// A raw buy inverts to sell and is filtered.
	out, err = r.Ingest(context.Background(), "tok-1",
		[]byte(`{"action":"buy","time":"2026-02-03T15:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalFiltered, out.Status)
	assert.Equal(t, "direction", out.Reason)
}

func TestIngestTimeWindowFilter(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.Window1 = domain.TimeWindow{Enabled: true, Start: "09:30", End: "16:00"}
	store.strategies["tok-1"] = s
	r := newTestRouter(store, &captureExec{}, inlineQueue{})
	r.now = func() time.Time {
		return time.Date(2026, 2, 3, 3, 0, 0, 0, time.UTC) // 03:00, outside
	}

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalFiltered, out.Status)
	assert.Equal(t, "outside_window", out.Reason)
}

func TestIngestCooldownAndSessionCap(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.SignalCooldown = time.Minute
	s.Filters.MaxSignalsPerSession = 2
	store.strategies["tok-1"] = s
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
	}
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	base := time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy","time":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out.Status)

	// Ten seconds later: cooldown blocks.
	clock = base.Add(10 * time.Second)
	out, err = r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy","time":"t2"}`))
	require.NoError(t, err)
	assert.Equal(t, "cooldown", out.Reason)

	// Past the cooldown: second accepted signal of the session.
	clock = base.Add(2 * time.Minute)
	out, err = r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy","time":"t3"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out.Status)

	// Session cap of two now blocks.
	clock = base.Add(5 * time.Minute)
	out, err = r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy","time":"t4"}`))
	require.NoError(t, err)
	assert.Equal(t, "max_signals_per_session", out.Reason)
}

func TestIngestSignalDelayExecutesEveryNth(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.SignalDelay = 3
	store.strategies["tok-1"] = s
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
	}
	exec := &captureExec{}
	r := newTestRouter(store, exec, inlineQueue{})

	var accepted int
	for i := 0; i < 6; i++ {
		body := []byte(`{"action":"buy","time":"n` + string(rune('0'+i)) + `"}`)
		out, err := r.Ingest(context.Background(), "tok-1", body)
		require.NoError(t, err)
		if out.Status == domain.SignalAccepted {
			accepted++
		} else {
			assert.Equal(t, "signal_delay", out.Reason)
		}
	}
	assert.Equal(t, 2, accepted) // the 3rd and 6th signals
	assert.Len(t, exec.tasks, 2)
}

func TestIngestSignalDelayCountsBeforeOtherFilters(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	s := testStrategy()
	s.Filters.SignalDelay = 2
	s.Filters.Direction = domain.DirLong
	store.strategies["tok-1"] = s
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
	}
	r := newTestRouter(store, &captureExec{}, inlineQueue{})

	// The every-Nth counter advances on each non-duplicate signal,
	// even ones the direction gate would drop.
	deliveries := []struct {
		body   string
		status domain.SignalStatus
		reason string
	}{
		{`{"action":"sell","time":"d1"}`, domain.SignalFiltered, "signal_delay"},
		{`{"action":"sell","time":"d2"}`, domain.SignalFiltered, "direction"},
		{`{"action":"buy","time":"d3"}`, domain.SignalFiltered, "signal_delay"},
		{`{"action":"buy","time":"d4"}`, domain.SignalAccepted, ""},
	}
	for _, d := range deliveries {
		out, err := r.Ingest(context.Background(), "tok-1", []byte(d.body))
		require.NoError(t, err)
		assert.Equal(t, d.status, out.Status, d.body)
		assert.Equal(t, d.reason, out.Reason, d.body)
	}
}

func TestIngestQueueFullStillSucceeds(t *testing.T) {
	t.Parallel()
	store := newFakeRouterStore()
	store.strategies["tok-1"] = testStrategy()
	store.traders = []domain.Trader{
		{ID: 10, StrategyID: 1, AccountID: 100, Multiplier: 1, Enabled: true},
	}
	r := newTestRouter(store, &captureExec{}, fullQueue{})

	out, err := r.Ingest(context.Background(), "tok-1", []byte(`{"action":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SignalAccepted, out.Status)
	assert.Equal(t, 0, out.Enqueued)
	assert.Equal(t, 1, out.Dropped)
}

func TestParseJSONQuotedNumbers(t *testing.T) {
	t.Parallel()

	p, err := parseBody([]byte(`{"action":"SELL","ticker":"esh6","price":"5000.25","contracts":"2","extra":"ignored"}`), false)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSell, p.Action)
	assert.Equal(t, "ESH6", p.Ticker)
	require.NotNil(t, p.Price)
	assert.InDelta(t, 5000.25, *p.Price, 1e-9)
	require.NotNil(t, p.Contracts)
	assert.InDelta(t, 2.0, *p.Contracts, 1e-9)
}

func TestParsePlainTextHeuristics(t *testing.T) {
	t.Parallel()

	p, err := parseBody([]byte("buy MNQH6 21500.50"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, p.Action)
	assert.Equal(t, "MNQH6", p.Ticker)
	require.NotNil(t, p.Price)
	assert.InDelta(t, 21500.50, *p.Price, 1e-9)

	p, err = parseBody([]byte("action=flat ticker=ESH6 price=5000"), true)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClose, p.Action)
	assert.Equal(t, "ESH6", p.Ticker)

	_, err = parseBody([]byte("hello world"), true)
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = parseBody([]byte("buy MNQH6"), false)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestNormalizeCloseAliases(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"close", "flat", "flatten", "exit", "CLOSE"} {
		a, ok := domain.NormalizeAction(raw)
		require.True(t, ok, raw)
		assert.Equal(t, domain.ActionClose, a)
		assert.True(t, a.IsClose())
	}
}
