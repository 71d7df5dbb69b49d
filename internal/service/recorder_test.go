package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/domain"
)

type closedTrade struct {
	id     int64
	price  float64
	reason string
	pl     float64
}

type fakeSyncStore struct {
	Store
	mu        sync.Mutex
	traders   []domain.Trader
	accounts  map[int64]domain.Account
	trades    []domain.Trade
	positions map[string]domain.Position
	closes    []closedTrade
	qtys      map[int64]int
	exits     map[int64][2]string
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		accounts:  map[int64]domain.Account{},
		positions: map[string]domain.Position{},
		qtys:      map[int64]int{},
		exits:     map[int64][2]string{},
	}
}

func (s *fakeSyncStore) ListEnabledTraders(context.Context) ([]domain.Trader, error) {
	return s.traders, nil
}

func (s *fakeSyncStore) GetAccountWithCredentials(_ context.Context, id int64) (domain.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *fakeSyncStore) ListOpenTradesForAccount(_ context.Context, accountID int64, symbol string) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID && t.Symbol == symbol && t.Status == domain.TradeOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSyncStore) CloseTrade(_ context.Context, id int64, exitPrice float64, reason string, pl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, closedTrade{id: id, price: exitPrice, reason: reason, pl: pl})
	return nil
}

func (s *fakeSyncStore) UpdateTradeQty(_ context.Context, id int64, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qtys[id] = qty
	return nil
}

func (s *fakeSyncStore) SetTradeExitOrders(_ context.Context, id int64, tp, sl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits[id] = [2]string{tp, sl}
	return nil
}

func (s *fakeSyncStore) GetPosition(_ context.Context, strategyID, accountID int64, symbol string) (domain.Position, error) {
	p, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	_ = strategyID
	_ = accountID
	return p, nil
}

func (s *fakeSyncStore) UpsertPosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = *p
	return nil
}

type fakeSyncHub struct {
	mu     sync.Mutex
	subs   map[string]domain.StreamSubscription
	state  domain.ConnState
	next   int
	gone   []string
	status domain.HubStatus
}

func newFakeSyncHub() *fakeSyncHub {
	return &fakeSyncHub{subs: map[string]domain.StreamSubscription{}, state: domain.ConnLive}
}

func (h *fakeSyncHub) Register(sub domain.StreamSubscription) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := string(rune('a' + h.next))
	h.subs[id] = sub
	return id, nil
}

func (h *fakeSyncHub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
	h.gone = append(h.gone, id)
}

func (h *fakeSyncHub) Status() domain.HubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	tokens := map[string]domain.TokenStreamStatus{}
	for _, sub := range h.subs {
		tokens[sub.TokenKey] = domain.TokenStreamStatus{State: h.state, Connected: h.state == domain.ConnLive}
	}
	return domain.HubStatus{Tokens: tokens}
}

func (h *fakeSyncHub) deliver(ev domain.StreamEvent) {
	h.mu.Lock()
	subs := make([]domain.StreamSubscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Listener(context.Background(), ev)
	}
}

type fakeContracts struct{ resolves int }

func (f *fakeContracts) ResolveContractFor(context.Context, int64, string) (domain.Contract, error) {
	f.resolves++
	return domain.Contract{Symbol: "MNQH6", TickSize: 0.25, TickValue: 0.50}, nil
}

func syncFixture() (*fakeSyncStore, *fakeSyncHub, *fakeContracts, *Recorder) {
	store := newFakeSyncStore()
	store.traders = []domain.Trader{{ID: 2, StrategyID: 1, AccountID: 11, Enabled: true}}
	store.accounts[11] = domain.Account{
		ID: 11, Broker: domain.BrokerTradex, Environment: domain.EnvLive,
		Subaccount:  "SUB-1",
		Credentials: domain.Credentials{Username: "u", Password: "p"},
	}
	hub := newFakeSyncHub()
	contracts := &fakeContracts{}
	rec := NewRecorder(store, hub, nil, contracts, nil)
	return store, hub, contracts, rec
}

func openLong(tp, sl string) domain.Trade {
	return domain.Trade{
		ID: 7, StrategyID: 1, TraderID: 2, AccountID: 11, Symbol: "MNQH6",
		Side: domain.SideLong, Qty: 2, EntryPrice: 21480.00,
		Status: domain.TradeOpen, TPOrderID: tp, SLOrderID: sl,
	}
}

func TestTPFillClosesTradeWithRealizedPL(t *testing.T) {
	t.Parallel()
	store, hub, _, rec := syncFixture()
	store.trades = []domain.Trade{openLong("tp1", "sl1")}
	store.positions["MNQH6"] = domain.Position{
		StrategyID: 1, AccountID: 11, Symbol: "MNQH6", Qty: 2, AvgEntry: 21480.00, Open: true,
	}
	require.NoError(t, rec.Start(context.Background()))

	hub.deliver(domain.StreamEvent{
		Type: domain.StreamFill,
		Fill: &domain.FillEvent{
			Symbol: "MNQH6", Side: domain.OrderSell, Qty: 2,
			Price: 21485.00, OrderID: "tp1", At: time.Now(),
		},
	})

	require.Len(t, store.closes, 1)
	c := store.closes[0]
	assert.Equal(t, domain.ExitTPFill, c.reason)
	assert.Equal(t, 21485.00, c.price)
	// 5 points x $2/point x 2 contracts.
	assert.InDelta(t, 20.0, c.pl, 1e-9)

	pos := store.positions["MNQH6"]
	assert.Zero(t, pos.Qty)
	assert.False(t, pos.Open)
}

func TestPartialTPLegTrimsTrade(t *testing.T) {
	t.Parallel()
	store, hub, _, rec := syncFixture()
	store.trades = []domain.Trade{openLong("tp1,tp2", "sl1")}
	require.NoError(t, rec.Start(context.Background()))

	hub.deliver(domain.StreamEvent{
		Type: domain.StreamFill,
		Fill: &domain.FillEvent{
			Symbol: "MNQH6", Side: domain.OrderSell, Qty: 1,
			Price: 21485.00, OrderID: "tp1", At: time.Now(),
		},
	})

	assert.Empty(t, store.closes)
	assert.Equal(t, 1, store.qtys[7])
	assert.Equal(t, [2]string{"tp2", "sl1"}, store.exits[7])
}

func TestSLFillClosesWithLoss(t *testing.T) {
	t.Parallel()
	store, hub, _, rec := syncFixture()
	store.trades = []domain.Trade{openLong("tp1", "sl1")}
	require.NoError(t, rec.Start(context.Background()))

	hub.deliver(domain.StreamEvent{
		Type: domain.StreamFill,
		Fill: &domain.FillEvent{
			Symbol: "MNQH6", Side: domain.OrderSell, Qty: 2,
			Price: 21467.50, OrderID: "sl1", At: time.Now(),
		},
	})

	require.Len(t, store.closes, 1)
	assert.Equal(t, domain.ExitSLFill, store.closes[0].reason)
	// -12.5 points x $2/point x 2 contracts.
	assert.InDelta(t, -50.0, store.closes[0].pl, 1e-9)
}

func TestUnrelatedFillIsIgnored(t *testing.T) {
	t.Parallel()
	store, hub, _, rec := syncFixture()
	store.trades = []domain.Trade{openLong("tp1", "sl1")}
	require.NoError(t, rec.Start(context.Background()))

	hub.deliver(domain.StreamEvent{
		Type: domain.StreamFill,
		Fill: &domain.FillEvent{Symbol: "MNQH6", Side: domain.OrderBuy, Qty: 1, Price: 21480, OrderID: "entry-9"},
	})
	assert.Empty(t, store.closes)
	assert.Empty(t, store.qtys)
}

func TestContractResolutionIsCached(t *testing.T) {
	t.Parallel()
	store, hub, contracts, rec := syncFixture()
	store.trades = []domain.Trade{openLong("tp1,tp2", "")}
	require.NoError(t, rec.Start(context.Background()))

	for _, id := range []string{"tp1", "tp2"} {
		store.trades[0].TPOrderID = id // keep a settleable trade per fill
		hub.deliver(domain.StreamEvent{
			Type: domain.StreamFill,
			Fill: &domain.FillEvent{Symbol: "MNQH6", Side: domain.OrderSell, Qty: 2, Price: 21485, OrderID: id},
		})
	}
	assert.Len(t, store.closes, 2)
	assert.Equal(t, 1, contracts.resolves)
}

func TestTrackingFollowsConnectionState(t *testing.T) {
	t.Parallel()
	_, hub, _, rec := syncFixture()
	require.NoError(t, rec.Start(context.Background()))

	assert.True(t, rec.Tracking(11, "MNQH6"))
	hub.state = domain.ConnSilent
	assert.False(t, rec.Tracking(11, "MNQH6"))
	assert.False(t, rec.Tracking(999, "MNQH6"), "unknown account never tracked")
}

func TestDailyDrawdownResetsEachSession(t *testing.T) {
	t.Parallel()
	_, _, _, rec := syncFixture()

	day1 := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return day1 }
	rec.handleBalance(11, domain.BalanceEvent{Equity: 50_000})
	rec.handleBalance(11, domain.BalanceEvent{Equity: 49_400})
	assert.InDelta(t, 600.0, rec.DailyDrawdown(11), 1e-9)

	rec.handleBalance(11, domain.BalanceEvent{Equity: 50_200})
	assert.Zero(t, rec.DailyDrawdown(11), "up on the day is zero drawdown")

	rec.now = func() time.Time { return day1.Add(24 * time.Hour) }
	rec.handleBalance(11, domain.BalanceEvent{Equity: 50_200})
	assert.Zero(t, rec.DailyDrawdown(11), "new session re-anchors the open")
}

func TestRefreshDropsRetiredAccounts(t *testing.T) {
	t.Parallel()
	store, hub, _, rec := syncFixture()
	require.NoError(t, rec.Start(context.Background()))
	require.Len(t, hub.subs, 1)

	store.traders = nil
	require.NoError(t, rec.Refresh(context.Background()))
	assert.Empty(t, hub.subs)
	assert.Len(t, hub.gone, 1)
}
