package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/broker"
	"github.com/jtradehq/jtrade/internal/domain"
)

// brokerCall records one adapter invocation for assertions.
type brokerCall struct {
	Op      string
	Side    domain.OrderSide
	Qty     int
	Price   float64
	ClID    string
	OrderID string
	Spec    domain.BracketSpec
}

type fakeAdapter struct {
	mu        sync.Mutex
	calls     []brokerCall
	contract  domain.Contract
	positions []domain.BrokerPosition
	orders    []domain.Order
	bracket   domain.BracketResult
	errByOp   map[string]error
	authFails int // PlaceMarket fails with ErrAuthExpired this many times
	nextID    int
}

func newFakeAdapter(tick, tickValue float64) *fakeAdapter {
	return &fakeAdapter{
		contract: domain.Contract{ID: "c1", Symbol: "MNQH6", TickSize: tick, TickValue: tickValue},
		bracket:  domain.BracketResult{BracketID: "b1", EntryOrderID: "e1", TPOrderIDs: []string{"tp1"}, SLOrderID: "sl1"},
		errByOp:  map[string]error{},
	}
}

func (f *fakeAdapter) record(c brokerCall) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c.OrderID = fmt.Sprintf("o%d", f.nextID)
	f.calls = append(f.calls, c)
	return c.OrderID
}

func (f *fakeAdapter) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Op
	}
	return out
}

func (f *fakeAdapter) Broker() domain.Broker { return domain.BrokerTradex }

func (f *fakeAdapter) ResolveContract(context.Context, domain.AccountRef, string) (domain.Contract, error) {
	return f.contract, f.errByOp["resolve"]
}

func (f *fakeAdapter) PlaceMarket(_ context.Context, _ domain.AccountRef, _ string, side domain.OrderSide, qty int, clID string) (string, error) {
	f.mu.Lock()
	if f.authFails > 0 {
		f.authFails--
		f.mu.Unlock()
		return "", domain.ErrAuthExpired
	}
	f.mu.Unlock()
	if err := f.errByOp["market"]; err != nil {
		return "", err
	}
	return f.record(brokerCall{Op: "market", Side: side, Qty: qty, ClID: clID}), nil
}

func (f *fakeAdapter) PlaceBracket(_ context.Context, _ domain.AccountRef, spec domain.BracketSpec) (domain.BracketResult, error) {
	if err := f.errByOp["bracket"]; err != nil {
		return domain.BracketResult{}, err
	}
	f.record(brokerCall{Op: "bracket", Side: spec.Side, Qty: spec.Qty, ClID: spec.ClientOrderID, Spec: spec})
	return f.bracket, nil
}

func (f *fakeAdapter) PlaceLimit(_ context.Context, _ domain.AccountRef, _ string, side domain.OrderSide, qty int, limit float64, clID string) (string, error) {
	return f.record(brokerCall{Op: "limit", Side: side, Qty: qty, Price: limit, ClID: clID}), nil
}

func (f *fakeAdapter) PlaceStop(_ context.Context, _ domain.AccountRef, _ string, side domain.OrderSide, qty int, stop float64, clID string) (string, error) {
	return f.record(brokerCall{Op: "stop", Side: side, Qty: qty, Price: stop, ClID: clID}), nil
}

func (f *fakeAdapter) PlaceStopLimit(_ context.Context, _ domain.AccountRef, _ string, side domain.OrderSide, qty int, stop, _ float64, clID string) (string, error) {
	return f.record(brokerCall{Op: "stop_limit", Side: side, Qty: qty, Price: stop, ClID: clID}), nil
}

func (f *fakeAdapter) PlaceTrailingStop(_ context.Context, _ domain.AccountRef, _ string, side domain.OrderSide, qty int, trail float64, clID string) (string, error) {
	return f.record(brokerCall{Op: "trailing_stop", Side: side, Qty: qty, Price: trail, ClID: clID}), nil
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ domain.AccountRef, orderID string) error {
	f.record(brokerCall{Op: "cancel", ClID: orderID})
	return nil
}

func (f *fakeAdapter) ModifyOrder(context.Context, domain.AccountRef, string, domain.OrderModify) error {
	f.record(brokerCall{Op: "modify"})
	return nil
}

func (f *fakeAdapter) ListPositions(context.Context, domain.AccountRef) ([]domain.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeAdapter) ListOpenOrders(context.Context, domain.AccountRef) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, nil
}

func (f *fakeAdapter) Flatten(ctx context.Context, ref domain.AccountRef, symbol string) error {
	return broker.FlattenSymbol(ctx, f, ref, symbol)
}

type fakeStore struct {
	Store
	mu        sync.Mutex
	account   domain.Account
	trades    map[int64]*domain.Trade
	positions map[string]*domain.Position
	failures  []domain.ExecutionFailure
	reauthed  map[int64]string
	nextTrade int64
	nextPos   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		account: domain.Account{
			ID:          11,
			Broker:      domain.BrokerTradex,
			Environment: domain.EnvDemo,
			Credentials: domain.Credentials{Username: "u", Password: "p"},
			Enabled:     true,
		},
		trades:    map[int64]*domain.Trade{},
		positions: map[string]*domain.Position{},
		reauthed:  map[int64]string{},
	}
}

func (s *fakeStore) GetAccountWithCredentials(_ context.Context, id int64) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.account.ID {
		return domain.Account{}, domain.ErrNotFound
	}
	return s.account, nil
}

func (s *fakeStore) MarkAccountNeedsReauth(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reauthed[id] = reason
	return nil
}

func (s *fakeStore) OpenTrade(_ context.Context, t *domain.Trade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrade++
	t.ID = s.nextTrade
	cp := *t
	s.trades[t.ID] = &cp
	return t.ID, nil
}

func (s *fakeStore) CloseTrade(_ context.Context, id int64, exitPrice float64, reason string, pl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = domain.TradeClosed
	t.ExitPrice = exitPrice
	t.ExitReason = reason
	t.RealizedPL = pl
	return nil
}

func (s *fakeStore) UpdateTradeQty(_ context.Context, id int64, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Qty = qty
	return nil
}

func (s *fakeStore) SetTradeExitOrders(_ context.Context, id int64, tpID, slID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.TPOrderID = tpID
	t.SLOrderID = slID
	return nil
}

func (s *fakeStore) ListOpenTradesForAccount(_ context.Context, accountID int64, symbol string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID && strings.EqualFold(t.Symbol, symbol) && t.Status == domain.TradeOpen {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) GetPosition(_ context.Context, strategyID, accountID int64, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(strategyID, accountID, symbol)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *fakeStore) UpsertPosition(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextPos++
		p.ID = s.nextPos
	}
	cp := *p
	s.positions[posKey(p.StrategyID, p.AccountID, p.Symbol)] = &cp
	return nil
}

func (s *fakeStore) ClosePosition(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.ID == id {
			p.Open = false
			p.ClosedAt = at
		}
	}
	return nil
}

func (s *fakeStore) AppendExecutionFailure(_ context.Context, f *domain.ExecutionFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *f)
	return nil
}

func posKey(strategyID, accountID int64, symbol string) string {
	return fmt.Sprintf("%d:%d:%s", strategyID, accountID, symbol)
}

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidates int
}

func (f *fakeTokens) TokenFor(context.Context, int64) (domain.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.AccessToken{}, f.err
	}
	return domain.AccessToken{Value: f.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate(context.Context, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
}

func testConfig() domain.Effective {
	return domain.Effective{
		StrategyID:  1,
		TraderID:    2,
		AccountID:   11,
		Symbol:      "MNQH6",
		InitialSize: 1,
		AddSize:     1,
		TPLegs: []domain.TPLeg{
			{Distance: 20, Unit: domain.UnitTicks, Trim: 100, TrimUnit: domain.TrimPercent},
		},
		Stop: domain.StopPlan{
			Enabled:  true,
			Distance: 50,
			Unit:     domain.UnitTicks,
			Kind:     domain.StopFixed,
		},
		DCA:        domain.DCAPlan{Enabled: true, Size: 1},
		Multiplier: 1,
	}
}

func newTestEngine(adapter *fakeAdapter, store *fakeStore) *Engine {
	return New(broker.NewRegistry(adapter), store, &fakeTokens{token: "tok"}, nil, nil)
}

func TestExecuteFreshEntryPlacesBracket(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50) // MNQ: $0.50/tick, $2/point
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	err := eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionBuy,
		SignalID: "sig-1",
		Price:    21500.00,
		EntryQty: 1,
		AddQty:   1,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"bracket"}, adapter.ops())
	call := adapter.calls[0]
	assert.Equal(t, domain.OrderBuy, call.Side)
	assert.Equal(t, 1, call.Qty)
	assert.True(t, strings.HasPrefix(call.ClID, domain.OrderPrefixSignal))
	require.Len(t, call.Spec.Legs, 1)
	assert.InDelta(t, 5.0, call.Spec.Legs[0].Distance, 1e-9) // 20 ticks x 0.25
	assert.Equal(t, 1, call.Spec.Legs[0].Qty)
	require.NotNil(t, call.Spec.Stop)
	assert.InDelta(t, 12.5, call.Spec.Stop.Distance, 1e-9) // 50 ticks x 0.25
	assert.Equal(t, domain.StopFixed, call.Spec.Stop.Kind)

	trades, err := store.ListOpenTradesForAccount(context.Background(), 11, "MNQH6")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideLong, trades[0].Side)
	assert.Equal(t, 1, trades[0].Qty)
	assert.Equal(t, "tp1", trades[0].TPOrderID)
	assert.Equal(t, "sl1", trades[0].SLOrderID)
}

func TestExecuteAddWithDCARecomputesFromBrokerAverage(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	// Existing long 1 @ 21500 with a resting TP.
	_, err := store.OpenTrade(context.Background(), &domain.Trade{
		StrategyID: 1, TraderID: 2, AccountID: 11,
		Symbol: "MNQH6", Side: domain.SideLong, Qty: 1,
		EntryPrice: 21500.00, Status: domain.TradeOpen,
	})
	require.NoError(t, err)
	require.NoError(t, store.SetTradeExitOrders(context.Background(), 1, "tp-old", "sl-old"))

	// Broker reports the post-add average, which differs from the
	// locally synthesized midpoint.
	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: 1, AvgPrice: 21490.25},
	}

	err = eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionBuy,
		Price:    21480.00,
		EntryQty: 1,
		AddQty:   1,
	})
	require.NoError(t, err)

	ops := adapter.ops()
	assert.Equal(t, []string{"market", "cancel", "limit"}, ops)
	assert.NotContains(t, ops, "bracket")

	market := adapter.calls[0]
	assert.Equal(t, domain.OrderBuy, market.Side)
	assert.Equal(t, 1, market.Qty)

	cancel := adapter.calls[1]
	assert.Equal(t, "tp-old", cancel.ClID)

	// New TP sits 20 ticks above the broker-reported average.
	limit := adapter.calls[2]
	assert.Equal(t, domain.OrderSell, limit.Side)
	assert.Equal(t, 2, limit.Qty)
	assert.InDelta(t, 21495.25, limit.Price, 1e-9)

	tr := store.trades[1]
	assert.Equal(t, 2, tr.Qty)
	assert.Equal(t, "o3", tr.TPOrderID)
	assert.Equal(t, "sl-old", tr.SLOrderID)
}

func TestExecuteAddWithDCAOffOpensFreshBracket(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	_, err := store.OpenTrade(context.Background(), &domain.Trade{
		StrategyID: 1, TraderID: 2, AccountID: 11,
		Symbol: "MNQH6", Side: domain.SideLong, Qty: 1,
		EntryPrice: 21500.00, Status: domain.TradeOpen,
	})
	require.NoError(t, err)

	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: 1, AvgPrice: 21500.00},
	}
	adapter.orders = []domain.Order{
		{ID: "tp-old", Symbol: "MNQH6", Type: domain.OrderLimit, Status: domain.OrderWorking},
	}

	cfg := testConfig()
	cfg.DCA.Enabled = false

	err = eng.Execute(context.Background(), Task{
		Config:   cfg,
		Action:   domain.ActionBuy,
		Price:    21480.00,
		EntryQty: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cancel", "bracket"}, adapter.ops())

	// Prior record retired, not market-closed.
	assert.Equal(t, domain.TradeClosed, store.trades[1].Status)
	assert.Equal(t, domain.ExitNewEntry, store.trades[1].ExitReason)

	bracket := adapter.calls[1]
	assert.Equal(t, 1, bracket.Qty)
	assert.Equal(t, domain.OrderBuy, bracket.Side)

	trades, err := store.ListOpenTradesForAccount(context.Background(), 11, "MNQH6")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 1, trades[0].Qty)
}

func TestExecuteFlipClosesThenReenters(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	_, err := store.OpenTrade(context.Background(), &domain.Trade{
		StrategyID: 1, TraderID: 2, AccountID: 11,
		Symbol: "MNQH6", Side: domain.SideLong, Qty: 3,
		EntryPrice: 21500.00, Status: domain.TradeOpen,
	})
	require.NoError(t, err)

	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: 3, AvgPrice: 21500.00},
	}
	adapter.orders = []domain.Order{
		{ID: "tp-old", Symbol: "MNQH6", Status: domain.OrderWorking},
		{ID: "sl-old", Symbol: "MNQH6", Status: domain.OrderWorking},
	}

	err = eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionSell,
		Price:    21490.00,
		EntryQty: 1,
		AddQty:   1,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cancel", "cancel", "market", "bracket"}, adapter.ops())

	closeCall := adapter.calls[2]
	assert.Equal(t, domain.OrderSell, closeCall.Side)
	assert.Equal(t, 3, closeCall.Qty)

	// Re-entry mirrors the previous size on the other side.
	entry := adapter.calls[3]
	assert.Equal(t, domain.OrderSell, entry.Side)
	assert.Equal(t, 3, entry.Qty)

	assert.Equal(t, domain.TradeClosed, store.trades[1].Status)
	assert.Equal(t, domain.ExitFlip, store.trades[1].ExitReason)
}

func TestExecuteCloseNeverReverses(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: -2, AvgPrice: 21500.00},
	}

	err := eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionClose,
		EntryQty: 1,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"market"}, adapter.ops())
	call := adapter.calls[0]
	assert.Equal(t, domain.OrderBuy, call.Side)
	assert.Equal(t, 2, call.Qty)
}

func TestExecuteCloseLongIgnoresShortPosition(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: -2, AvgPrice: 21500.00},
	}

	err := eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionCloseLong,
		EntryQty: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, adapter.ops())
}

func TestApplyPlainAddIsBareDelta(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	adapter.orders = []domain.Order{
		{ID: "tp-1", Symbol: "MNQH6", Status: domain.OrderWorking},
	}

	err := eng.Apply(context.Background(), Transition{
		Config:    testConfig(),
		Action:    "copy",
		Prev:      1,
		Target:    2,
		Prefix:    domain.OrderPrefixCopy,
		AddPolicy: AddPlain,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"market"}, adapter.ops())
	call := adapter.calls[0]
	assert.Equal(t, domain.OrderBuy, call.Side)
	assert.Equal(t, 1, call.Qty)
	assert.True(t, strings.HasPrefix(call.ClID, domain.OrderPrefixCopy))
}

func TestAuthExpiredRefreshesOnceThenMarksReauth(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	tokens := &fakeTokens{token: "tok"}
	eng := New(broker.NewRegistry(adapter), store, tokens, nil, nil)

	cfg := testConfig()
	cfg.TPLegs = nil
	cfg.Stop.Enabled = false

	// First expiry is absorbed by a refresh and retry.
	adapter.authFails = 1
	err := eng.Apply(context.Background(), Transition{
		Config: cfg,
		Action: "buy",
		Prev:   0,
		Target: 1,
		Price:  21500,
	})
	require.NoError(t, err)
	assert.Zero(t, len(store.reauthed))
	assert.Equal(t, 1, tokens.invalidates)
	assert.Equal(t, []string{"market"}, adapter.ops())

	// A session whose retry also expires marks the account.
	adapter.authFails = 2 * broker.MaxAttempts // outlast both retry rounds
	err = eng.Apply(context.Background(), Transition{
		Config: cfg,
		Action: "buy",
		Prev:   0,
		Target: 1,
		Price:  21500,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.NotEmpty(t, store.reauthed[11])
	assert.GreaterOrEqual(t, tokens.invalidates, 1)

	// The failure landed in the log with the auth kind.
	require.NotEmpty(t, store.failures)
	assert.Equal(t, "auth_expired", store.failures[len(store.failures)-1].Kind)
}

func TestExecuteRecordsBrokerRejection(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	adapter.errByOp["bracket"] = &domain.BrokerRejectedError{Reason: "margin exceeded"}

	err := eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionBuy,
		Price:    21500,
		EntryQty: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)

	require.Len(t, store.failures, 1)
	f := store.failures[0]
	assert.Equal(t, int64(1), f.StrategyID)
	assert.Equal(t, int64(2), f.TraderID)
	assert.Equal(t, int64(11), f.AccountID)
	assert.Equal(t, "MNQH6", f.Symbol)
	assert.Equal(t, "buy", f.Action)
	assert.Equal(t, "broker_rejected", f.Kind)
	assert.Contains(t, f.Detail, "margin exceeded")
}

func TestExecuteAdjustsDriftedTradeQty(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter(0.25, 0.50)
	store := newFakeStore()
	eng := newTestEngine(adapter, store)

	_, err := store.OpenTrade(context.Background(), &domain.Trade{
		StrategyID: 1, TraderID: 2, AccountID: 11,
		Symbol: "MNQH6", Side: domain.SideLong, Qty: 5,
		EntryPrice: 21500.00, Status: domain.TradeOpen,
	})
	require.NoError(t, err)

	// Broker says 2, record says 5: broker wins.
	adapter.positions = []domain.BrokerPosition{
		{Symbol: "MNQH6", Qty: 2, AvgPrice: 21500.00},
	}

	err = eng.Execute(context.Background(), Task{
		Config:   testConfig(),
		Action:   domain.ActionClose,
		EntryQty: 1,
	})
	require.NoError(t, err)

	// Drift adjusted before the close; market order sized off broker.
	require.Equal(t, []string{"market"}, adapter.ops())
	assert.Equal(t, 2, adapter.calls[0].Qty)
}

func TestLegQuantitiesSumToEntry(t *testing.T) {
	t.Parallel()

	legs := []domain.TPLeg{
		{Distance: 10, Unit: domain.UnitTicks, Trim: 50, TrimUnit: domain.TrimPercent},
		{Distance: 20, Unit: domain.UnitTicks, Trim: 30, TrimUnit: domain.TrimPercent},
		{Distance: 30, Unit: domain.UnitTicks, Trim: 20, TrimUnit: domain.TrimPercent},
	}

	for _, qty := range []int{1, 2, 3, 5, 7, 10} {
		got := legQuantities(legs, qty)
		sum := 0
		for _, q := range got {
			sum += q
		}
		assert.Equal(t, qty, sum, "qty=%d legs=%v", qty, got)
	}

	// Contract trims behave the same way.
	contractLegs := []domain.TPLeg{
		{Distance: 10, Unit: domain.UnitTicks, Trim: 2, TrimUnit: domain.TrimContracts},
		{Distance: 20, Unit: domain.UnitTicks, Trim: 1, TrimUnit: domain.TrimContracts},
	}
	assert.Equal(t, []int{2, 3}, legQuantities(contractLegs, 5))
	assert.Equal(t, []int{2, 0}, legQuantities(contractLegs, 2))
}

func TestDistancePointsUnits(t *testing.T) {
	t.Parallel()

	es := domain.Contract{Symbol: "ESH6", TickSize: 0.25, TickValue: 12.50}

	pts, err := distancePoints(20, domain.UnitTicks, 0, es)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pts, 1e-9)

	pts, err = distancePoints(7.5, domain.UnitPoints, 0, es)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, pts, 1e-9)

	pts, err = distancePoints(1, domain.UnitPercent, 5000, es)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pts, 1e-9)

	_, err = distancePoints(1, domain.UnitPercent, 0, es)
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = distancePoints(0, domain.UnitTicks, 0, es)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestTPPriceTickAlignmentGrid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tick  float64
		avg   float64
		ticks float64
		side  domain.Side
		want  float64
	}{
		{0.25, 21490.25, 20, domain.SideLong, 21495.25},
		{0.25, 21490.25, 20, domain.SideShort, 21485.25},
		{0.01, 100.02, 50, domain.SideLong, 100.52},
		// 71.35 sits exactly half a tick off-grid; rounding snaps up.
		{0.10, 70.35, 10, domain.SideLong, 71.4},
		{1.0, 35000, 25, domain.SideShort, 34975},
		{0.03125, 110.46875, 8, domain.SideLong, 110.71875},
	}
	for _, tc := range cases {
		c := domain.Contract{TickSize: tc.tick, TickValue: tc.tick * 10}
		leg := domain.TPLeg{Distance: tc.ticks, Unit: domain.UnitTicks}
		got, err := tpPrice(tc.avg, leg, tc.side, c)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-9, "tick=%v avg=%v", tc.tick, tc.avg)
	}
}
