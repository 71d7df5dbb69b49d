package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jtradehq/jtrade/internal/config"
	"github.com/jtradehq/jtrade/internal/crypto"
	"github.com/jtradehq/jtrade/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cipher, err := crypto.NewCredCipher("test-passphrase")
	require.NoError(t, err)

	cfg := config.StoreConfig{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	}
	s, err := Open(context.Background(), cfg, cipher, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// A second run must not fail on existing tables or columns.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatementsIgnoresCommentSemicolons(t *testing.T) {
	sql := `-- a leader is never a follower; writes enforce that in code.
CREATE TABLE a (id INTEGER); -- trailing note; not a boundary
CREATE TABLE b (id INTEGER);`

	stmts := splitStatements(sql)
	require.Len(t, stmts, 2)
	require.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	require.Equal(t, "CREATE TABLE b (id INTEGER)", stmts[1])
}

func TestStrategyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &domain.Strategy{
		Name:        "mnq scalp",
		Symbol:      "MNQH6",
		InitialSize: 1,
		AddSize:     1,
		TPLegs: []domain.TPLeg{
			{Distance: 20, Unit: domain.UnitTicks, Trim: 100, TrimUnit: domain.TrimPercent},
		},
		Stop: domain.StopPlan{Enabled: true, Distance: 50, Unit: domain.UnitTicks, Kind: domain.StopFixed},
		DCA:  domain.DCAPlan{Enabled: true, Size: 1, TriggerDistance: 40, Unit: domain.UnitTicks},
		Filters: domain.Filters{
			SignalCooldown: 15 * time.Second,
			Direction:      domain.DirBoth,
			MaxDailyLoss:   500,
		},
		WebhookToken: "tok-abc123",
		Enabled:      true,
	}
	id, err := s.InsertStrategy(ctx, st)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetByWebhookToken(ctx, "tok-abc123")
	require.NoError(t, err)
	require.Equal(t, "MNQH6", got.Symbol)
	require.Len(t, got.TPLegs, 1)
	require.Equal(t, 20.0, got.TPLegs[0].Distance)
	require.True(t, got.Stop.Enabled)
	require.True(t, got.DCA.Enabled)
	require.Equal(t, 15*time.Second, got.Filters.SignalCooldown)
	require.Equal(t, 500.0, got.Filters.MaxDailyLoss)

	_, err = s.GetByWebhookToken(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountCredentialsEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := &domain.Account{
		Broker:      domain.BrokerTradex,
		Environment: domain.EnvDemo,
		Name:        "demo one",
		Subaccount:  "DEMO123",
		Credentials: domain.Credentials{Username: "u", Password: "p", AccessToken: "secret-token"},
		Enabled:     true,
	}
	id, err := s.InsertAccount(ctx, acct)
	require.NoError(t, err)

	// The raw column must never carry the plaintext token.
	var blob string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT credentials FROM accounts WHERE id = ?`), id).Scan(&blob)
	require.NoError(t, err)
	require.NotContains(t, blob, "secret-token")

	got, err := s.GetAccountWithCredentials(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "secret-token", got.Credentials.AccessToken)

	// The plain read leaves credentials zeroed.
	bare, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	require.Empty(t, bare.Credentials.AccessToken)
}

func TestTradeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := &domain.Trade{
		StrategyID: 1, TraderID: 2, AccountID: 3,
		Symbol: "MNQH6", Side: domain.SideLong, Qty: 1, EntryPrice: 21500,
	}
	id, err := s.OpenTrade(ctx, tr)
	require.NoError(t, err)

	open, err := s.ListOpenTradesForAccount(ctx, 3, "MNQH6")
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.SetTradeExitOrders(ctx, id, "tp-1", "sl-1"))
	require.NoError(t, s.CloseTrade(ctx, id, 21505, domain.ExitTPFill, 10))
	// Closing again is a no-op, not an error.
	require.NoError(t, s.CloseTrade(ctx, id, 99999, domain.ExitManual, 0))

	got, err := s.GetTrade(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.TradeClosed, got.Status)
	require.Equal(t, 21505.0, got.ExitPrice)
	require.Equal(t, domain.ExitTPFill, got.ExitReason)

	open, err = s.ListOpenTradesForAccount(ctx, 3, "MNQH6")
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestLeaderFollowerExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	leader := &domain.LeaderAccount{AccountID: 10, AutoCopyEnabled: true}
	_, err := s.InsertLeader(ctx, leader)
	require.NoError(t, err)

	// The leader account must not become a follower.
	_, err = s.InsertFollower(ctx, &domain.FollowerAccount{LeaderID: leader.ID, AccountID: 10, Enabled: true})
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)

	follower := &domain.FollowerAccount{LeaderID: leader.ID, AccountID: 11, Multiplier: 2, Enabled: true}
	_, err = s.InsertFollower(ctx, follower)
	require.NoError(t, err)

	// And a follower account must not become a leader.
	_, err = s.InsertLeader(ctx, &domain.LeaderAccount{AccountID: 11})
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)

	active, err := s.IsActiveFollower(ctx, 11, "MNQH6")
	require.NoError(t, err)
	require.True(t, active)
}

func TestUpsertPositionKeyedBySymbol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &domain.Position{StrategyID: 1, AccountID: 2, Symbol: "MNQH6", Qty: 1, AvgEntry: 21500, Open: true}
	require.NoError(t, s.UpsertPosition(ctx, p))
	first := p.ID

	p.Qty = 2
	p.AvgEntry = 21490
	require.NoError(t, s.UpsertPosition(ctx, p))
	require.Equal(t, first, p.ID)

	got, err := s.GetPosition(ctx, 1, 2, "MNQH6")
	require.NoError(t, err)
	require.Equal(t, 2, got.Qty)
	require.Equal(t, 21490.0, got.AvgEntry)
}

func TestRebindPlaceholders(t *testing.T) {
	require.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2",
		dialectPostgres.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	require.Equal(t, "SELECT 1 WHERE a = ? AND b = ?",
		dialectSQLite.rebind("SELECT 1 WHERE a = ? AND b = ?"))
}
