package domain

import (
	"context"
	"time"
)

// ExecutionFailure is one structured record in the failures log, keyed
// by (strategy, trader, account, symbol, action) for monitoring.
type ExecutionFailure struct {
	ID         int64
	StrategyID int64
	TraderID   int64
	AccountID  int64
	Symbol     string
	Action     string
	Kind       string // error kind name from the error model
	Detail     string
	At         time.Time
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// StrategyStore reads strategy (recorder) definitions.
type StrategyStore interface {
	GetByWebhookToken(ctx context.Context, token string) (Strategy, error)
	GetStrategy(ctx context.Context, id int64) (Strategy, error)
	ListStrategies(ctx context.Context) ([]Strategy, error)
}

// TraderStore reads strategy→account linkages.
type TraderStore interface {
	GetTrader(ctx context.Context, id int64) (Trader, error)
	ListTradersForStrategy(ctx context.Context, strategyID int64, enabledOnly bool) ([]Trader, error)
	ListEnabledTraders(ctx context.Context) ([]Trader, error)
}

// AccountStore manages brokerage accounts and their credential blobs.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetAccountWithCredentials(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListOAuthAccounts(ctx context.Context) ([]Account, error)
	UpdateAccountCredentials(ctx context.Context, id int64, creds Credentials) error
	MarkAccountNeedsReauth(ctx context.Context, id int64, reason string) error
	ClearAccountReauth(ctx context.Context, id int64) error
}

// SignalStore persists inbound signals for audit and archival.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig *Signal) error
	UpdateSignalStatus(ctx context.Context, id string, status SignalStatus, reason string) error
	ListRecentSignals(ctx context.Context, strategyID int64, limit int) ([]Signal, error)
	ListSignalsBefore(ctx context.Context, before time.Time) ([]Signal, error)
	DeleteSignalsBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeStore persists trade records.
type TradeStore interface {
	OpenTrade(ctx context.Context, t *Trade) (int64, error)
	CloseTrade(ctx context.Context, id int64, exitPrice float64, reason string, realizedPL float64) error
	UpdateTradeQty(ctx context.Context, id int64, qty int) error
	SetTradeExitOrders(ctx context.Context, id int64, tpOrderID, slOrderID string) error
	GetTrade(ctx context.Context, id int64) (Trade, error)
	ListOpenTrades(ctx context.Context, strategyID int64) ([]Trade, error)
	ListOpenTradesForAccount(ctx context.Context, accountID int64, symbol string) ([]Trade, error)
	ListAllOpenTrades(ctx context.Context) ([]Trade, error)
	DailyRealizedPL(ctx context.Context, traderID int64, since time.Time) (float64, error)
}

// PositionStore persists derived position aggregates.
type PositionStore interface {
	UpsertPosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, strategyID, accountID int64, symbol string) (Position, error)
	ClosePosition(ctx context.Context, id int64, at time.Time) error
	ListOpenPositions(ctx context.Context) ([]Position, error)
}

// CopyStore persists copy-trading relationships and their audit trail.
type CopyStore interface {
	ListLeaders(ctx context.Context, autoCopyOnly bool) ([]LeaderAccount, error)
	ListFollowersFor(ctx context.Context, leaderID int64, enabledOnly bool) ([]FollowerAccount, error)
	IsActiveFollower(ctx context.Context, accountID int64, symbol string) (bool, error)
	GetContractMapping(ctx context.Context, followerID int64, sourceSymbol string) (ContractMapping, bool, error)
	AppendCopyLog(ctx context.Context, row *CopyTradeLog) error
	ListCopyLogs(ctx context.Context, limit int) ([]CopyTradeLog, error)
	ListCopyLogsBefore(ctx context.Context, before time.Time) ([]CopyTradeLog, error)
	DeleteCopyLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// FailureStore persists the structured execution-failures log.
type FailureStore interface {
	AppendExecutionFailure(ctx context.Context, f *ExecutionFailure) error
	ListExecutionFailures(ctx context.Context, limit int) ([]ExecutionFailure, error)
	ListFailuresBefore(ctx context.Context, before time.Time) ([]ExecutionFailure, error)
	DeleteFailuresBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, event string, detail map[string]any) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store is the full persistence surface. Both back-ends (embedded
// sqlite for development, postgres for production) implement it from a
// single query set; the dialect layer handles placeholder and literal
// encodings.
type Store interface {
	StrategyStore
	TraderStore
	AccountStore
	SignalStore
	TradeStore
	PositionStore
	CopyStore
	FailureStore
	AuditStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
