// Package broker holds the pieces shared by every broker adapter:
// client-order-id generation, HTTP status mapping, retry/backoff, tick
// math, contract caching, and the adapter registry.
package broker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jtradehq/jtrade/internal/domain"
)

// NewClientOrderID builds a prefixed client-order-id. The prefix marks
// the order's origin (signal, manual, copy) and drives copy-loop
// prevention downstream.
func NewClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + id[:20]
}

// TokenKey identifies the credential behind an account ref. Accounts
// sharing a credential share one streaming connection and one request
// budget. The raw identity is hashed so keys are safe to log.
func TokenKey(ref domain.AccountRef) string {
	ident := ref.Auth.Username
	if ident == "" {
		ident = ref.Auth.APIKey
	}
	if ident == "" {
		ident = fmt.Sprintf("acct-%d", ref.AccountID)
	}
	sum := sha256.Sum256([]byte(ident))
	return fmt.Sprintf("%s:%s:%x", ref.Broker, ref.Environment, sum[:6])
}

// FlattenSymbol is the shared flatten routine: cancel every working
// order on the symbol, then close the net position at market. Adapters
// without a native liquidate endpoint delegate to it.
func FlattenSymbol(ctx context.Context, a domain.BrokerAdapter, ref domain.AccountRef, symbol string) error {
	orders, err := a.ListOpenOrders(ctx, ref)
	if err != nil {
		return fmt.Errorf("broker: flatten %s: list orders: %w", symbol, err)
	}
	for _, o := range orders {
		if !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		if err := a.CancelOrder(ctx, ref, o.ID); err != nil {
			return fmt.Errorf("broker: flatten %s: cancel %s: %w", symbol, o.ID, err)
		}
	}

	positions, err := a.ListPositions(ctx, ref)
	if err != nil {
		return fmt.Errorf("broker: flatten %s: list positions: %w", symbol, err)
	}
	for _, p := range positions {
		if !strings.EqualFold(p.Symbol, symbol) || p.Qty == 0 {
			continue
		}
		side := domain.OrderSell
		qty := p.Qty
		if qty < 0 {
			side = domain.OrderBuy
			qty = -qty
		}
		clID := NewClientOrderID(domain.OrderPrefixManual)
		if _, err := a.PlaceMarket(ctx, ref, symbol, side, qty, clID); err != nil {
			return fmt.Errorf("broker: flatten %s: close position: %w", symbol, err)
		}
	}
	return nil
}

// Registry maps broker names to their wired adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Broker]domain.BrokerAdapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...domain.BrokerAdapter) *Registry {
	r := &Registry{adapters: make(map[domain.Broker]domain.BrokerAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Broker()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a domain.BrokerAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Broker()] = a
}

// Get returns the adapter for a broker.
func (r *Registry) Get(b domain.Broker) (domain.BrokerAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[b]
	if !ok {
		return nil, fmt.Errorf("broker: %w: no adapter for %q", domain.ErrNotFound, b)
	}
	return a, nil
}

// Brokers returns the set of configured brokers.
func (r *Registry) Brokers() []domain.Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Broker, 0, len(r.adapters))
	for b := range r.adapters {
		out = append(out, b)
	}
	return out
}

// ContractCache memoizes resolved contract metadata per symbol.
// Contract specs are immutable within a session, so entries never
// expire.
type ContractCache struct {
	mu        sync.RWMutex
	contracts map[string]domain.Contract
}

// NewContractCache creates an empty cache.
func NewContractCache() *ContractCache {
	return &ContractCache{contracts: make(map[string]domain.Contract)}
}

// Get returns the cached contract for a symbol.
func (cc *ContractCache) Get(symbol string) (domain.Contract, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	c, ok := cc.contracts[strings.ToUpper(symbol)]
	return c, ok
}

// Put stores a resolved contract.
func (cc *ContractCache) Put(c domain.Contract) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.contracts[strings.ToUpper(c.Symbol)] = c
}
