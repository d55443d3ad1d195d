// Package broker defines the uniform adapter surface over the trading
// venues and the router that dispatches to them. Venue quirks (contract
// size, lot step, minimum notional, "already closed" recovery) live inside
// the adapters; callers only see this interface and *Error.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"scalping-engine/internal/store"
)

// Adapter is the capability set every venue implements.
type Adapter interface {
	// Name identifies the venue.
	Name() store.Broker

	// GetPrice returns the current quote for a symbol.
	GetPrice(ctx context.Context, symbol string) (*Price, error)

	// GetAccount returns the account snapshot.
	GetAccount(ctx context.Context) (*Account, error)

	// CreateMarketOrder places a market order with protective levels.
	CreateMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// ModifyStopLoss updates the protective levels on an open position.
	// A zero takeProfit leaves the existing TP in place.
	ModifyStopLoss(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error

	// ClosePosition closes an open position at market. Volume 0 means the
	// full position. An "already closed" venue response is returned as a
	// CloseResult with AlreadyClosed set, not as an error.
	ClosePosition(ctx context.Context, ticket int64, volume float64) (*CloseResult, error)

	// GetOpenPositions lists the venue's live positions.
	GetOpenPositions(ctx context.Context) ([]Position, error)

	// CalculateOrderSize converts a desired position size in USD into
	// broker units, applying the venue's step and minimum constraints.
	CalculateOrderSize(ctx context.Context, symbol string, sizeUSD float64) (float64, error)

	// InstrumentInfo returns the venue's sizing constraints for a symbol.
	InstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error)
}

// Router dispatches to the registered adapter for each venue.
type Router struct {
	mu       sync.RWMutex
	adapters map[store.Broker]Adapter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[store.Broker]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same venue.
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a venue.
func (r *Router) Get(b store.Broker) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[b]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for broker %s", b)
	}
	return a, nil
}

// Has reports whether a venue has an adapter.
func (r *Router) Has(b store.Broker) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[b]
	return ok
}

// All returns the registered adapters in stable venue order.
func (r *Router) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
