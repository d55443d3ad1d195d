package broker

import (
	"fmt"
	"sync"

	"scalping-engine/internal/store"
)

// Filter answers whether a venue can take a given signal. A deny here marks
// the signal FILTERED, which is a routing outcome, not a bad signal.
type Filter struct {
	mu sync.RWMutex
	// symbols lists the tradeable symbols per venue. A venue with no entry
	// accepts any symbol the adapter resolves.
	symbols map[store.Broker]map[string]bool
	// categories lists allowed signal categories per venue; empty means all.
	categories map[store.Broker]map[string]bool
	router     *Router
}

// NewFilter creates a filter over the registered venues.
func NewFilter(router *Router) *Filter {
	return &Filter{
		symbols:    make(map[store.Broker]map[string]bool),
		categories: make(map[store.Broker]map[string]bool),
		router:     router,
	}
}

// AllowSymbols registers the tradeable symbols for a venue.
func (f *Filter) AllowSymbols(b store.Broker, symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.symbols[b]
	if set == nil {
		set = make(map[string]bool)
		f.symbols[b] = set
	}
	for _, s := range symbols {
		set[s] = true
	}
}

// AllowCategories restricts a venue to the given signal categories.
func (f *Filter) AllowCategories(b store.Broker, categories ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.categories[b]
	if set == nil {
		set = make(map[string]bool)
		f.categories[b] = set
	}
	for _, c := range categories {
		set[c] = true
	}
}

// CanExecute reports whether the venue takes this symbol and category.
func (f *Filter) CanExecute(symbol string, b store.Broker, category string) (bool, string) {
	if !f.router.Has(b) {
		return false, fmt.Sprintf("broker %s not configured", b)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if set, ok := f.symbols[b]; ok && len(set) > 0 && !set[symbol] {
		return false, fmt.Sprintf("symbol %s not supported on %s", symbol, b)
	}
	if set, ok := f.categories[b]; ok && len(set) > 0 && !set[category] {
		return false, fmt.Sprintf("category %s not routed to %s", category, b)
	}
	return true, ""
}
