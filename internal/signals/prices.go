package signals

import (
	"context"
	"fmt"

	"scalping-engine/internal/broker"
	"scalping-engine/internal/store"
)

// TickerCache reads the short-lived ticker snapshot the price feed keeps
// warm.
type TickerCache interface {
	GetTicker(ctx context.Context, symbol string, dest interface{}) error
}

// RouterPrices resolves a reference price from the ticker cache, falling
// back to the venue quote when the cache misses or is degraded.
type RouterPrices struct {
	Router *broker.Router
	Cache  TickerCache
}

type cachedTick struct {
	Price float64 `json:"price"`
}

func (r RouterPrices) ReferencePrice(ctx context.Context, b store.Broker, symbol string) (float64, error) {
	if r.Cache != nil {
		var tick cachedTick
		if err := r.Cache.GetTicker(ctx, symbol, &tick); err == nil && tick.Price > 0 {
			return tick.Price, nil
		}
	}

	adapter, err := r.Router.Get(b)
	if err != nil {
		return 0, err
	}
	price, err := adapter.GetPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("reference price for %s on %s: %w", symbol, b, err)
	}
	if mid := price.Mid(); mid > 0 {
		return mid, nil
	}
	return 0, fmt.Errorf("venue returned non-positive price for %s", symbol)
}

var _ PriceSource = RouterPrices{}
