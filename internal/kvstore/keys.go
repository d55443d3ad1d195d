package kvstore

import (
	"fmt"
	"time"
)

// Key prefixes for the shared namespaces. Every transient record the engine
// writes lives under one of these.
const (
	prefixMarket          = "market:%s"
	prefixTicker          = "ticker:%s"
	prefixKline           = "kline:%s:%s"
	prefixOrderbook       = "orderbook:%s"
	prefixAnalysis        = "analysis:%s:%d"
	prefixSignal          = "signal:%s"
	prefixMarketCondition = "market_condition:%s"
	prefixDropAlerts      = "drop_alerts:%s"
	prefixActiveTrades    = "trades:active:%s"
	prefixMT4Position     = "mt4_pos:%d"

	// QueuePriority and QueueValidated are the two drain queues; QueueSeq
	// feeds their insertion-order scores.
	QueuePriority  = "queue:fibonacci-priority"
	QueueValidated = "queue:validated"
	QueueSeq       = "queue:seq"
)

// Pub-sub channels.
const (
	ChannelMarketDrops  = "market_drops"
	ChannelMT4Emergency = "mt4_emergency"
)

// Fixed TTLs per namespace.
const (
	TTLMarket          = 5 * time.Second
	TTLTicker          = 2 * time.Second
	TTLOrderbook       = 2 * time.Second
	TTLAnalysis        = 300 * time.Second
	TTLSignal          = 60 * time.Second
	TTLMarketCondition = 60 * time.Second
	TTLActiveTrades    = 5 * time.Minute
)

// klineTTLs maps a candle interval to its cache lifetime. Longer intervals
// change less often and can live longer.
var klineTTLs = map[string]time.Duration{
	"1m":  30 * time.Second,
	"3m":  60 * time.Second,
	"5m":  120 * time.Second,
	"15m": 300 * time.Second,
	"30m": 600 * time.Second,
	"1h":  1200 * time.Second,
	"2h":  2400 * time.Second,
	"4h":  3600 * time.Second,
	"6h":  5400 * time.Second,
	"12h": 7200 * time.Second,
	"1d":  10800 * time.Second,
}

// KlineTTL returns the cache lifetime for a candle interval. Unknown
// intervals get the 1m TTL, the shortest, so stale data never outlives a
// known window.
func KlineTTL(interval string) time.Duration {
	if ttl, ok := klineTTLs[interval]; ok {
		return ttl
	}
	return klineTTLs["1m"]
}

// MarketKey returns the market snapshot key for a symbol.
func MarketKey(symbol string) string {
	return fmt.Sprintf(prefixMarket, symbol)
}

// TickerKey returns the ticker key for a symbol.
func TickerKey(symbol string) string {
	return fmt.Sprintf(prefixTicker, symbol)
}

// KlineKey returns the kline key for a symbol and interval.
func KlineKey(symbol, interval string) string {
	return fmt.Sprintf(prefixKline, symbol, interval)
}

// OrderbookKey returns the orderbook key for a symbol.
func OrderbookKey(symbol string) string {
	return fmt.Sprintf(prefixOrderbook, symbol)
}

// AnalysisKey returns the analysis key for a symbol at a timestamp.
func AnalysisKey(symbol string, ts int64) string {
	return fmt.Sprintf(prefixAnalysis, symbol, ts)
}

// SignalKey returns the latest-signal key for an agent.
func SignalKey(agentID string) string {
	return fmt.Sprintf(prefixSignal, agentID)
}

// MarketConditionKey returns the market condition key for a symbol.
func MarketConditionKey(symbol string) string {
	return fmt.Sprintf(prefixMarketCondition, symbol)
}

// DropAlertsKey returns the drop-alert history key for a symbol.
func DropAlertsKey(symbol string) string {
	return fmt.Sprintf(prefixDropAlerts, symbol)
}

// ActiveTradesKey returns the active-trades cache key for a user.
func ActiveTradesKey(userID string) string {
	return fmt.Sprintf(prefixActiveTrades, userID)
}

// MT4PositionKey returns the cached bridge position key for a ticket.
func MT4PositionKey(ticket int64) string {
	return fmt.Sprintf(prefixMT4Position, ticket)
}
