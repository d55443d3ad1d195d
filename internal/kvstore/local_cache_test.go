package kvstore

import (
	"fmt"
	"testing"
	"time"
)

func TestLocalCachePutGet(t *testing.T) {
	c := NewLocalCache(10)

	c.Put("market:BTCUSD", []byte(`{"price":100000}`), time.Minute)

	data, ok := c.Get("market:BTCUSD")
	if !ok {
		t.Fatal("expected hit for freshly inserted key")
	}
	if string(data) != `{"price":100000}` {
		t.Errorf("unexpected payload: %s", data)
	}

	if _, ok := c.Get("market:ETHUSD"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestLocalCacheExpiry(t *testing.T) {
	c := NewLocalCache(10)

	c.Put("ticker:BTCUSD", []byte("1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("ticker:BTCUSD"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be dropped on read, have %d", c.Len())
	}
}

func TestLocalCacheEvictsOldestInserted(t *testing.T) {
	c := NewLocalCache(3)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte{byte(i)}, time.Minute)
	}

	// k0 is the oldest insert; adding a fourth key must evict it.
	c.Put("k3", []byte{3}, time.Minute)

	if _, ok := c.Get("k0"); ok {
		t.Error("expected first-inserted key to be evicted")
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
	if c.Len() != 3 {
		t.Errorf("expected len 3, have %d", c.Len())
	}
}

func TestLocalCacheRefreshKeepsSlot(t *testing.T) {
	c := NewLocalCache(2)

	c.Put("a", []byte("1"), time.Minute)
	c.Put("b", []byte("2"), time.Minute)
	// Refreshing "a" must not make it the newest insert.
	c.Put("a", []byte("3"), time.Minute)
	c.Put("c", []byte("4"), time.Minute)

	if _, ok := c.Get("a"); ok {
		t.Error("expected refreshed key to keep its insertion slot and be evicted first")
	}
	if data, ok := c.Get("b"); !ok || string(data) != "2" {
		t.Error("expected b to survive")
	}
}

func TestKlineTTLTable(t *testing.T) {
	tests := []struct {
		interval string
		want     time.Duration
	}{
		{"1m", 30 * time.Second},
		{"3m", 60 * time.Second},
		{"5m", 120 * time.Second},
		{"15m", 300 * time.Second},
		{"30m", 600 * time.Second},
		{"1h", 1200 * time.Second},
		{"2h", 2400 * time.Second},
		{"4h", 3600 * time.Second},
		{"6h", 5400 * time.Second},
		{"12h", 7200 * time.Second},
		{"1d", 10800 * time.Second},
		{"7w", 30 * time.Second}, // unknown falls back to shortest
	}

	for _, tt := range tests {
		if got := KlineTTL(tt.interval); got != tt.want {
			t.Errorf("KlineTTL(%q) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestKeyNamespaces(t *testing.T) {
	if got := MarketKey("BTCUSD"); got != "market:BTCUSD" {
		t.Errorf("MarketKey = %q", got)
	}
	if got := KlineKey("BTCUSD", "5m"); got != "kline:BTCUSD:5m" {
		t.Errorf("KlineKey = %q", got)
	}
	if got := MarketConditionKey("BTCUSD"); got != "market_condition:BTCUSD" {
		t.Errorf("MarketConditionKey = %q", got)
	}
	if got := DropAlertsKey("BTCUSD"); got != "drop_alerts:BTCUSD" {
		t.Errorf("DropAlertsKey = %q", got)
	}
	if got := MT4PositionKey(12345); got != "mt4_pos:12345" {
		t.Errorf("MT4PositionKey = %q", got)
	}
}
