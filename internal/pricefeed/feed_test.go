package pricefeed

import (
	"context"
	"testing"
	"time"

	"scalping-engine/config"
	"scalping-engine/internal/logging"
)

type fakeSink struct {
	market map[string]Tick
	ticker map[string]Tick
}

func newFakeSink() *fakeSink {
	return &fakeSink{market: make(map[string]Tick), ticker: make(map[string]Tick)}
}

func (f *fakeSink) SetMarketData(ctx context.Context, symbol string, value interface{}) error {
	f.market[symbol] = value.(Tick)
	return nil
}

func (f *fakeSink) SetTicker(ctx context.Context, symbol string, value interface{}) error {
	f.ticker[symbol] = value.(Tick)
	return nil
}

type fakeIngester struct {
	symbols []string
	prices  []float64
}

func (f *fakeIngester) Ingest(symbol string, price, volume float64, at time.Time) {
	f.symbols = append(f.symbols, symbol)
	f.prices = append(f.prices, price)
}

func testFeed() (*Feed, *fakeSink, *fakeIngester) {
	sink := newFakeSink()
	ing := &fakeIngester{}
	f := New(config.FeedConfig{
		Enabled:   true,
		WSBaseURL: "wss://stream.example.com",
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		SymbolMap: map[string]string{"BTCUSDT": "BTCUSD"},
	}, sink, ing, logging.Nop())
	return f, sink, ing
}

func TestHandleMessageMapsAndFansOut(t *testing.T) {
	f, sink, ing := testFeed()

	payload := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1767348000000,"s":"BTCUSDT","c":"100250.5","v":"1234.5"}}`)
	f.handleMessage(context.Background(), payload)

	tick, ok := sink.ticker["BTCUSD"]
	if !ok {
		t.Fatal("ticker cache not written under the mapped symbol")
	}
	if tick.Price != 100250.5 {
		t.Errorf("Price = %v", tick.Price)
	}
	if tick.Volume != 1234.5 {
		t.Errorf("Volume = %v", tick.Volume)
	}
	if _, ok := sink.market["BTCUSD"]; !ok {
		t.Error("market snapshot not written")
	}
	if len(ing.symbols) != 1 || ing.symbols[0] != "BTCUSD" || ing.prices[0] != 100250.5 {
		t.Errorf("ingester got %v @ %v", ing.symbols, ing.prices)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	f, sink, ing := testFeed()

	f.handleMessage(context.Background(), []byte(`not json`))
	f.handleMessage(context.Background(), []byte(`{"stream":"x","data":{}}`))
	f.handleMessage(context.Background(), []byte(`{"stream":"x","data":{"s":"BTCUSDT","c":"-5","E":1}}`))
	f.handleMessage(context.Background(), []byte(`{"stream":"x","data":{"s":"BTCUSDT","c":"abc","E":1}}`))

	if len(sink.ticker) != 0 || len(ing.symbols) != 0 {
		t.Errorf("garbage produced writes: ticker=%v ingested=%v", sink.ticker, ing.symbols)
	}
}

func TestHandleMessageUnmappedSymbolPassesThrough(t *testing.T) {
	f, sink, _ := testFeed()

	payload := []byte(`{"stream":"ethusdt@miniTicker","data":{"s":"ETHUSDT","c":"3500","v":"10","E":1767348000000}}`)
	f.handleMessage(context.Background(), payload)

	if _, ok := sink.ticker["ETHUSDT"]; !ok {
		t.Error("unmapped symbol not passed through unchanged")
	}
}

func TestStreamURL(t *testing.T) {
	f, _, _ := testFeed()
	want := "wss://stream.example.com/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if got := f.streamURL(); got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}
