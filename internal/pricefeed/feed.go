// Package pricefeed keeps the KV store's market and ticker keys warm and
// feeds the drop detector with live ticks. It subscribes to the upstream
// combined miniTicker websocket stream and reconnects with a fixed backoff
// for as long as the engine runs.
package pricefeed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scalping-engine/config"
)

// Sink receives every normalized tick. Backed by the KV store and the drop
// detector.
type Sink interface {
	SetMarketData(ctx context.Context, symbol string, value interface{}) error
	SetTicker(ctx context.Context, symbol string, value interface{}) error
}

// Ingester is the drop detector's intake.
type Ingester interface {
	Ingest(symbol string, price, volume float64, at time.Time)
}

// Tick is the normalized market snapshot written per update.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	At     time.Time `json:"at"`
}

// Feed is the websocket subscriber.
type Feed struct {
	cfg      config.FeedConfig
	sink     Sink
	ingester Ingester
	logger   zerolog.Logger
}

// New creates the price feed.
func New(cfg config.FeedConfig, sink Sink, ingester Ingester, logger zerolog.Logger) *Feed {
	return &Feed{
		cfg:      cfg,
		sink:     sink,
		ingester: ingester,
		logger:   logger.With().Str("component", "pricefeed").Logger(),
	}
}

// combined-stream envelope and miniTicker payload.
type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

const reconnectDelay = 5 * time.Second

// Run connects and consumes ticks until ctx is cancelled, redialing after
// any read failure.
func (f *Feed) Run(ctx context.Context) {
	if len(f.cfg.Symbols) == 0 {
		f.logger.Warn().Msg("no symbols configured, price feed idle")
		<-ctx.Done()
		return
	}

	url := f.streamURL()
	f.logger.Info().Str("url", url).Msg("price feed started")

	for {
		if ctx.Err() != nil {
			f.logger.Info().Msg("price feed stopped")
			return
		}

		if err := f.consume(ctx, url); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			f.logger.Info().Msg("price feed stopped")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume holds one websocket session open and processes messages until the
// connection or the context dies.
func (f *Feed) consume(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the engine shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.logger.Info().Int("symbols", len(f.cfg.Symbols)).Msg("stream connected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(ctx, payload)
	}
}

func (f *Feed) handleMessage(ctx context.Context, payload []byte) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Debug().Err(err).Msg("unparseable stream message")
		return
	}

	var ticker miniTicker
	if err := json.Unmarshal(msg.Data, &ticker); err != nil || ticker.Symbol == "" {
		return
	}

	price, err := strconv.ParseFloat(ticker.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	volume, _ := strconv.ParseFloat(ticker.Volume, 64)

	symbol := f.mapSymbol(ticker.Symbol)
	at := time.UnixMilli(ticker.EventTime)
	tick := Tick{Symbol: symbol, Price: price, Volume: volume, At: at}

	if err := f.sink.SetMarketData(ctx, symbol, tick); err != nil {
		f.logger.Debug().Err(err).Str("symbol", symbol).Msg("market write failed")
	}
	if err := f.sink.SetTicker(ctx, symbol, tick); err != nil {
		f.logger.Debug().Err(err).Str("symbol", symbol).Msg("ticker write failed")
	}

	f.ingester.Ingest(symbol, price, volume, at)
}

// mapSymbol translates upstream stream symbols onto broker symbols, e.g.
// BTCUSDT to BTCUSD for the bridge.
func (f *Feed) mapSymbol(upstream string) string {
	if mapped, ok := f.cfg.SymbolMap[upstream]; ok {
		return mapped
	}
	return upstream
}

func (f *Feed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	return f.cfg.WSBaseURL + "/stream?streams=" + strings.Join(streams, "/")
}
