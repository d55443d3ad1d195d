// Package marketdrop watches short-horizon price declines and raises
// portfolio-protective alerts. Each monitored symbol keeps a small ring
// buffer of recent prices; every tick the detector compares the current
// price against samples one, three, and five minutes back and classifies
// the move.
package marketdrop

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/events"
	"scalping-engine/internal/kvstore"
)

// Level classifies a short-term decline.
type Level string

const (
	LevelNone     Level = "none"
	LevelModerate Level = "moderate"
	LevelSevere   Level = "severe"
)

// Condition is the transient market snapshot the detector publishes, kept
// in the KV store under market_condition:{symbol} with a 60 s TTL.
type Condition struct {
	Symbol        string    `json:"symbol"`
	CurrentPrice  float64   `json:"current_price"`
	PriceChange1m float64   `json:"price_change_1m"`
	PriceChange3m float64   `json:"price_change_3m"`
	PriceChange5m float64   `json:"price_change_5m"`
	VolumeChange  float64   `json:"volume_change"`
	Velocity      float64   `json:"velocity"`
	DropLevel     Level     `json:"drop_level"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert is the pub-sub payload for a non-none classification.
type Alert struct {
	Symbol        string    `json:"symbol"`
	Level         Level     `json:"level"`
	CurrentPrice  float64   `json:"current_price"`
	PriceChange1m float64   `json:"price_change_1m"`
	PriceChange3m float64   `json:"price_change_3m"`
	PriceChange5m float64   `json:"price_change_5m"`
	Velocity      float64   `json:"velocity"`
	At            time.Time `json:"at"`
}

type sample struct {
	price  float64
	volume float64
	at     time.Time
}

// ring is a bounded FIFO of price samples.
type ring struct {
	samples []sample
	max     int
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) push(s sample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > r.max {
		r.samples = r.samples[len(r.samples)-r.max:]
	}
}

// closest returns the sample nearest to target, accepting only matches
// within tolerance.
func (r *ring) closest(target time.Time, tolerance time.Duration) (sample, bool) {
	var best sample
	bestDiff := tolerance + 1
	for _, s := range r.samples {
		diff := s.at.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= tolerance && diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}
	return best, bestDiff <= tolerance
}

// KV is the slice of the KV store the detector writes through.
type KV interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload interface{}) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCapToNewest(ctx context.Context, key string, max int64) error
}

// Detector ingests ticks and classifies drops per symbol.
type Detector struct {
	cfg    config.DropConfig
	kv     KV
	bus    *events.EventBus
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	rings     map[string]*ring
	lastAlert map[string]time.Time
}

// NewDetector creates a market-drop detector.
func NewDetector(cfg config.DropConfig, kv KV, bus *events.EventBus, clk clock.Clock, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		kv:        kv,
		bus:       bus,
		clock:     clk,
		logger:    logger.With().Str("component", "marketdrop").Logger(),
		rings:     make(map[string]*ring),
		lastAlert: make(map[string]time.Time),
	}
}

// Bar is one historical 1-minute candle used to seed a symbol's buffer.
type Bar struct {
	Close    float64
	Volume   float64
	ClosesAt time.Time
}

// Seed initializes a symbol's buffer from 1-minute bars so classification
// has history immediately after startup.
func (d *Detector) Seed(symbol string, bars []Bar) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.ringFor(symbol)
	for _, b := range bars {
		r.push(sample{price: b.Close, volume: b.Volume, at: b.ClosesAt})
	}
	d.logger.Info().Str("symbol", symbol).Int("bars", len(bars)).Msg("buffer seeded")
}

// Ingest appends a live tick to a symbol's buffer.
func (d *Detector) Ingest(symbol string, price, volume float64, at time.Time) {
	if price <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ringFor(symbol).push(sample{price: price, volume: volume, at: at})
}

// caller must hold d.mu.
func (d *Detector) ringFor(symbol string) *ring {
	r, ok := d.rings[symbol]
	if !ok {
		r = newRing(d.cfg.BufferSize)
		d.rings[symbol] = r
	}
	return r
}

// Run evaluates every tracked symbol on the configured interval until ctx
// is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.cfg.TickInterval).Msg("drop detector started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("drop detector stopped")
			return
		case <-ticker.C:
			d.evaluateAll(ctx)
		}
	}
}

func (d *Detector) evaluateAll(ctx context.Context) {
	d.mu.Lock()
	symbols := make([]string, 0, len(d.rings))
	for s := range d.rings {
		symbols = append(symbols, s)
	}
	d.mu.Unlock()

	for _, symbol := range symbols {
		if cond := d.Evaluate(symbol); cond != nil {
			d.publish(ctx, cond)
		}
	}
}

// lookback windows and the tolerance for matching a prior sample.
const (
	window1m        = 60 * time.Second
	window3m        = 180 * time.Second
	window5m        = 300 * time.Second
	sampleTolerance = 30 * time.Second
)

// Evaluate computes the current condition for one symbol. It returns nil
// when the buffer has no usable current sample.
func (d *Detector) Evaluate(symbol string) *Condition {
	now := d.clock.Now()

	d.mu.Lock()
	r, ok := d.rings[symbol]
	if !ok || len(r.samples) == 0 {
		d.mu.Unlock()
		return nil
	}
	current := r.samples[len(r.samples)-1]

	cond := &Condition{
		Symbol:       symbol,
		CurrentPrice: current.price,
		DropLevel:    LevelNone,
		Timestamp:    now,
	}

	if prior, ok := r.closest(now.Add(-window1m), sampleTolerance); ok && prior.price > 0 {
		cond.PriceChange1m = pctChange(prior.price, current.price)
		if dt := current.at.Sub(prior.at).Seconds(); dt > 0 {
			cond.Velocity = (current.price - prior.price) / dt
		}
		if prior.volume > 0 {
			cond.VolumeChange = pctChange(prior.volume, current.volume)
		}
	}
	if prior, ok := r.closest(now.Add(-window3m), sampleTolerance); ok && prior.price > 0 {
		cond.PriceChange3m = pctChange(prior.price, current.price)
	}
	if prior, ok := r.closest(now.Add(-window5m), sampleTolerance); ok && prior.price > 0 {
		cond.PriceChange5m = pctChange(prior.price, current.price)
	}
	d.mu.Unlock()

	cond.DropLevel = d.classify(cond)
	return cond
}

// classify applies the drop thresholds: severe on the 3 or 5 minute window,
// moderate on the 1 or 3 minute window.
func (d *Detector) classify(c *Condition) Level {
	if c.PriceChange3m <= d.cfg.SevereDropPct || c.PriceChange5m <= d.cfg.SevereDropPct {
		return LevelSevere
	}
	if c.PriceChange1m <= d.cfg.ModerateDropPct || c.PriceChange3m <= d.cfg.ModerateDropPct {
		return LevelModerate
	}
	return LevelNone
}

// publish writes the condition to the KV store and, on a non-none level
// that clears the per-symbol cooldown, raises the alert on both the Redis
// channel and the in-process bus and appends it to the capped history set.
func (d *Detector) publish(ctx context.Context, cond *Condition) {
	if err := d.kv.SetJSON(ctx, kvstore.MarketConditionKey(cond.Symbol), cond, kvstore.TTLMarketCondition); err != nil {
		d.logger.Warn().Err(err).Str("symbol", cond.Symbol).Msg("condition write failed")
	}

	if cond.DropLevel == LevelNone {
		return
	}
	if !d.clearCooldown(cond.Symbol) {
		return
	}

	alert := Alert{
		Symbol:        cond.Symbol,
		Level:         cond.DropLevel,
		CurrentPrice:  cond.CurrentPrice,
		PriceChange1m: cond.PriceChange1m,
		PriceChange3m: cond.PriceChange3m,
		PriceChange5m: cond.PriceChange5m,
		Velocity:      cond.Velocity,
		At:            cond.Timestamp,
	}

	d.logger.Warn().
		Str("symbol", alert.Symbol).
		Str("level", string(alert.Level)).
		Float64("change_1m", alert.PriceChange1m).
		Float64("change_3m", alert.PriceChange3m).
		Float64("change_5m", alert.PriceChange5m).
		Msg("market drop detected")

	if err := d.kv.Publish(ctx, kvstore.ChannelMarketDrops, alert); err != nil {
		d.logger.Warn().Err(err).Msg("drop alert publish failed")
	}
	if payload, err := json.Marshal(alert); err == nil {
		key := kvstore.DropAlertsKey(alert.Symbol)
		if err := d.kv.ZAdd(ctx, key, float64(alert.At.UnixMilli()), string(payload)); err == nil {
			_ = d.kv.ZCapToNewest(ctx, key, int64(d.cfg.MaxStoredAlerts))
		}
	}

	d.bus.PublishDropDetected(events.DropDetected{
		Symbol:        alert.Symbol,
		Level:         string(alert.Level),
		CurrentPrice:  alert.CurrentPrice,
		PriceChange1m: alert.PriceChange1m,
		PriceChange3m: alert.PriceChange3m,
		PriceChange5m: alert.PriceChange5m,
		Velocity:      alert.Velocity,
	})
}

// clearCooldown reports whether a symbol may alert again and, if so,
// consumes the slot.
func (d *Detector) clearCooldown(symbol string) bool {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlert[symbol]; ok && now.Sub(last) < d.cfg.AlertCooldown {
		return false
	}
	d.lastAlert[symbol] = now
	return true
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return math.Round((to-from)/from*100*10000) / 10000
}
