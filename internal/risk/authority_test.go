package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/logging"
	"scalping-engine/internal/store"
)

type memStats struct {
	mu    sync.Mutex
	stats map[string]*store.DailyTradingStats
	fail  bool
}

func newMemStats() *memStats {
	return &memStats{stats: make(map[string]*store.DailyTradingStats)}
}

func (m *memStats) GetOrCreateDailyStats(ctx context.Context, date string) (*store.DailyTradingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("db down")
	}
	s, ok := m.stats[date]
	if !ok {
		s = &store.DailyTradingStats{Date: date}
		m.stats[date] = s
	}
	cp := *s
	return &cp, nil
}

func (m *memStats) UpdateDailyStats(ctx context.Context, stats *store.DailyTradingStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	cp := *stats
	m.stats[stats.Date] = &cp
	return nil
}

type fakePositions struct {
	positions []broker.Position
	err       error
}

func (f *fakePositions) LiveOpenPositions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, f.err
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxBuyPositions:              1,
		MaxSellPositions:             1,
		MaxTotalPositions:            2,
		MinMinutesBetweenTrades:      15,
		CooldownAfterLossMin:         30,
		CooldownAfterConsecLossesMin: 60,
		MaxDailyLossUSD:              100,
		MaxDailyTrades:               40,
		MaxConsecutiveLosses:         3,
		MaxRiskPerTradeUSD:           15,
		MinLotSize:                   0.01,
		MaxLotSize:                   0.20,
		PointValuePerLot:             1.0,
		MinConfidenceForWeak:         60,
	}
}

func newTestAuthority(stats StatsStore, positions PositionSource, clk clock.Clock) *Authority {
	return NewAuthority(testRiskConfig(), stats, positions, clk, logging.Nop())
}

func TestCanOpenPositionCountsLiveBroker(t *testing.T) {
	positions := &fakePositions{positions: []broker.Position{
		{Ticket: 1, Symbol: "BTCUSD", Side: store.SideBuy},
	}}
	a := newTestAuthority(newMemStats(), positions, clock.New())
	ctx := context.Background()

	ok, reason, err := a.CanOpenPosition(ctx, store.SideBuy, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second BUY allowed with one live BUY open")
	}
	if !strings.Contains(reason, "BUY") {
		t.Errorf("reason = %q, want mention of BUY cap", reason)
	}

	ok, _, err = a.CanOpenPosition(ctx, store.SideSell, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("SELL denied with only a BUY open")
	}
}

func TestCanOpenPositionTotalCap(t *testing.T) {
	positions := &fakePositions{positions: []broker.Position{
		{Ticket: 1, Side: store.SideBuy},
		{Ticket: 2, Side: store.SideSell},
	}}
	a := newTestAuthority(newMemStats(), positions, clock.New())

	ok, reason, err := a.CanOpenPosition(context.Background(), store.SideBuy, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("gate passed at total cap, reason %q", reason)
	}
}

func TestCanOpenPositionBrokerErrorFailsClosed(t *testing.T) {
	a := newTestAuthority(newMemStats(), &fakePositions{err: errors.New("bridge timeout")}, clock.New())

	ok, _, err := a.CanOpenPosition(context.Background(), store.SideBuy, "u1")
	if err == nil {
		t.Fatal("expected error when live positions are unreadable")
	}
	if ok {
		t.Error("gate passed despite position query failure")
	}
	if allowed, reason := GateResult(ok, "", err); allowed || reason != FailClosedReason {
		t.Errorf("GateResult = (%v, %q), want (false, %q)", allowed, reason, FailClosedReason)
	}
}

func TestCooldownAfterLoss(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	stats := newMemStats()
	a := newTestAuthority(stats, &fakePositions{}, clk)
	ctx := context.Background()

	if err := a.RecordTradeResult(ctx, -12.5); err != nil {
		t.Fatal(err)
	}
	last := clk.Now().UTC()
	day := stats.stats[store.DateKey(last)]
	day.LastTradeTime = &last
	if day.LastTradeResult != store.TradeResultLoss {
		t.Fatalf("LastTradeResult = %q after loss", day.LastTradeResult)
	}

	// 10 minutes into a 30-minute loss cooldown.
	clk.Advance(10 * time.Minute)
	ok, reason, err := a.CheckAndStartCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("cooldown passed 10 minutes after a loss")
	}
	if !strings.Contains(reason, "after loss") || !strings.Contains(reason, "20 minutes") {
		t.Errorf("reason = %q, want loss cooldown with 20 minutes remaining", reason)
	}

	// 31 minutes after the loss the window has elapsed.
	clk.Advance(21 * time.Minute)
	ok, reason, err = a.CheckAndStartCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("cooldown still active after 31 minutes: %q", reason)
	}

	// Passing the gate restamps LastTradeTime.
	got := stats.stats[store.DateKey(clk.Now())]
	if got.LastTradeTime == nil || !got.LastTradeTime.Equal(clk.Now().UTC()) {
		t.Error("LastTradeTime not restamped on allow")
	}
}

func TestCooldownBetweenTrades(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	stats := newMemStats()
	a := newTestAuthority(stats, &fakePositions{}, clk)
	ctx := context.Background()

	ok, _, err := a.CheckAndStartCooldown(ctx)
	if err != nil || !ok {
		t.Fatalf("first trade of the day denied: ok=%v err=%v", ok, err)
	}

	clk.Advance(5 * time.Minute)
	ok, reason, err := a.CheckAndStartCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("pacing gate passed 5 minutes after a trade")
	}
	if !strings.Contains(reason, "between trades") {
		t.Errorf("reason = %q, want between-trades label", reason)
	}

	clk.Advance(11 * time.Minute)
	if ok, reason, _ := a.CheckAndStartCooldown(ctx); !ok {
		t.Errorf("pacing gate denied after 16 minutes: %q", reason)
	}
}

func TestConcurrentCooldownSingleWinner(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	a := newTestAuthority(newMemStats(), &fakePositions{}, clk)
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make([]bool, 8)
	for i := range allowed {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _, err := a.CheckAndStartCooldown(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			allowed[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range allowed {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestDailyLimits(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	stats := newMemStats()
	a := newTestAuthority(stats, &fakePositions{}, clk)
	ctx := context.Background()

	day := store.DateKey(clk.Now())
	stats.stats[day] = &store.DailyTradingStats{Date: day, TotalPnL: -100}
	if ok, reason, _ := a.CheckDailyLimits(ctx); ok {
		t.Error("daily gate passed at the loss ceiling")
	} else if !strings.Contains(reason, "loss limit") {
		t.Errorf("reason = %q", reason)
	}

	stats.stats[day] = &store.DailyTradingStats{Date: day, TotalTrades: 40}
	if ok, reason, _ := a.CheckDailyLimits(ctx); ok {
		t.Error("daily gate passed at the trade cap")
	} else if !strings.Contains(reason, "trade limit") {
		t.Errorf("reason = %q", reason)
	}

	stats.stats[day] = &store.DailyTradingStats{Date: day, TotalPnL: -99.99, TotalTrades: 39}
	if ok, reason, _ := a.CheckDailyLimits(ctx); !ok {
		t.Errorf("daily gate denied just under both limits: %q", reason)
	}
}

func TestConsecutiveLossesPauseTrading(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	stats := newMemStats()
	a := newTestAuthority(stats, &fakePositions{}, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.RecordTradeResult(ctx, -5); err != nil {
			t.Fatal(err)
		}
	}

	day := stats.stats[store.DateKey(clk.Now())]
	if !day.IsPaused {
		t.Fatal("not paused after 3 consecutive losses")
	}
	if day.PauseUntil == nil || !day.PauseUntil.Equal(clk.Now().UTC().Add(60*time.Minute)) {
		t.Error("pause window is not 60 minutes")
	}

	ok, reason, err := a.CheckAndStartCooldown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("cooldown gate passed while paused")
	}
	if !strings.Contains(reason, "paused") {
		t.Errorf("reason = %q, want pause mention", reason)
	}

	// Pause elapses; the gate lifts it and resets the streak.
	clk.Advance(61 * time.Minute)
	if ok, reason, _ = a.CheckAndStartCooldown(ctx); !ok {
		t.Fatalf("still denied after pause elapsed: %q", reason)
	}
	after := stats.stats[store.DateKey(clk.Now())]
	if after.IsPaused || after.ConsecutiveLosses != 0 {
		t.Errorf("pause not lifted: paused=%v streak=%d", after.IsPaused, after.ConsecutiveLosses)
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	clk := clockAt(t, "2026-03-02T10:00:00Z")
	stats := newMemStats()
	a := newTestAuthority(stats, &fakePositions{}, clk)
	ctx := context.Background()

	_ = a.RecordTradeResult(ctx, -5)
	_ = a.RecordTradeResult(ctx, -5)
	_ = a.RecordTradeResult(ctx, 0) // break-even counts as a win

	day := stats.stats[store.DateKey(clk.Now())]
	if day.ConsecutiveLosses != 0 {
		t.Errorf("ConsecutiveLosses = %d after break-even close", day.ConsecutiveLosses)
	}
	if day.WinCount != 1 || day.LossCount != 2 {
		t.Errorf("wins/losses = %d/%d, want 1/2", day.WinCount, day.LossCount)
	}
	if day.IsPaused {
		t.Error("paused despite streak reset")
	}
	if day.MaxConsecutiveLosses != 2 {
		t.Errorf("MaxConsecutiveLosses = %d, want 2", day.MaxConsecutiveLosses)
	}
}

func TestCalculateLotSize(t *testing.T) {
	a := newTestAuthority(newMemStats(), &fakePositions{}, clock.New())

	tests := []struct {
		name       string
		entry      float64
		stopLoss   float64
		multiplier float64
		want       float64
	}{
		{name: "standard 150 point stop", entry: 100000, stopLoss: 99850, multiplier: 1.0, want: 0.10},
		{name: "sell side is symmetric", entry: 100000, stopLoss: 100150, multiplier: 1.0, want: 0.10},
		{name: "partial consensus scales budget and lots", entry: 100000, stopLoss: 99850, multiplier: 0.75, want: 0.06},
		{name: "half consensus scales quadratically", entry: 100000, stopLoss: 99850, multiplier: 0.5, want: 0.03},
		{name: "tight stop clamps to max", entry: 100000, stopLoss: 99950, multiplier: 1.0, want: 0.20},
		{name: "wide stop clamps to min", entry: 100000, stopLoss: 98000, multiplier: 0.5, want: 0.01},
		{name: "zero distance falls back to min", entry: 100000, stopLoss: 100000, multiplier: 1.0, want: 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.CalculateLotSize(tt.entry, tt.stopLoss, tt.multiplier)
			if got != tt.want {
				t.Errorf("CalculateLotSize(%v, %v, %v) = %v, want %v",
					tt.entry, tt.stopLoss, tt.multiplier, got, tt.want)
			}
		})
	}
}

func TestStatsStoreFailureFailsClosed(t *testing.T) {
	stats := newMemStats()
	stats.fail = true
	a := newTestAuthority(stats, &fakePositions{}, clock.New())

	ok, _, err := a.CheckAndStartCooldown(context.Background())
	if err == nil || ok {
		t.Errorf("cooldown gate = (%v, %v) with stats store down", ok, err)
	}
	ok, _, err = a.CheckDailyLimits(context.Background())
	if err == nil || ok {
		t.Errorf("daily gate = (%v, %v) with stats store down", ok, err)
	}
}

func clockAt(t *testing.T, stamp string) *clock.Fake {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		t.Fatal(err)
	}
	return clock.NewFake(ts)
}
