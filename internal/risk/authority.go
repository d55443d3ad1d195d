// Package risk is the single authority for trade admission. It owns the
// daily trading stats and serializes every gate behind one of three locks:
// positionLock for live position caps, cooldownLock for pacing between
// trades, and dailyStatsLock for daily loss/count limits and result
// recording. No operation ever holds two locks.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/store"
)

// StatsStore is the durable home of DailyTradingStats.
type StatsStore interface {
	GetOrCreateDailyStats(ctx context.Context, date string) (*store.DailyTradingStats, error)
	UpdateDailyStats(ctx context.Context, stats *store.DailyTradingStats) error
}

// PositionSource yields live venue positions. The position gate counts
// against the venue, not the durable store, because the store may lag the
// venue by several minutes after external closes.
type PositionSource interface {
	LiveOpenPositions(ctx context.Context) ([]broker.Position, error)
}

// RouterPositions adapts a broker.Router into a PositionSource by merging
// the live positions of every registered venue. Any venue error fails the
// whole query so the gate stays closed on partial visibility.
type RouterPositions struct {
	Router *broker.Router
}

func (r RouterPositions) LiveOpenPositions(ctx context.Context) ([]broker.Position, error) {
	var all []broker.Position
	for _, a := range r.Router.All() {
		positions, err := a.GetOpenPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("live positions from %s: %w", a.Name(), err)
		}
		all = append(all, positions...)
	}
	return all, nil
}

// Authority gates trade entry and records outcomes.
type Authority struct {
	cfg       config.RiskConfig
	stats     StatsStore
	positions PositionSource
	clock     clock.Clock
	logger    zerolog.Logger

	positionLock   sync.Mutex
	cooldownLock   sync.Mutex
	dailyStatsLock sync.Mutex
}

// NewAuthority creates the risk authority.
func NewAuthority(cfg config.RiskConfig, stats StatsStore, positions PositionSource, clk clock.Clock, logger zerolog.Logger) *Authority {
	return &Authority{
		cfg:       cfg,
		stats:     stats,
		positions: positions,
		clock:     clk,
		logger:    logger.With().Str("component", "risk").Logger(),
	}
}

// CanOpenPosition checks the per-direction and total position caps against
// live venue positions. It returns (false, reason, nil) for a policy
// rejection and a non-nil error only for I/O failures, which callers must
// treat as a rejection (fail closed).
func (a *Authority) CanOpenPosition(ctx context.Context, direction store.Side, userID string) (bool, string, error) {
	a.positionLock.Lock()
	defer a.positionLock.Unlock()

	live, err := a.positions.LiveOpenPositions(ctx)
	if err != nil {
		return false, "", fmt.Errorf("query live positions: %w", err)
	}

	var buys, sells int
	for _, p := range live {
		if p.Side == store.SideBuy {
			buys++
		} else {
			sells++
		}
	}

	if direction == store.SideBuy && buys >= a.cfg.MaxBuyPositions {
		return false, "Max BUY positions reached", nil
	}
	if direction == store.SideSell && sells >= a.cfg.MaxSellPositions {
		return false, "Max SELL positions reached", nil
	}
	if buys+sells >= a.cfg.MaxTotalPositions {
		return false, "Max total positions reached", nil
	}

	a.logger.Debug().
		Str("direction", string(direction)).
		Str("user_id", userID).
		Int("live_buys", buys).
		Int("live_sells", sells).
		Msg("position gate passed")
	return true, "", nil
}

// CheckAndStartCooldown enforces pacing between trades. On allow it writes
// lastTradeTime=now before releasing the lock, so of two concurrent
// signals only one can pass; the loser sees the fresh timestamp.
func (a *Authority) CheckAndStartCooldown(ctx context.Context) (bool, string, error) {
	a.cooldownLock.Lock()
	defer a.cooldownLock.Unlock()

	now := a.clock.Now().UTC()
	stats, err := a.stats.GetOrCreateDailyStats(ctx, store.DateKey(now))
	if err != nil {
		return false, "", fmt.Errorf("load daily stats: %w", err)
	}

	if stats.IsPaused {
		if stats.PauseUntil != nil && now.Before(*stats.PauseUntil) {
			remaining := int(math.Ceil(stats.PauseUntil.Sub(now).Minutes()))
			return false, fmt.Sprintf("Trading paused (%s): %d minutes remaining", stats.PauseReason, remaining), nil
		}
		// Pause window elapsed: lift it and start a fresh loss streak.
		stats.IsPaused = false
		stats.PauseReason = ""
		stats.PauseUntil = nil
		stats.ConsecutiveLosses = 0
		a.logger.Info().Msg("pause window elapsed, trading resumed")
	}

	if stats.LastTradeTime != nil {
		required := time.Duration(a.cfg.MinMinutesBetweenTrades) * time.Minute
		label := "between trades"
		if stats.LastTradeResult == store.TradeResultLoss {
			required = time.Duration(a.cfg.CooldownAfterLossMin) * time.Minute
			label = "after loss"
		}
		elapsed := now.Sub(*stats.LastTradeTime)
		if elapsed < required {
			remaining := int(math.Ceil((required - elapsed).Minutes()))
			return false, fmt.Sprintf("Cooldown %s: %d minutes remaining", label, remaining), nil
		}
	}

	stats.LastTradeTime = &now
	if err := a.stats.UpdateDailyStats(ctx, stats); err != nil {
		return false, "", fmt.Errorf("start cooldown: %w", err)
	}
	return true, "", nil
}

// CheckDailyLimits enforces the daily loss ceiling and trade count.
func (a *Authority) CheckDailyLimits(ctx context.Context) (bool, string, error) {
	a.dailyStatsLock.Lock()
	defer a.dailyStatsLock.Unlock()

	stats, err := a.stats.GetOrCreateDailyStats(ctx, store.DateKey(a.clock.Now()))
	if err != nil {
		return false, "", fmt.Errorf("load daily stats: %w", err)
	}

	if stats.TotalPnL <= -a.cfg.MaxDailyLossUSD {
		return false, fmt.Sprintf("Daily loss limit reached (%.2f USD)", stats.TotalPnL), nil
	}
	if stats.TotalTrades >= a.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("Daily trade limit reached (%d trades)", stats.TotalTrades), nil
	}
	return true, "", nil
}

// ValidatePreTrade chains the gates in their contractual order: position,
// then cooldown, then daily. The first failure short-circuits, so a signal
// rejected on position caps does not consume the cooldown slot.
func (a *Authority) ValidatePreTrade(ctx context.Context, direction store.Side, userID string) (bool, string, error) {
	if ok, reason, err := a.CanOpenPosition(ctx, direction, userID); !ok || err != nil {
		return ok, reason, err
	}
	if ok, reason, err := a.CheckAndStartCooldown(ctx); !ok || err != nil {
		return ok, reason, err
	}
	return a.CheckDailyLimits(ctx)
}

// RecordTradeOpened counts an accepted trade against today's totals.
func (a *Authority) RecordTradeOpened(ctx context.Context) error {
	a.dailyStatsLock.Lock()
	defer a.dailyStatsLock.Unlock()

	now := a.clock.Now().UTC()
	stats, err := a.stats.GetOrCreateDailyStats(ctx, store.DateKey(now))
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}

	stats.TotalTrades++
	stats.LastTradeTime = &now
	return a.stats.UpdateDailyStats(ctx, stats)
}

// RecordTradeResult folds a realized PnL into today's stats. A break-even
// close counts as a win. Crossing the consecutive-loss threshold pauses
// trading for the configured window.
func (a *Authority) RecordTradeResult(ctx context.Context, pnl float64) error {
	a.dailyStatsLock.Lock()
	defer a.dailyStatsLock.Unlock()

	now := a.clock.Now().UTC()
	stats, err := a.stats.GetOrCreateDailyStats(ctx, store.DateKey(now))
	if err != nil {
		return fmt.Errorf("load daily stats: %w", err)
	}

	stats.TotalPnL += pnl
	if pnl >= 0 {
		stats.WinCount++
		stats.ConsecutiveLosses = 0
		stats.LastTradeResult = store.TradeResultWin
	} else {
		stats.LossCount++
		stats.ConsecutiveLosses++
		if stats.ConsecutiveLosses > stats.MaxConsecutiveLosses {
			stats.MaxConsecutiveLosses = stats.ConsecutiveLosses
		}
		stats.LastTradeResult = store.TradeResultLoss

		if stats.ConsecutiveLosses >= a.cfg.MaxConsecutiveLosses && !stats.IsPaused {
			until := now.Add(time.Duration(a.cfg.CooldownAfterConsecLossesMin) * time.Minute)
			stats.IsPaused = true
			stats.PauseReason = fmt.Sprintf("%d consecutive losses", stats.ConsecutiveLosses)
			stats.PauseUntil = &until
			a.logger.Warn().
				Int("consecutive_losses", stats.ConsecutiveLosses).
				Time("pause_until", until).
				Msg("trading paused")
		}
	}

	a.logger.Info().
		Float64("pnl", pnl).
		Float64("total_pnl", stats.TotalPnL).
		Int("wins", stats.WinCount).
		Int("losses", stats.LossCount).
		Int("consecutive_losses", stats.ConsecutiveLosses).
		Msg("trade result recorded")
	return a.stats.UpdateDailyStats(ctx, stats)
}

// CalculateLotSize converts the per-trade risk budget into MT4 lots. The
// consensus multiplier scales both the risk budget and the resulting lot
// count, so partial-consensus trades shrink quadratically. A zero or
// negative stop distance falls back to the minimum lot.
func (a *Authority) CalculateLotSize(entry, stopLoss, consensusMultiplier float64) float64 {
	distance := math.Abs(entry - stopLoss)
	if distance <= 0 {
		a.logger.Warn().
			Float64("entry", entry).
			Float64("stop_loss", stopLoss).
			Msg("stop distance not positive, using minimum lot")
		return a.cfg.MinLotSize
	}

	risk := a.cfg.MaxRiskPerTradeUSD * consensusMultiplier
	lots := risk / (distance * a.cfg.PointValuePerLot) * consensusMultiplier
	if lots < a.cfg.MinLotSize {
		lots = a.cfg.MinLotSize
	}
	if lots > a.cfg.MaxLotSize {
		lots = a.cfg.MaxLotSize
	}
	return math.Round(lots*100) / 100
}

// TodayStats returns a copy of today's stats for reporting endpoints.
func (a *Authority) TodayStats(ctx context.Context) (*store.DailyTradingStats, error) {
	a.dailyStatsLock.Lock()
	defer a.dailyStatsLock.Unlock()
	return a.stats.GetOrCreateDailyStats(ctx, store.DateKey(a.clock.Now()))
}

// FailClosedReason is the rejection reason recorded when a gate fails with
// an I/O error instead of a policy decision.
const FailClosedReason = "risk store unavailable"

// GateResult normalizes a gate outcome: policy rejections keep their
// reason, I/O failures become a fail-closed rejection.
func GateResult(ok bool, reason string, err error) (bool, string) {
	if err != nil {
		return false, FailClosedReason
	}
	return ok, reason
}
