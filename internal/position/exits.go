package position

import (
	"math"

	"scalping-engine/config"
	"scalping-engine/internal/store"
)

// action is the outcome of one pass of the exit pipeline over a position.
// A close action terminates the pipeline; stop moves accumulate and are
// pushed to the broker by the caller.
type action struct {
	Close       bool
	Reason      string
	Status      store.PositionStatus
	StopMoved   bool
	BreakEven   bool
	Locked75    bool
	OldStopLoss float64
	Progress    float64
}

func closeAction(reason string, status store.PositionStatus) action {
	return action{Close: true, Reason: reason, Status: status}
}

// progressToTP is the fraction of the entry-to-TP distance covered by the
// current price, clamped at 0. Positions without a TP report 0.
func progressToTP(p *store.Position) float64 {
	if p.TakeProfit <= 0 {
		return 0
	}
	span := p.TakeProfit - p.EntryPrice
	if span == 0 {
		return 0
	}
	progress := (p.CurrentPrice - p.EntryPrice) / span
	if progress < 0 {
		return 0
	}
	return progress
}

// profitPoints is the favorable price move in points; negative when the
// position is under water.
func profitPoints(p *store.Position) float64 {
	if p.Side == store.SideBuy {
		return p.CurrentPrice - p.EntryPrice
	}
	return p.EntryPrice - p.CurrentPrice
}

// improvesStop reports whether newSL tightens the stop in the profit
// direction. Moves that widen or repeat the stop are rejected; the stop is
// monotone for the life of the position.
func improvesStop(p *store.Position, newSL float64) bool {
	if p.StopLoss == 0 {
		return newSL > 0
	}
	if p.Side == store.SideBuy {
		return newSL > p.StopLoss
	}
	return newSL < p.StopLoss
}

// moveStop applies a monotone stop move to the in-memory position and
// reports whether anything changed.
func moveStop(p *store.Position, newSL float64) bool {
	if !improvesStop(p, newSL) {
		return false
	}
	p.StopLoss = newSL
	return true
}

// evaluateExits runs the exit rule pipeline in its contractual order:
// time-based exit, 1:1 profit lock, percentage trailing (with the
// point-based fallback when no TP is set), early adverse exit, and the
// application-level SL/TP backstop. The first close decision wins.
func evaluateExits(p *store.Position, cfg config.ExitConfig, minutesOpen float64) action {
	progress := progressToTP(p)
	points := profitPoints(p)
	act := action{Progress: progress, OldStopLoss: p.StopLoss}

	// 1. Time-based exit. The slow rule runs first so a stagnant
	// position past both cutoffs reports the reason that earned it.
	if minutesOpen > float64(cfg.TimeExitSlowMinutes) && progress < cfg.TimeExitSlowMinProgress {
		return closeAction("time-exit-slow", store.PositionClosed)
	}
	if minutesOpen > float64(cfg.TimeExitMaxMinutes) {
		return closeAction("time-exit-max", store.PositionClosed)
	}
	// Absolute age ceiling. At default settings the tunable cap above
	// fires first; this binds when an operator raises that cap past it.
	if cfg.MaxPositionMinutes > 0 && minutesOpen > float64(cfg.MaxPositionMinutes) {
		return closeAction("time-exit-max", store.PositionClosed)
	}

	// 2. Lock profit at 1:1 risk:reward. Risk is the original stop
	// distance; once price has travelled one risk unit, half the open
	// profit is secured.
	if !p.OneToOneLocked {
		risk := math.Abs(p.EntryPrice - p.OriginalStopLoss)
		if risk > 0 && points >= risk {
			lock := cfg.OneToOneLockProfitPct * points
			newSL := p.EntryPrice + lock
			if p.Side == store.SideSell {
				newSL = p.EntryPrice - lock
			}
			if moveStop(p, newSL) {
				p.OneToOneLocked = true
				act.StopMoved = true
			}
		}
	}

	// 3. Trailing stop: percentage-based when a TP exists, point-based
	// otherwise.
	if p.TakeProfit > 0 {
		tpDistance := math.Abs(p.TakeProfit - p.EntryPrice)

		if progress >= cfg.TrailBreakevenPct && !p.BreakEvenActivated {
			newSL := p.EntryPrice + cfg.BreakevenBufferPoints
			if p.Side == store.SideSell {
				newSL = p.EntryPrice - cfg.BreakevenBufferPoints
			}
			if moveStop(p, newSL) {
				act.StopMoved = true
				act.BreakEven = true
			}
			p.BreakEvenActivated = true
		}

		if progress >= cfg.TrailLockPct && p.BreakEvenActivated && !p.ProfitLocked75 {
			lock := cfg.TrailLockAmount * tpDistance
			newSL := p.EntryPrice + lock
			if p.Side == store.SideSell {
				newSL = p.EntryPrice - lock
			}
			if moveStop(p, newSL) {
				act.StopMoved = true
				act.Locked75 = true
			}
			p.ProfitLocked75 = true
		}
	} else {
		if points >= cfg.BreakevenPoints && !p.BreakEvenActivated {
			newSL := p.EntryPrice + cfg.BreakevenBufferPoints
			if p.Side == store.SideSell {
				newSL = p.EntryPrice - cfg.BreakevenBufferPoints
			}
			if moveStop(p, newSL) {
				act.StopMoved = true
				act.BreakEven = true
			}
			p.BreakEvenActivated = true
		}
		if points >= cfg.TrailStartPoints {
			newSL := p.CurrentPrice - cfg.TrailDistancePoints
			if p.Side == store.SideSell {
				newSL = p.CurrentPrice + cfg.TrailDistancePoints
			}
			if moveStop(p, newSL) {
				p.TrailingStopActivated = true
				act.StopMoved = true
			}
		}
	}

	// 4. Early adverse exit.
	if -points >= cfg.EarlyExitLossPoints {
		act.Close = true
		act.Reason = "stop-loss"
		act.Status = store.PositionClosed
		return act
	}

	// 5. Application-level SL/TP backstop. The broker should enforce these;
	// when it does not, this is the deterministic backup. The stop is
	// checked before the target so a monotone stop that has advanced past
	// the entry closes as stop-loss, never as take-profit.
	if p.StopLoss > 0 {
		if (p.Side == store.SideBuy && p.CurrentPrice <= p.StopLoss) ||
			(p.Side == store.SideSell && p.CurrentPrice >= p.StopLoss) {
			act.Close = true
			act.Reason = "stop-loss"
			act.Status = store.PositionClosed
			return act
		}
	}
	if p.TakeProfit > 0 {
		if (p.Side == store.SideBuy && p.CurrentPrice >= p.TakeProfit) ||
			(p.Side == store.SideSell && p.CurrentPrice <= p.TakeProfit) {
			act.Close = true
			act.Reason = "take-profit"
			act.Status = store.PositionClosed
			return act
		}
	}

	return act
}
