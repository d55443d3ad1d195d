package risk

import (
	"fmt"

	"scalping-engine/internal/store"
)

// Direction is the trade direction a consensus resolves to. Rejections
// resolve to hold.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Side converts a tradeable direction to an order side.
func (d Direction) Side() store.Side {
	if d == DirectionSell {
		return store.SideSell
	}
	return store.SideBuy
}

// Consensus is the outcome of evaluating the four LLM voters.
type Consensus struct {
	ShouldTrade    bool
	Direction      Direction
	SizeMultiplier float64
	Pattern        string
	Reason         string
}

// EvaluateConsensus maps the buy/sell/hold vote split of four voters onto
// a trade decision. Unanimity and 3-0-1 trade at full size, 3-1-0 at 0.75,
// and 2-0-2 at 0.50 but only when confidence clears the weak-consensus
// floor. Everything else rejects: ties, any split with opposition and
// uncertainty, lone votes, and three or more holds.
func EvaluateConsensus(buy, sell, hold int, confidence, minConfidenceForWeak float64) Consensus {
	c := Consensus{
		Direction: DirectionHold,
		Pattern:   fmt.Sprintf("%d-%d-%d", buy, sell, hold),
	}

	if hold >= 3 {
		c.Reason = "holds dominate"
		return c
	}

	switch {
	case buy == 4 && sell == 0 && hold == 0:
		return c.trade(DirectionBuy, 1.00)
	case sell == 4 && buy == 0 && hold == 0:
		return c.trade(DirectionSell, 1.00)

	case buy == 3 && sell == 0 && hold == 1:
		return c.trade(DirectionBuy, 1.00)
	case sell == 3 && buy == 0 && hold == 1:
		return c.trade(DirectionSell, 1.00)

	case buy == 3 && sell == 1 && hold == 0:
		return c.trade(DirectionBuy, 0.75)
	case sell == 3 && buy == 1 && hold == 0:
		return c.trade(DirectionSell, 0.75)

	case buy == 2 && sell == 0 && hold == 2:
		if confidence >= minConfidenceForWeak {
			return c.trade(DirectionBuy, 0.50)
		}
		c.Reason = fmt.Sprintf("weak consensus needs confidence >= %.0f%%, got %.0f%%", minConfidenceForWeak, confidence)
		return c
	case sell == 2 && buy == 0 && hold == 2:
		if confidence >= minConfidenceForWeak {
			return c.trade(DirectionSell, 0.50)
		}
		c.Reason = fmt.Sprintf("weak consensus needs confidence >= %.0f%%, got %.0f%%", minConfidenceForWeak, confidence)
		return c

	case buy == 2 && sell == 2:
		c.Reason = "tie"
		return c

	default:
		c.Reason = "no actionable consensus"
		return c
	}
}

func (c Consensus) trade(direction Direction, multiplier float64) Consensus {
	c.ShouldTrade = true
	c.Direction = direction
	c.SizeMultiplier = multiplier
	return c
}
