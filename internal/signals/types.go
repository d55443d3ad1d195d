// Package signals defines the candidate and validated signal shapes and the
// validator that turns one into the other. Candidates arrive loose (optional
// hints, string enums); nothing reaches the queue until every field has been
// normalized or the signal rejected.
package signals

import (
	"fmt"
	"time"

	"scalping-engine/internal/store"
)

// Recommendation is a detector's directional call.
type Recommendation string

const (
	RecommendBuy  Recommendation = "BUY"
	RecommendSell Recommendation = "SELL"
	RecommendHold Recommendation = "HOLD"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendBuy, RecommendSell, RecommendHold:
		return true
	}
	return false
}

// Side maps a tradeable recommendation to an order side.
func (r Recommendation) Side() store.Side {
	if r == RecommendSell {
		return store.SideSell
	}
	return store.SideBuy
}

// CategoryFibonacciScalping routes to the priority queue; every other
// category drains from the standard queue.
const CategoryFibonacciScalping = "fibonacci-scalping"

// RiskClass buckets a signal by how aggressively it should be sized.
type RiskClass string

const (
	RiskSafe     RiskClass = "SAFE"
	RiskModerate RiskClass = "MODERATE"
	RiskRisky    RiskClass = "RISKY"
)

// Votes is the aggregate of the four LLM voters attached to a candidate.
type Votes struct {
	Buy        int     `json:"buy"`
	Sell       int     `json:"sell"`
	Hold       int     `json:"hold"`
	Confidence float64 `json:"confidence"`
}

// Candidate is a raw inbound signal before validation. Hint fields are zero
// when the detector did not supply them.
type Candidate struct {
	SignalID       string         `json:"signal_id"`
	AgentID        string         `json:"agent_id"`
	Symbol         string         `json:"symbol"`
	Recommendation Recommendation `json:"recommendation"`
	Category       string         `json:"category"`
	EntryHint      float64        `json:"entry_hint,omitempty"`
	StopLossHint   float64        `json:"stop_loss_hint,omitempty"`
	TakeProfitHint float64        `json:"take_profit_hint,omitempty"`
	Votes          Votes          `json:"llm_votes"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// CheckShape rejects candidates whose enum fields or identifiers are not
// usable before any pricing work happens.
func (c *Candidate) CheckShape() error {
	if c.AgentID == "" {
		return fmt.Errorf("signal missing agent_id")
	}
	if c.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if !c.Recommendation.Valid() {
		return fmt.Errorf("unknown recommendation %q", c.Recommendation)
	}
	total := c.Votes.Buy + c.Votes.Sell + c.Votes.Hold
	if total != 0 && total != 4 {
		return fmt.Errorf("vote split %d-%d-%d does not sum to 4", c.Votes.Buy, c.Votes.Sell, c.Votes.Hold)
	}
	return nil
}

// ValidatedSignal is a candidate with sizing and protective levels resolved.
// Invariant: IsValid implies PositionSizeUSD > 0, RecommendedEntry > 0, and
// StopLossPrice on the risking side of the entry.
type ValidatedSignal struct {
	Candidate

	IsValid          bool      `json:"is_valid"`
	Filtered         bool      `json:"filtered,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	PositionSizeUSD  float64   `json:"position_size_usd"`
	RecommendedEntry float64   `json:"recommended_entry"`
	StopLossPrice    float64   `json:"stop_loss_price"`
	TakeProfitPrice  float64   `json:"take_profit_price"`
	RiskClass        RiskClass `json:"risk_class"`
	ValidatedAt      time.Time `json:"validated_at"`
}

// PriorityQueue reports whether this signal belongs on the priority queue.
func (v *ValidatedSignal) PriorityQueue() bool {
	return v.Category == CategoryFibonacciScalping
}

// LatestSignal is the per-agent record kept in the KV store so the position
// monitor can detect signal reversals against open positions.
type LatestSignal struct {
	AgentID        string         `json:"agent_id"`
	Symbol         string         `json:"symbol"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	At             time.Time      `json:"at"`
}
