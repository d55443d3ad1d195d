package signals

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/store"
)

// PriceSource yields the current reference price for a symbol on a venue.
// Backed by the broker router, with the KV ticker cache in front.
type PriceSource interface {
	ReferencePrice(ctx context.Context, b store.Broker, symbol string) (float64, error)
}

// VenueFilter answers whether a venue takes a symbol/category pair.
type VenueFilter interface {
	CanExecute(symbol string, b store.Broker, category string) (bool, string)
}

// Enqueuer accepts validated signals for draining.
type Enqueuer interface {
	Enqueue(ctx context.Context, v *ValidatedSignal) error
}

// LatestRecorder keeps the most recent detector call per agent so the
// position monitor can react to reversals.
type LatestRecorder interface {
	SetLatestSignal(ctx context.Context, s LatestSignal) error
}

// Validator normalizes candidates into validated signals and routes them to
// the queues.
type Validator struct {
	cfg    config.ValidatorConfig
	prices PriceSource
	filter VenueFilter
	queue  Enqueuer
	latest LatestRecorder
	clock  clock.Clock
	logger zerolog.Logger
}

// NewValidator creates a signal validator.
func NewValidator(cfg config.ValidatorConfig, prices PriceSource, filter VenueFilter, queue Enqueuer, latest LatestRecorder, clk clock.Clock, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		prices: prices,
		filter: filter,
		queue:  queue,
		latest: latest,
		clock:  clk,
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// Validate resolves entry, protective levels, risk class, and sizing for a
// candidate. It never returns an error for a bad signal; the result carries
// IsValid=false and the reason.
func (v *Validator) Validate(ctx context.Context, c Candidate, agent *store.Agent) *ValidatedSignal {
	out := &ValidatedSignal{Candidate: c, ValidatedAt: v.clock.Now()}

	if err := c.CheckShape(); err != nil {
		out.Reason = err.Error()
		return out
	}
	if c.Recommendation == RecommendHold {
		out.Reason = "hold recommendation is not tradeable"
		return out
	}

	entry := c.EntryHint
	if entry <= 0 {
		price, err := v.prices.ReferencePrice(ctx, agent.Broker, c.Symbol)
		if err != nil {
			out.Reason = fmt.Sprintf("no reference price for %s: %v", c.Symbol, err)
			return out
		}
		entry = price
	}
	if entry <= 0 {
		out.Reason = "reference price not positive"
		return out
	}

	levels := NormalizeLevels(c.Recommendation, entry, c.StopLossHint,
		v.cfg.MaxStopLossPoints, v.cfg.DefaultStopLossPoints, v.cfg.RiskRewardRatio)
	out.RecommendedEntry = levels.Entry
	out.StopLossPrice = levels.StopLoss
	out.TakeProfitPrice = levels.TakeProfit

	out.RiskClass = ClassifyRisk(c.Votes)
	out.PositionSizeUSD = v.cfg.BasePositionSizeUSD * v.sizeMultiplier(out.RiskClass)

	// A venue refusal is not a defect in the signal; it is recorded as
	// FILTERED rather than REJECTED.
	if ok, reason := v.filter.CanExecute(c.Symbol, agent.Broker, c.Category); !ok {
		out.Filtered = true
		out.Reason = reason
		return out
	}
	if out.PositionSizeUSD <= 0 {
		out.Reason = "position size resolved to zero"
		return out
	}
	if out.StopLossPrice == out.RecommendedEntry {
		out.Reason = "stop loss equals entry"
		return out
	}

	out.IsValid = true
	return out
}

// ValidateAndEnqueue validates a candidate, records the agent's latest call
// for reversal detection, and enqueues valid results. The validated signal
// is returned either way so the caller can log the outcome.
func (v *Validator) ValidateAndEnqueue(ctx context.Context, c Candidate, agent *store.Agent) (*ValidatedSignal, error) {
	// The detector's directional call stands for reversal detection even
	// when the signal itself fails validation.
	if err := v.latest.SetLatestSignal(ctx, LatestSignal{
		AgentID:        c.AgentID,
		Symbol:         c.Symbol,
		Recommendation: c.Recommendation,
		Confidence:     c.Votes.Confidence,
		At:             v.clock.Now(),
	}); err != nil {
		v.logger.Warn().Err(err).Str("agent_id", c.AgentID).Msg("latest-signal record failed")
	}

	out := v.Validate(ctx, c, agent)
	if !out.IsValid {
		v.logger.Debug().
			Str("signal_id", c.SignalID).
			Str("reason", out.Reason).
			Msg("signal invalid")
		return out, nil
	}

	if err := v.queue.Enqueue(ctx, out); err != nil {
		return out, fmt.Errorf("enqueue signal %s: %w", c.SignalID, err)
	}
	v.logger.Info().
		Str("signal_id", c.SignalID).
		Str("symbol", c.Symbol).
		Str("recommendation", string(c.Recommendation)).
		Bool("priority", out.PriorityQueue()).
		Float64("size_usd", out.PositionSizeUSD).
		Msg("signal validated and queued")
	return out, nil
}

// ClassifyRisk buckets a signal by consensus strength. Three or more
// directional voters with high confidence are SAFE, anything clearing the
// weak-consensus floor is MODERATE, the rest is RISKY.
func ClassifyRisk(votes Votes) RiskClass {
	directional := votes.Buy
	if votes.Sell > directional {
		directional = votes.Sell
	}
	switch {
	case directional >= 3 && votes.Confidence >= 75:
		return RiskSafe
	case votes.Confidence >= 60:
		return RiskModerate
	default:
		return RiskRisky
	}
}

func (v *Validator) sizeMultiplier(class RiskClass) float64 {
	switch class {
	case RiskSafe:
		return v.cfg.SafeMultiplier
	case RiskModerate:
		return v.cfg.ModerateMultiplier
	default:
		return v.cfg.RiskyMultiplier
	}
}
