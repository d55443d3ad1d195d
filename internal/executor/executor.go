// Package executor drains the signal queue and turns validated signals
// into broker orders. Every dequeued signal ends in exactly one terminal
// signal-log row: FILTERED when the venue will not take it, REJECTED when a
// policy gate says no, FAILED when the broker says no, EXECUTED when the
// order fills.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/events"
	"scalping-engine/internal/metrics"
	"scalping-engine/internal/risk"
	"scalping-engine/internal/signals"
	"scalping-engine/internal/store"
)

// Store is the durable surface the executor writes through.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	CreatePosition(ctx context.Context, p *store.Position) error
	CreateTrade(ctx context.Context, t *store.Trade) error
	MarkSignalTerminal(ctx context.Context, signalID string, status store.SignalStatus, upd store.TerminalUpdate) (bool, error)
}

// RiskGate is the slice of the risk authority the executor calls.
type RiskGate interface {
	ValidatePreTrade(ctx context.Context, direction store.Side, userID string) (bool, string, error)
	CalculateLotSize(entry, stopLoss, consensusMultiplier float64) float64
	RecordTradeOpened(ctx context.Context) error
}

// Queue yields batches of validated signals.
type Queue interface {
	DrainBatch(ctx context.Context, n int) ([]*signals.ValidatedSignal, error)
	Depths(ctx context.Context) (priority, validated int64, err error)
}

// Filter answers whether a venue takes a symbol/category pair.
type Filter interface {
	CanExecute(symbol string, b store.Broker, category string) (bool, string)
}

// Executor drains and executes signals on a fixed tick, single-flight.
type Executor struct {
	cfg     config.ExecutorConfig
	qcfg    config.QueueConfig
	vcfg    config.ValidatorConfig
	riskCfg config.RiskConfig

	store   Store
	gate    RiskGate
	queue   Queue
	router  *broker.Router
	filter  Filter
	bus     *events.EventBus
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  zerolog.Logger

	drainMu sync.Mutex
}

// New creates the executor.
func New(
	cfg config.ExecutorConfig,
	qcfg config.QueueConfig,
	vcfg config.ValidatorConfig,
	riskCfg config.RiskConfig,
	st Store,
	gate RiskGate,
	q Queue,
	router *broker.Router,
	filter Filter,
	bus *events.EventBus,
	m *metrics.Metrics,
	clk clock.Clock,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		cfg:     cfg,
		qcfg:    qcfg,
		vcfg:    vcfg,
		riskCfg: riskCfg,
		store:   st,
		gate:    gate,
		queue:   q,
		router:  router,
		filter:  filter,
		bus:     bus,
		metrics: m,
		clock:   clk,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

// Run drains the queue on the configured tick until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("tick", e.cfg.TickInterval).Msg("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("executor stopped")
			return
		case <-ticker.C:
			e.Drain(ctx)
		}
	}
}

// Drain pops one batch and executes it. Reentrant calls are dropped; a
// slow broker must not pile up overlapping drains.
func (e *Executor) Drain(ctx context.Context) {
	if !e.drainMu.TryLock() {
		return
	}
	defer e.drainMu.Unlock()

	started := time.Now()
	batch, err := e.queue.DrainBatch(ctx, e.qcfg.DrainBatchSize)
	if err != nil {
		e.logger.Warn().Err(err).Msg("queue drain failed")
		return
	}

	for _, v := range batch {
		e.Execute(ctx, v)
	}

	if e.metrics != nil {
		e.metrics.DrainDuration.Observe(time.Since(started).Seconds())
		if p, s, err := e.queue.Depths(ctx); err == nil {
			e.metrics.QueueDepth.WithLabelValues("fibonacci-priority").Set(float64(p))
			e.metrics.QueueDepth.WithLabelValues("validated").Set(float64(s))
		}
	}
}

// Execute runs the full pipeline for one signal. It is also the direct
// path: latency-critical callers that already applied backpressure may call
// it without going through the queue; every gate still runs.
func (e *Executor) Execute(ctx context.Context, v *signals.ValidatedSignal) {
	if !v.IsValid {
		reason := v.Reason
		if reason == "" {
			reason = "signal failed validation"
		}
		e.reject(ctx, v, reason)
		return
	}
	if v.PositionSizeUSD <= 0 {
		// Validator invariant broken upstream; this must never pass.
		e.logger.Error().
			Str("signal_id", v.SignalID).
			Float64("size_usd", v.PositionSizeUSD).
			Msg("INVARIANT: valid signal with non-positive size")
		e.reject(ctx, v, "position size not positive")
		return
	}

	agent, err := e.store.GetAgent(ctx, v.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.reject(ctx, v, fmt.Sprintf("agent %s not found", v.AgentID))
		} else {
			e.reject(ctx, v, risk.FailClosedReason)
		}
		return
	}
	if !agent.IsActive {
		e.reject(ctx, v, fmt.Sprintf("agent %s is inactive", agent.ID))
		return
	}

	if ok, reason := e.filter.CanExecute(v.Symbol, agent.Broker, v.Category); !ok {
		e.filtered(ctx, v, agent, reason)
		return
	}

	// Consensus gates direction and scales MT4 lots. Signals without LLM
	// votes trade at full size.
	multiplier := 1.0
	if votes := v.Votes; votes.Buy+votes.Sell+votes.Hold > 0 {
		consensus := risk.EvaluateConsensus(votes.Buy, votes.Sell, votes.Hold,
			votes.Confidence, e.riskCfg.MinConfidenceForWeak)
		if !consensus.ShouldTrade {
			e.reject(ctx, v, fmt.Sprintf("consensus %s: %s", consensus.Pattern, consensus.Reason))
			return
		}
		if consensus.Direction.Side() != v.Recommendation.Side() {
			e.reject(ctx, v, fmt.Sprintf("consensus %s contradicts %s recommendation",
				consensus.Direction, v.Recommendation))
			return
		}
		multiplier = consensus.SizeMultiplier
	}

	side := v.Recommendation.Side()

	adapter, err := e.router.Get(agent.Broker)
	if err != nil {
		e.reject(ctx, v, err.Error())
		return
	}

	if agent.Broker == store.BrokerMT4 {
		ok, reason, err := e.gate.ValidatePreTrade(ctx, side, agent.UserID)
		if ok, reason = risk.GateResult(ok, reason, err); !ok {
			if e.metrics != nil {
				e.metrics.RiskRejectionsTotal.WithLabelValues(gateLabel(reason)).Inc()
			}
			e.reject(ctx, v, reason)
			return
		}
	}

	// Re-derive SL/TP from the entry at execution time. The validator
	// already normalized them; doing it again here bounds the damage of any
	// queue-side tampering or stale validation.
	levels := signals.NormalizeLevels(v.Recommendation, v.RecommendedEntry, v.StopLossPrice,
		e.vcfg.MaxStopLossPoints, e.vcfg.DefaultStopLossPoints, e.vcfg.RiskRewardRatio)

	volume, rejectReason, err := e.orderVolume(ctx, adapter, agent.Broker, v, levels, multiplier)
	if err != nil {
		e.reject(ctx, v, risk.FailClosedReason)
		return
	}
	if rejectReason != "" {
		e.reject(ctx, v, rejectReason)
		return
	}

	req := broker.OrderRequest{
		Symbol:     v.Symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		Comment:    v.Category,
		ClientID:   uuid.New().String(),
	}

	result, err := adapter.CreateMarketOrder(ctx, req)
	if err != nil {
		e.handleBrokerFailure(ctx, v, agent, adapter, req, err)
		return
	}

	e.recordFill(ctx, v, agent, adapter, result)
}

// orderVolume computes broker units for the order. MT4 sizes in lots
// through the risk authority; OKX and Binance size from USD notional inside
// their adapters. A policy-style refusal comes back as rejectReason, an I/O
// failure as err.
func (e *Executor) orderVolume(ctx context.Context, adapter broker.Adapter, b store.Broker, v *signals.ValidatedSignal, levels signals.Levels, multiplier float64) (volume float64, rejectReason string, err error) {
	if b == store.BrokerMT4 {
		return e.gate.CalculateLotSize(levels.Entry, levels.StopLoss, multiplier), "", nil
	}

	volume, err = adapter.CalculateOrderSize(ctx, v.Symbol, v.PositionSizeUSD)
	if err != nil {
		var be *broker.Error
		if errors.As(err, &be) && be.Code != broker.CodeTransient {
			// Venue refused the size (below minimum, unknown instrument).
			return 0, be.Msg, nil
		}
		return 0, "", err
	}
	if volume <= 0 {
		return 0, "order size resolved to zero", nil
	}
	return volume, "", nil
}

// handleBrokerFailure classifies a failed order. Transient failures get one
// reconciliation pass so a filled-but-unacknowledged order is not lost; the
// signal itself is terminal either way, retries are never automatic.
func (e *Executor) handleBrokerFailure(ctx context.Context, v *signals.ValidatedSignal, agent *store.Agent, adapter broker.Adapter, req broker.OrderRequest, err error) {
	switch broker.CodeOf(err) {
	case broker.CodeAutoTradingDisabled:
		e.logger.Error().
			Str("signal_id", v.SignalID).
			Msg("MT4 AutoTrading is disabled; enable it in the terminal (Ctrl+E)")
		e.failed(ctx, v, "autotrading disabled on MT4 terminal (error 4109)")

	case broker.CodeTransient:
		if result := e.reconcileOrder(ctx, adapter, req); result != nil {
			e.logger.Warn().
				Str("signal_id", v.SignalID).
				Int64("ticket", result.Ticket).
				Msg("order timed out but filled, recovered by reconciliation")
			e.recordFill(ctx, v, agent, adapter, result)
			return
		}
		e.failed(ctx, v, fmt.Sprintf("broker timeout: %v", err))

	default:
		e.failed(ctx, v, err.Error())
	}
}

// reconcileOrder looks for a just-opened live position matching the failed
// request. Matching is by symbol, side, and a fresh open time; venues that
// echo the client ID would make this exact, the bridge does not.
func (e *Executor) reconcileOrder(ctx context.Context, adapter broker.Adapter, req broker.OrderRequest) *broker.OrderResult {
	positions, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		return nil
	}

	cutoff := e.clock.Now().Add(-time.Minute)
	for _, p := range positions {
		if p.Symbol == req.Symbol && p.Side == req.Side && p.OpenedAt.After(cutoff) {
			return &broker.OrderResult{
				Ticket:     p.Ticket,
				Symbol:     p.Symbol,
				Side:       p.Side,
				Volume:     p.Volume,
				OpenPrice:  p.OpenPrice,
				StopLoss:   p.StopLoss,
				TakeProfit: p.TakeProfit,
				OpenedAt:   p.OpenedAt,
			}
		}
	}
	return nil
}

// recordFill persists the new position, counts the trade, and closes out
// the signal log as EXECUTED.
func (e *Executor) recordFill(ctx context.Context, v *signals.ValidatedSignal, agent *store.Agent, adapter broker.Adapter, result *broker.OrderResult) {
	stopLoss := result.StopLoss
	if stopLoss == 0 {
		stopLoss = v.StopLossPrice
	}
	takeProfit := result.TakeProfit
	if takeProfit == 0 {
		takeProfit = v.TakeProfitPrice
	}
	openedAt := result.OpenedAt
	if openedAt.IsZero() {
		openedAt = e.clock.Now()
	}

	position := &store.Position{
		Ticket:           result.Ticket,
		UserID:           agent.UserID,
		AgentID:          agent.ID,
		Symbol:           v.Symbol,
		Side:             result.Side,
		LotSize:          result.Volume,
		EntryPrice:       result.OpenPrice,
		CurrentPrice:     result.OpenPrice,
		StopLoss:         stopLoss,
		TakeProfit:       takeProfit,
		Status:           store.PositionOpen,
		OpenedAt:         openedAt,
		OriginalStopLoss: stopLoss,
	}
	if err := e.store.CreatePosition(ctx, position); err != nil {
		// Broker holds the position; the monitor will pick it up from the
		// live reconciliation pass even without the row.
		e.logger.Error().Err(err).Int64("ticket", result.Ticket).Msg("position row write failed")
	}
	if err := e.store.CreateTrade(ctx, &store.Trade{
		Ticket:     result.Ticket,
		UserID:     agent.UserID,
		AgentID:    agent.ID,
		Symbol:     v.Symbol,
		Side:       result.Side,
		LotSize:    result.Volume,
		EntryPrice: result.OpenPrice,
		Status:     store.PositionOpen,
		OpenedAt:   openedAt,
	}); err != nil {
		e.logger.Error().Err(err).Int64("ticket", result.Ticket).Msg("trade ledger write failed")
	}

	e.bus.PublishPositionOpened(events.PositionOpened{
		Ticket:     result.Ticket,
		UserID:     agent.UserID,
		AgentID:    agent.ID,
		Symbol:     v.Symbol,
		Side:       string(result.Side),
		LotSize:    result.Volume,
		EntryPrice: result.OpenPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Broker:     string(agent.Broker),
	})

	if err := e.gate.RecordTradeOpened(ctx); err != nil {
		e.logger.Error().Err(err).Msg("record trade opened failed")
	}

	if agent.Broker == store.BrokerMT4 && (stopLoss > 0 || takeProfit > 0) {
		go e.verifyProtectiveLevels(adapter, result.Ticket, stopLoss, takeProfit)
	}

	executedAt := e.clock.Now()
	e.terminal(ctx, v, store.SignalExecuted, store.TerminalUpdate{
		ExecutedAt:        &executedAt,
		ExecutionPrice:    &result.OpenPrice,
		ExecutionQuantity: &result.Volume,
		Ticket:            &result.Ticket,
		Broker:            string(agent.Broker),
	})
	if e.metrics != nil {
		e.metrics.PositionsOpenedTotal.WithLabelValues(string(agent.Broker)).Inc()
	}

	e.logger.Info().
		Str("signal_id", v.SignalID).
		Int64("ticket", result.Ticket).
		Str("symbol", v.Symbol).
		Str("side", string(result.Side)).
		Float64("volume", result.Volume).
		Float64("open_price", result.OpenPrice).
		Msg("order executed")
}

// verifyProtectiveLevels polls the terminal once after a short delay and
// warns when the broker did not take the requested SL/TP. Mismatches are
// not rolled back; the position monitor's application-level backstop covers
// the gap.
func (e *Executor) verifyProtectiveLevels(adapter broker.Adapter, ticket int64, wantSL, wantTP float64) {
	time.Sleep(e.cfg.SLTPVerifyDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	positions, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Int64("ticket", ticket).Msg("SL/TP verification query failed")
		return
	}

	for _, p := range positions {
		if p.Ticket != ticket {
			continue
		}
		if wantSL > 0 && !withinTolerance(p.StopLoss, wantSL, e.cfg.SLTPVerifyTolPct) {
			e.logger.Warn().
				Int64("ticket", ticket).
				Float64("want_sl", wantSL).
				Float64("got_sl", p.StopLoss).
				Msg("broker did not accept requested stop loss")
		}
		if wantTP > 0 && !withinTolerance(p.TakeProfit, wantTP, e.cfg.SLTPVerifyTolPct) {
			e.logger.Warn().
				Int64("ticket", ticket).
				Float64("want_tp", wantTP).
				Float64("got_tp", p.TakeProfit).
				Msg("broker did not accept requested take profit")
		}
		return
	}
	e.logger.Warn().Int64("ticket", ticket).Msg("ticket not found during SL/TP verification")
}

func withinTolerance(got, want, tolPct float64) bool {
	if want == 0 {
		return true
	}
	return math.Abs(got-want)/want <= tolPct
}

// ============================================================================
// TERMINAL TRANSITIONS
// ============================================================================

func (e *Executor) reject(ctx context.Context, v *signals.ValidatedSignal, reason string) {
	e.logger.Info().Str("signal_id", v.SignalID).Str("reason", reason).Msg("signal rejected")
	e.terminal(ctx, v, store.SignalRejected, store.TerminalUpdate{FailedReason: reason})
}

func (e *Executor) filtered(ctx context.Context, v *signals.ValidatedSignal, agent *store.Agent, reason string) {
	e.logger.Info().
		Str("signal_id", v.SignalID).
		Str("broker", string(agent.Broker)).
		Str("reason", reason).
		Msg("signal filtered")
	e.terminal(ctx, v, store.SignalFiltered, store.TerminalUpdate{FailedReason: reason, Broker: string(agent.Broker)})
}

func (e *Executor) failed(ctx context.Context, v *signals.ValidatedSignal, reason string) {
	e.logger.Warn().Str("signal_id", v.SignalID).Str("reason", reason).Msg("signal failed")
	e.terminal(ctx, v, store.SignalFailed, store.TerminalUpdate{FailedReason: reason})
}

func (e *Executor) terminal(ctx context.Context, v *signals.ValidatedSignal, status store.SignalStatus, upd store.TerminalUpdate) {
	ok, err := e.store.MarkSignalTerminal(ctx, v.SignalID, status, upd)
	if err != nil {
		e.logger.Error().Err(err).Str("signal_id", v.SignalID).Msg("terminal transition write failed")
		return
	}
	if !ok {
		e.logger.Error().
			Str("signal_id", v.SignalID).
			Str("status", string(status)).
			Msg("INVARIANT: signal already terminal")
		return
	}
	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(string(status)).Inc()
	}
}

// gateLabel buckets a rejection reason onto the gate that produced it.
func gateLabel(reason string) string {
	switch {
	case reason == risk.FailClosedReason:
		return "store"
	case strings.Contains(reason, "positions reached"):
		return "position"
	case strings.Contains(reason, "Cooldown"), strings.Contains(reason, "paused"):
		return "cooldown"
	case strings.Contains(reason, "Daily"):
		return "daily"
	default:
		return "other"
	}
}
