// Package position is the single owner of open-position exit management.
// A fixed-interval scanner reconciles every open position against the
// broker of record, applies the exit rule pipeline, and records results
// through the risk recorder. No other component mutates a position's exit
// fields.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scalping-engine/config"
	"scalping-engine/internal/broker"
	"scalping-engine/internal/clock"
	"scalping-engine/internal/events"
	"scalping-engine/internal/kvstore"
	"scalping-engine/internal/metrics"
	"scalping-engine/internal/notify"
	"scalping-engine/internal/signals"
	"scalping-engine/internal/store"
)

// Store is the durable surface the monitor reads and writes.
type Store interface {
	GetOpenPositions(ctx context.Context) ([]*store.Position, error)
	GetPositionByTicket(ctx context.Context, ticket int64) (*store.Position, error)
	UpdatePositionExitState(ctx context.Context, p *store.Position) error
	ClosePosition(ctx context.Context, ticket int64, status store.PositionStatus, reason string, closedAt time.Time, closePrice, profit float64) error
	CloseTrade(ctx context.Context, ticket int64, status store.PositionStatus, reason string, closedAt time.Time, exitPrice, pnl float64) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// RiskRecorder is the slice of the risk authority the monitor needs; the
// gates themselves never run here.
type RiskRecorder interface {
	RecordTradeResult(ctx context.Context, pnl float64) error
}

// SignalReader yields the latest detector call per agent for reversal
// detection.
type SignalReader interface {
	GetLatestSignal(ctx context.Context, agentID string) (*signals.LatestSignal, bool)
}

// Publisher carries the emergency channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// Manager scans open positions and applies exit management.
type Manager struct {
	cfg      config.MonitorConfig
	exitCfg  config.ExitConfig
	store    Store
	recorder RiskRecorder
	router   *broker.Router
	latest   SignalReader
	pub      Publisher
	bus      *events.EventBus
	notifier notify.Notifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   zerolog.Logger

	scanMu sync.Mutex
}

// NewManager creates the position monitor.
func NewManager(
	cfg config.MonitorConfig,
	exitCfg config.ExitConfig,
	st Store,
	recorder RiskRecorder,
	router *broker.Router,
	latest SignalReader,
	pub Publisher,
	bus *events.EventBus,
	notifier notify.Notifier,
	m *metrics.Metrics,
	clk clock.Clock,
	logger zerolog.Logger,
) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		exitCfg:  exitCfg,
		store:    st,
		recorder: recorder,
		router:   router,
		latest:   latest,
		pub:      pub,
		bus:      bus,
		notifier: notifier,
		metrics:  m,
		clock:    clk,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}

	bus.Subscribe(events.EventDropDetected, func(ev events.Event) {
		if drop, ok := ev.Data.(events.DropDetected); ok {
			mgr.HandleDrop(context.Background(), drop)
		}
	})

	return mgr
}

// Run scans on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.ScanInterval).Msg("position monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("position monitor stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan runs one pass over every open position. Reentrant scans are
// dropped; exit-field writes must stay single-flight.
func (m *Manager) Scan(ctx context.Context) {
	if !m.scanMu.TryLock() {
		return
	}
	defer m.scanMu.Unlock()

	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("open position query failed")
		return
	}
	if len(positions) == 0 {
		m.updateOpenGauges(positions)
		return
	}

	// One live snapshot per venue for the whole pass; the broker is the
	// source of truth for presence, price, and profit.
	agents := make(map[string]*store.Agent)
	live := make(map[store.Broker]map[int64]broker.Position)

	for _, p := range positions {
		agent, ok := agents[p.AgentID]
		if !ok {
			agent, err = m.store.GetAgent(ctx, p.AgentID)
			if err != nil {
				m.logger.Warn().Err(err).Str("agent_id", p.AgentID).Int64("ticket", p.Ticket).Msg("agent lookup failed, skipping position")
				continue
			}
			agents[p.AgentID] = agent
		}

		adapter, err := m.router.Get(agent.Broker)
		if err != nil {
			m.logger.Warn().Err(err).Int64("ticket", p.Ticket).Msg("no adapter for position, skipping")
			continue
		}

		snapshot, ok := live[agent.Broker]
		if !ok {
			venuePositions, err := adapter.GetOpenPositions(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Str("broker", string(agent.Broker)).Msg("live snapshot failed, skipping venue this pass")
				live[agent.Broker] = nil
				continue
			}
			snapshot = make(map[int64]broker.Position, len(venuePositions))
			for _, vp := range venuePositions {
				snapshot[vp.Ticket] = vp
			}
			live[agent.Broker] = snapshot
		}
		if snapshot == nil {
			continue
		}

		m.manage(ctx, p, adapter, snapshot)
	}

	m.updateOpenGauges(positions)
}

// manage reconciles and applies exit rules to one position.
func (m *Manager) manage(ctx context.Context, p *store.Position, adapter broker.Adapter, snapshot map[int64]broker.Position) {
	now := m.clock.Now()

	livePos, present := snapshot[p.Ticket]
	if !present {
		// Closed on the broker outside our control (manual close, broker
		// SL/TP fill). Correct the store to match and account for the last
		// known profit.
		m.logger.Info().Int64("ticket", p.Ticket).Msg("ticket gone on broker, reconciling as closed")
		m.finalizeClose(ctx, p, "mt4-already-closed", store.PositionClosed, p.CurrentPrice, p.Profit)
		return
	}

	p.CurrentPrice = livePos.CurrentPrice
	p.Profit = livePos.Profit
	m.trackHighWater(p)

	if closed := m.checkReversal(ctx, p, adapter); closed {
		return
	}

	minutesOpen := now.Sub(p.OpenedAt).Minutes()
	act := evaluateExits(p, m.exitCfg, minutesOpen)

	if act.StopMoved {
		m.pushStopMove(ctx, p, adapter, act)
	}

	if act.Close {
		m.closeOnBroker(ctx, p, adapter, act.Reason, act.Status)
		return
	}

	if err := m.store.UpdatePositionExitState(ctx, p); err != nil {
		m.logger.Warn().Err(err).Int64("ticket", p.Ticket).Msg("exit state write failed")
	}
}

// trackHighWater keeps the most favorable price seen. For buys this is
// monotone non-decreasing; for sells non-increasing.
func (m *Manager) trackHighWater(p *store.Position) {
	if p.HighestProfitPrice == 0 {
		p.HighestProfitPrice = p.EntryPrice
	}
	if p.Side == store.SideBuy {
		if p.CurrentPrice > p.HighestProfitPrice {
			p.HighestProfitPrice = p.CurrentPrice
		}
	} else if p.CurrentPrice < p.HighestProfitPrice {
		p.HighestProfitPrice = p.CurrentPrice
	}
}

// checkReversal auto-closes a position when the latest detector call for
// its agent flips direction with enough confidence. Returns true when the
// position was closed.
func (m *Manager) checkReversal(ctx context.Context, p *store.Position, adapter broker.Adapter) bool {
	sig, ok := m.latest.GetLatestSignal(ctx, p.AgentID)
	if !ok || sig.Symbol != p.Symbol {
		return false
	}
	if sig.Confidence < m.exitCfg.ReversalMinConfidence {
		return false
	}

	var reason string
	switch {
	case p.Side == store.SideBuy && sig.Recommendation == signals.RecommendSell:
		reason = "sell-signal"
	case p.Side == store.SideSell && sig.Recommendation == signals.RecommendBuy:
		reason = "buy-signal"
	default:
		return false
	}

	m.logger.Info().
		Int64("ticket", p.Ticket).
		Str("side", string(p.Side)).
		Float64("confidence", sig.Confidence).
		Msg("signal reversal, auto-closing")
	m.closeOnBroker(ctx, p, adapter, reason, store.PositionAutoClosed)
	return true
}

// pushStopMove sends a monotone stop move to the broker and publishes the
// matching event. A failed modify keeps the new stop in the store; the
// application-level backstop enforces it regardless.
func (m *Manager) pushStopMove(ctx context.Context, p *store.Position, adapter broker.Adapter, act action) {
	if err := adapter.ModifyStopLoss(ctx, p.Ticket, p.StopLoss, p.TakeProfit); err != nil {
		m.logger.Warn().Err(err).
			Int64("ticket", p.Ticket).
			Float64("new_sl", p.StopLoss).
			Msg("broker stop modify failed, app-level stop still applies")
	}

	moved := events.StopMoved{
		Ticket:      p.Ticket,
		Symbol:      p.Symbol,
		OldStopLoss: act.OldStopLoss,
		NewStopLoss: p.StopLoss,
		Progress:    act.Progress,
	}
	if act.BreakEven {
		m.bus.PublishBreakEvenActivated(moved)
	} else {
		m.bus.PublishTrailingStopUpdated(moved)
	}

	m.logger.Info().
		Int64("ticket", p.Ticket).
		Float64("old_sl", act.OldStopLoss).
		Float64("new_sl", p.StopLoss).
		Float64("progress", act.Progress).
		Bool("break_even", act.BreakEven).
		Bool("locked_75", act.Locked75).
		Msg("stop loss advanced")
}

// closeOnBroker closes the position at the venue and finalizes the store.
// An "already closed" venue response is a normal outcome carrying the last
// known profit.
func (m *Manager) closeOnBroker(ctx context.Context, p *store.Position, adapter broker.Adapter, reason string, status store.PositionStatus) {
	result, err := adapter.ClosePosition(ctx, p.Ticket, 0)
	if err != nil {
		if broker.CodeOf(err) == broker.CodeAlreadyClosed {
			m.finalizeClose(ctx, p, reason, status, p.CurrentPrice, p.Profit)
			return
		}
		// Leave the position open; the next scan retries after the
		// mandatory live reconciliation.
		m.logger.Error().Err(err).Int64("ticket", p.Ticket).Str("reason", reason).Msg("broker close failed")
		return
	}

	closePrice := result.ClosePrice
	profit := result.Profit
	if result.AlreadyClosed {
		closePrice = p.CurrentPrice
		profit = p.Profit
	}
	m.finalizeClose(ctx, p, reason, status, closePrice, profit)
}

// finalizeClose writes the terminal state, reconciles the trade ledger,
// records the result with the risk authority, and announces the close.
func (m *Manager) finalizeClose(ctx context.Context, p *store.Position, reason string, status store.PositionStatus, closePrice, profit float64) {
	closedAt := m.clock.Now()

	if err := m.store.ClosePosition(ctx, p.Ticket, status, reason, closedAt, closePrice, profit); err != nil {
		m.logger.Error().Err(err).Int64("ticket", p.Ticket).Msg("position close write failed")
		return
	}
	if err := m.store.CloseTrade(ctx, p.Ticket, status, reason, closedAt, closePrice, profit); err != nil {
		m.logger.Error().Err(err).Int64("ticket", p.Ticket).Msg("trade ledger close write failed")
	}
	if err := m.recorder.RecordTradeResult(ctx, profit); err != nil {
		m.logger.Error().Err(err).Int64("ticket", p.Ticket).Msg("trade result record failed")
	}

	p.Status = status
	p.CloseReason = reason
	p.ClosedAt = &closedAt
	p.Profit = profit

	m.bus.PublishPositionClosed(events.PositionClosed{
		Ticket:     p.Ticket,
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Profit:     profit,
		ClosePrice: closePrice,
		Reason:     reason,
	})
	if m.notifier != nil {
		_ = m.notifier.NotifyTradeClosed(ctx, p.Ticket, p.Symbol, reason, profit)
	}
	if m.metrics != nil {
		m.metrics.PositionsClosedTotal.WithLabelValues(reason).Inc()
	}

	m.logger.Info().
		Int64("ticket", p.Ticket).
		Str("reason", reason).
		Float64("profit", profit).
		Float64("close_price", closePrice).
		Msg("position closed")
}

// CloseByTicket closes one position on operator request. Used by the
// manual-close endpoint.
func (m *Manager) CloseByTicket(ctx context.Context, ticket int64, reason string) error {
	p, err := m.store.GetPositionByTicket(ctx, ticket)
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return fmt.Errorf("position %d is already %s", ticket, p.Status)
	}

	agent, err := m.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		return fmt.Errorf("agent for position %d: %w", ticket, err)
	}
	adapter, err := m.router.Get(agent.Broker)
	if err != nil {
		return err
	}

	m.closeOnBroker(ctx, p, adapter, reason, store.PositionClosed)
	if p.IsOpen() {
		return fmt.Errorf("close of %d did not complete, will retry on next scan", ticket)
	}
	return nil
}

// HandleDrop reacts to a market-drop classification. A severe drop closes
// every open buy position portfolio-wide and raises the emergency channel;
// moderate drops only tighten operator attention via the log.
func (m *Manager) HandleDrop(ctx context.Context, drop events.DropDetected) {
	if drop.Level != marketDropSevere {
		m.logger.Warn().
			Str("symbol", drop.Symbol).
			Str("level", drop.Level).
			Msg("market drop below severe, positions kept")
		return
	}

	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("emergency close: open position query failed")
		return
	}

	closed := 0
	for _, p := range positions {
		if p.Side != store.SideBuy {
			continue
		}
		agent, err := m.store.GetAgent(ctx, p.AgentID)
		if err != nil {
			m.logger.Error().Err(err).Int64("ticket", p.Ticket).Msg("emergency close: agent lookup failed")
			continue
		}
		adapter, err := m.router.Get(agent.Broker)
		if err != nil {
			m.logger.Error().Err(err).Int64("ticket", p.Ticket).Msg("emergency close: no adapter")
			continue
		}
		m.closeOnBroker(ctx, p, adapter, "market-drop", store.PositionAutoClosed)
		if !p.IsOpen() {
			closed++
		}
	}

	emergency := events.Emergency{
		Reason:          fmt.Sprintf("severe market drop on %s", drop.Symbol),
		Symbol:          drop.Symbol,
		ClosedPositions: closed,
		PriceChange:     drop.PriceChange3m,
	}
	if err := m.pub.Publish(ctx, kvstore.ChannelMT4Emergency, emergency); err != nil {
		m.logger.Error().Err(err).Msg("emergency publish failed")
	}
	m.bus.PublishEmergency(emergency)
	if m.notifier != nil {
		_ = m.notifier.NotifyEmergency(ctx, emergency.Reason, closed)
	}

	m.logger.Error().
		Str("symbol", drop.Symbol).
		Int("closed", closed).
		Float64("change_3m", drop.PriceChange3m).
		Msg("severe market drop handled")
}

// marketDropSevere mirrors the detector's severe level without importing
// the detector package.
const marketDropSevere = "severe"

func (m *Manager) updateOpenGauges(positions []*store.Position) {
	if m.metrics == nil {
		return
	}
	var buys, sells int
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		if p.Side == store.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	m.metrics.OpenPositions.WithLabelValues(string(store.SideBuy)).Set(float64(buys))
	m.metrics.OpenPositions.WithLabelValues(string(store.SideSell)).Set(float64(sells))
}
