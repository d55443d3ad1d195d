package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository provides data access for the durable entities.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository instance
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck verifies database connectivity
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// AGENTS
// ============================================================================

// CreateAgent inserts an agent record.
func (r *Repository) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, user_id, broker, category, is_active, allowed_signal_categories)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		agent.ID, agent.UserID, agent.Broker, agent.Category, agent.IsActive, agent.AllowedSignalCategories,
	).Scan(&agent.CreatedAt, &agent.UpdatedAt)
}

// GetAgent retrieves an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, user_id, broker, category, is_active, allowed_signal_categories, created_at, updated_at
		FROM agents
		WHERE id = $1
	`
	agent := &Agent{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&agent.ID, &agent.UserID, &agent.Broker, &agent.Category, &agent.IsActive,
		&agent.AllowedSignalCategories, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return agent, nil
}

// GetActiveAgents retrieves all active agents.
func (r *Repository) GetActiveAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, user_id, broker, category, is_active, allowed_signal_categories, created_at, updated_at
		FROM agents
		WHERE is_active = TRUE
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		err := rows.Scan(
			&agent.ID, &agent.UserID, &agent.Broker, &agent.Category, &agent.IsActive,
			&agent.AllowedSignalCategories, &agent.CreatedAt, &agent.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `id, ticket, user_id, agent_id, symbol, side, lot_size, entry_price,
	current_price, stop_loss, take_profit, status, opened_at, closed_at, close_reason,
	break_even_activated, trailing_stop_activated, highest_profit_price, original_stop_loss,
	one_to_one_locked, profit_locked_75, profit, created_at, updated_at`

// CreatePosition inserts a new position
func (r *Repository) CreatePosition(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO positions (ticket, user_id, agent_id, symbol, side, lot_size, entry_price,
			current_price, stop_loss, take_profit, status, opened_at, original_stop_loss)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		p.Ticket, p.UserID, p.AgentID, p.Symbol, p.Side, p.LotSize, p.EntryPrice,
		p.CurrentPrice, p.StopLoss, p.TakeProfit, p.Status, p.OpenedAt, p.OriginalStopLoss,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// UpdatePositionExitState persists the exit-management fields the monitor
// owns: prices, stop loss, activation flags, and profit.
func (r *Repository) UpdatePositionExitState(ctx context.Context, p *Position) error {
	query := `
		UPDATE positions
		SET current_price = $2, stop_loss = $3, break_even_activated = $4,
			trailing_stop_activated = $5, highest_profit_price = $6,
			one_to_one_locked = $7, profit_locked_75 = $8, profit = $9, updated_at = NOW()
		WHERE ticket = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		p.Ticket, p.CurrentPrice, p.StopLoss, p.BreakEvenActivated,
		p.TrailingStopActivated, p.HighestProfitPrice,
		p.OneToOneLocked, p.ProfitLocked75, p.Profit,
	)
	return err
}

// ClosePosition marks a position terminal. It only transitions open rows so
// a duplicate close is a no-op.
func (r *Repository) ClosePosition(ctx context.Context, ticket int64, status PositionStatus, reason string, closedAt time.Time, closePrice, profit float64) error {
	query := `
		UPDATE positions
		SET status = $2, close_reason = $3, closed_at = $4, current_price = $5, profit = $6, updated_at = NOW()
		WHERE ticket = $1 AND status = 'open'
	`
	_, err := r.db.Pool.Exec(ctx, query, ticket, status, reason, closedAt, closePrice, profit)
	return err
}

// GetPositionByTicket retrieves a position by its broker ticket.
func (r *Repository) GetPositionByTicket(ctx context.Context, ticket int64) (*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE ticket = $1`, positionColumns)
	rows, err := r.queryPositions(ctx, query, ticket)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// GetOpenPositions retrieves all open positions across users.
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE status = 'open' ORDER BY opened_at`, positionColumns)
	return r.queryPositions(ctx, query)
}

// GetOpenPositionsByUser retrieves open positions for one user.
func (r *Repository) GetOpenPositionsByUser(ctx context.Context, userID string) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE user_id = $1 AND status = 'open' ORDER BY opened_at`, positionColumns)
	return r.queryPositions(ctx, query, userID)
}

// GetPositionHistory retrieves closed positions with pagination.
func (r *Repository) GetPositionHistory(ctx context.Context, limit, offset int) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM positions
		WHERE status != 'open'
		ORDER BY closed_at DESC NULLS LAST
		LIMIT $1 OFFSET $2`, positionColumns)
	return r.queryPositions(ctx, query, limit, offset)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p := &Position{}
		err := rows.Scan(
			&p.ID, &p.Ticket, &p.UserID, &p.AgentID, &p.Symbol, &p.Side, &p.LotSize, &p.EntryPrice,
			&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.Status, &p.OpenedAt, &p.ClosedAt, &p.CloseReason,
			&p.BreakEvenActivated, &p.TrailingStopActivated, &p.HighestProfitPrice, &p.OriginalStopLoss,
			&p.OneToOneLocked, &p.ProfitLocked75, &p.Profit, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts the ledger row for a newly opened position.
func (r *Repository) CreateTrade(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (ticket, user_id, agent_id, symbol, side, lot_size, entry_price, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		t.Ticket, t.UserID, t.AgentID, t.Symbol, t.Side, t.LotSize, t.EntryPrice, t.Status, t.OpenedAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// CloseTrade reconciles the ledger row for a closed ticket.
func (r *Repository) CloseTrade(ctx context.Context, ticket int64, status PositionStatus, reason string, closedAt time.Time, exitPrice, pnl float64) error {
	query := `
		UPDATE trades
		SET status = $2, close_reason = $3, closed_at = $4, exit_price = $5, pnl = $6, updated_at = NOW()
		WHERE ticket = $1 AND status = 'open'
	`
	_, err := r.db.Pool.Exec(ctx, query, ticket, status, reason, closedAt, exitPrice, pnl)
	return err
}

// GetTradesByUser retrieves the trade ledger for a user, newest first.
func (r *Repository) GetTradesByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	query := `
		SELECT id, ticket, user_id, agent_id, symbol, side, lot_size, entry_price, exit_price,
		       pnl, status, close_reason, opened_at, closed_at, created_at, updated_at
		FROM trades
		WHERE user_id = $1
		ORDER BY opened_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		err := rows.Scan(
			&t.ID, &t.Ticket, &t.UserID, &t.AgentID, &t.Symbol, &t.Side, &t.LotSize, &t.EntryPrice,
			&t.ExitPrice, &t.PnL, &t.Status, &t.CloseReason, &t.OpenedAt, &t.ClosedAt,
			&t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// DAILY TRADING STATS
// ============================================================================

const dailyStatsColumns = `id, date, total_trades, win_count, loss_count, total_pnl,
	consecutive_losses, max_consecutive_losses, last_trade_time, last_trade_result,
	is_paused, pause_reason, pause_until, created_at, updated_at`

// GetOrCreateDailyStats returns the stats document for a UTC date, creating
// an empty one on first touch. Creation is idempotent under concurrency via
// the unique date index.
func (r *Repository) GetOrCreateDailyStats(ctx context.Context, date string) (*DailyTradingStats, error) {
	insert := `
		INSERT INTO daily_trading_stats (date)
		VALUES ($1)
		ON CONFLICT (date) DO NOTHING
	`
	if _, err := r.db.Pool.Exec(ctx, insert, date); err != nil {
		return nil, fmt.Errorf("create daily stats: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM daily_trading_stats WHERE date = $1`, dailyStatsColumns)
	stats := &DailyTradingStats{}
	err := r.db.Pool.QueryRow(ctx, query, date).Scan(
		&stats.ID, &stats.Date, &stats.TotalTrades, &stats.WinCount, &stats.LossCount, &stats.TotalPnL,
		&stats.ConsecutiveLosses, &stats.MaxConsecutiveLosses, &stats.LastTradeTime, &stats.LastTradeResult,
		&stats.IsPaused, &stats.PauseReason, &stats.PauseUntil, &stats.CreatedAt, &stats.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("load daily stats: %w", err)
	}
	return stats, nil
}

// UpdateDailyStats persists the full mutable state of a stats document.
func (r *Repository) UpdateDailyStats(ctx context.Context, stats *DailyTradingStats) error {
	query := `
		UPDATE daily_trading_stats
		SET total_trades = $2, win_count = $3, loss_count = $4, total_pnl = $5,
			consecutive_losses = $6, max_consecutive_losses = $7, last_trade_time = $8,
			last_trade_result = $9, is_paused = $10, pause_reason = $11, pause_until = $12,
			updated_at = NOW()
		WHERE date = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		stats.Date, stats.TotalTrades, stats.WinCount, stats.LossCount, stats.TotalPnL,
		stats.ConsecutiveLosses, stats.MaxConsecutiveLosses, stats.LastTradeTime,
		stats.LastTradeResult, stats.IsPaused, stats.PauseReason, stats.PauseUntil,
	)
	return err
}

// ============================================================================
// SIGNAL LOGS
// ============================================================================

// CreateSignalLog inserts a PENDING row for a newly accepted signal.
func (r *Repository) CreateSignalLog(ctx context.Context, sl *SignalLog) error {
	if sl.Status == "" {
		sl.Status = SignalPending
	}
	query := `
		INSERT INTO signal_logs (signal_id, agent_id, symbol, recommendation, category, broker, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		sl.SignalID, sl.AgentID, sl.Symbol, sl.Recommendation, sl.Category, sl.Broker, sl.Status,
	).Scan(&sl.ID, &sl.CreatedAt, &sl.UpdatedAt)
}

// TerminalUpdate carries the optional execution details recorded with a
// terminal transition.
type TerminalUpdate struct {
	FailedReason      string
	ExecutedAt        *time.Time
	ExecutionPrice    *float64
	ExecutionQuantity *float64
	Ticket            *int64
	Broker            string
}

// MarkSignalTerminal transitions a signal from PENDING to a terminal status.
// It returns false when the row was already terminal, which callers treat as
// an invariant violation worth logging.
func (r *Repository) MarkSignalTerminal(ctx context.Context, signalID string, status SignalStatus, upd TerminalUpdate) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	query := `
		UPDATE signal_logs
		SET status = $2, failed_reason = $3, executed_at = $4, execution_price = $5,
			execution_quantity = $6, ticket = $7,
			broker = CASE WHEN $8 = '' THEN broker ELSE $8 END,
			updated_at = NOW()
		WHERE signal_id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Pool.Exec(
		ctx, query,
		signalID, status, upd.FailedReason, upd.ExecutedAt, upd.ExecutionPrice,
		upd.ExecutionQuantity, upd.Ticket, upd.Broker,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetSignalLogs retrieves signal logs, optionally filtered by status
// and agent, newest first.
func (r *Repository) GetSignalLogs(ctx context.Context, status SignalStatus, agentID string, limit int) ([]*SignalLog, error) {
	query := `
		SELECT id, signal_id, agent_id, symbol, recommendation, category, broker, status,
		       failed_reason, executed_at, execution_price, execution_quantity, ticket,
		       created_at, updated_at
		FROM signal_logs
	`
	var conds []string
	var args []interface{}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*SignalLog
	for rows.Next() {
		sl := &SignalLog{}
		err := rows.Scan(
			&sl.ID, &sl.SignalID, &sl.AgentID, &sl.Symbol, &sl.Recommendation, &sl.Category,
			&sl.Broker, &sl.Status, &sl.FailedReason, &sl.ExecutedAt, &sl.ExecutionPrice,
			&sl.ExecutionQuantity, &sl.Ticket, &sl.CreatedAt, &sl.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, sl)
	}
	return logs, rows.Err()
}
