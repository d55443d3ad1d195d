// Package store persists the durable state of the engine: agents, positions,
// the trade ledger, daily trading stats, and the signal audit log.
package store

import "time"

// Broker identifies the venue an agent routes orders to.
type Broker string

const (
	BrokerMT4     Broker = "MT4"
	BrokerOKX     Broker = "OKX"
	BrokerBinance Broker = "BINANCE"
)

// Valid reports whether b names a supported venue.
func (b Broker) Valid() bool {
	switch b {
	case BrokerMT4, BrokerOKX, BrokerBinance:
		return true
	}
	return false
}

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known direction.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PositionStatus is the lifecycle state of a position. closed and
// auto-closed are terminal; there is no re-opening.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionAutoClosed PositionStatus = "auto-closed"
)

// SignalStatus is the lifecycle state of a signal log row.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalFiltered SignalStatus = "FILTERED"
	SignalRejected SignalStatus = "REJECTED"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalFailed   SignalStatus = "FAILED"
)

// IsTerminal reports whether the status ends a signal's lifecycle.
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case SignalFiltered, SignalRejected, SignalExecuted, SignalFailed:
		return true
	}
	return false
}

// TradeResult records the sign of the last closed trade for cooldown
// selection.
type TradeResult string

const (
	TradeResultWin  TradeResult = "WIN"
	TradeResultLoss TradeResult = "LOSS"
	TradeResultNone TradeResult = ""
)

// Agent is a configured trading strategy instance tied to a user and a
// broker. Immutable for the duration of one decision.
type Agent struct {
	ID                      string    `json:"id"`
	UserID                  string    `json:"user_id"`
	Broker                  Broker    `json:"broker"`
	Category                string    `json:"category"`
	IsActive                bool      `json:"is_active"`
	AllowedSignalCategories []string  `json:"allowed_signal_categories"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Position is an open or closed broker position plus the exit-management
// flags the monitor maintains. The executor creates positions; only the
// position monitor mutates the exit fields.
type Position struct {
	ID           int64          `json:"id"`
	Ticket       int64          `json:"ticket"`
	UserID       string         `json:"user_id"`
	AgentID      string         `json:"agent_id"`
	Symbol       string         `json:"symbol"`
	Side         Side           `json:"side"`
	LotSize      float64        `json:"lot_size"`
	EntryPrice   float64        `json:"entry_price"`
	CurrentPrice float64        `json:"current_price"`
	StopLoss     float64        `json:"stop_loss"`
	TakeProfit   float64        `json:"take_profit"`
	Status       PositionStatus `json:"status"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	CloseReason  string         `json:"close_reason,omitempty"`

	BreakEvenActivated    bool    `json:"break_even_activated"`
	TrailingStopActivated bool    `json:"trailing_stop_activated"`
	HighestProfitPrice    float64 `json:"highest_profit_price"`
	OriginalStopLoss      float64 `json:"original_stop_loss"`
	OneToOneLocked        bool    `json:"one_to_one_locked"`
	ProfitLocked75        bool    `json:"profit_locked_75"`
	Profit                float64 `json:"profit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Trade is the ledger row mirroring a position for downstream accounting,
// keyed by ticket.
type Trade struct {
	ID          int64      `json:"id"`
	Ticket      int64      `json:"ticket"`
	UserID      string     `json:"user_id"`
	AgentID     string     `json:"agent_id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	LotSize     float64    `json:"lot_size"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	PnL         *float64   `json:"pnl,omitempty"`
	Status      PositionStatus `json:"status"`
	CloseReason string     `json:"close_reason,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DailyTradingStats is one document per UTC date. Only the risk authority
// mutates it, always under its daily-stats lock.
type DailyTradingStats struct {
	ID                   int64       `json:"id"`
	Date                 string      `json:"date"` // YYYY-MM-DD, UTC
	TotalTrades          int         `json:"total_trades"`
	WinCount             int         `json:"win_count"`
	LossCount            int         `json:"loss_count"`
	TotalPnL             float64     `json:"total_pnl"`
	ConsecutiveLosses    int         `json:"consecutive_losses"`
	MaxConsecutiveLosses int         `json:"max_consecutive_losses"`
	LastTradeTime        *time.Time  `json:"last_trade_time,omitempty"`
	LastTradeResult      TradeResult `json:"last_trade_result,omitempty"`
	IsPaused             bool        `json:"is_paused"`
	PauseReason          string      `json:"pause_reason,omitempty"`
	PauseUntil           *time.Time  `json:"pause_until,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// DateKey formats t as the UTC date key used by DailyTradingStats.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SignalLog is the audit trail for one signal, from PENDING to exactly one
// terminal status.
type SignalLog struct {
	ID                int64        `json:"id"`
	SignalID          string       `json:"signal_id"`
	AgentID           string       `json:"agent_id"`
	Symbol            string       `json:"symbol"`
	Recommendation    string       `json:"recommendation"`
	Category          string       `json:"category"`
	Broker            string       `json:"broker,omitempty"`
	Status            SignalStatus `json:"status"`
	FailedReason      string       `json:"failed_reason,omitempty"`
	ExecutedAt        *time.Time   `json:"executed_at,omitempty"`
	ExecutionPrice    *float64     `json:"execution_price,omitempty"`
	ExecutionQuantity *float64     `json:"execution_quantity,omitempty"`
	Ticket            *int64       `json:"ticket,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}
