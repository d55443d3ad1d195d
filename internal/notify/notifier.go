// Package notify defines the outbound notification surface. Delivery
// transports are not part of this system; the logging implementation is the
// only one that ships, and emergency paths always have it as a sink.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier receives the events an operator must hear about.
type Notifier interface {
	// NotifyEmergency reports a portfolio-wide protective action.
	NotifyEmergency(ctx context.Context, reason string, closedPositions int) error

	// NotifyTradeClosed reports a closed trade with its outcome.
	NotifyTradeClosed(ctx context.Context, ticket int64, symbol, reason string, pnl float64) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) NotifyEmergency(_ context.Context, reason string, closedPositions int) error {
	n.logger.Error().
		Str("reason", reason).
		Int("closed_positions", closedPositions).
		Msg("EMERGENCY")
	return nil
}

func (n *LogNotifier) NotifyTradeClosed(_ context.Context, ticket int64, symbol, reason string, pnl float64) error {
	n.logger.Info().
		Int64("ticket", ticket).
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("trade closed")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
