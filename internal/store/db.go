package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"scalping-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "DB").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to postgres")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Agents are externally managed strategy instances.
		`CREATE TABLE IF NOT EXISTS agents (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			broker VARCHAR(10) NOT NULL,
			category VARCHAR(50) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			allowed_signal_categories TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id)`,

		// Positions carry the exit-management state the monitor maintains.
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			ticket BIGINT NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			lot_size DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(12) NOT NULL DEFAULT 'open',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			close_reason VARCHAR(50) NOT NULL DEFAULT '',
			break_even_activated BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_stop_activated BOOLEAN NOT NULL DEFAULT FALSE,
			highest_profit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			original_stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			one_to_one_locked BOOLEAN NOT NULL DEFAULT FALSE,
			profit_locked_75 BOOLEAN NOT NULL DEFAULT FALSE,
			profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_ticket ON positions(ticket)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)`,

		// Trades mirror positions for downstream accounting.
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			ticket BIGINT NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			lot_size DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			pnl DECIMAL(20, 8),
			status VARCHAR(12) NOT NULL DEFAULT 'open',
			close_reason VARCHAR(50) NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ticket ON trades(ticket)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_id ON trades(user_id)`,

		// One stats document per UTC date, mutated only by the risk authority.
		`CREATE TABLE IF NOT EXISTS daily_trading_stats (
			id BIGSERIAL PRIMARY KEY,
			date VARCHAR(10) NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			win_count INTEGER NOT NULL DEFAULT 0,
			loss_count INTEGER NOT NULL DEFAULT 0,
			total_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			max_consecutive_losses INTEGER NOT NULL DEFAULT 0,
			last_trade_time TIMESTAMPTZ,
			last_trade_result VARCHAR(8) NOT NULL DEFAULT '',
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason VARCHAR(100) NOT NULL DEFAULT '',
			pause_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_stats_date ON daily_trading_stats(date)`,

		// Signal logs are the audit trail; one row per signal.
		`CREATE TABLE IF NOT EXISTS signal_logs (
			id BIGSERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			recommendation VARCHAR(8) NOT NULL,
			category VARCHAR(50) NOT NULL DEFAULT '',
			broker VARCHAR(10) NOT NULL DEFAULT '',
			status VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			failed_reason TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ,
			execution_price DECIMAL(20, 8),
			execution_quantity DECIMAL(20, 8),
			ticket BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signal_logs_signal_id ON signal_logs(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_logs_status ON signal_logs(status)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
