package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RiskConfig      RiskConfig      `json:"risk"`
	ExitConfig      ExitConfig      `json:"exits"`
	ValidatorConfig ValidatorConfig `json:"validator"`
	QueueConfig     QueueConfig     `json:"queue"`
	ExecutorConfig  ExecutorConfig  `json:"executor"`
	MonitorConfig   MonitorConfig   `json:"monitor"`
	DropConfig      DropConfig      `json:"drop_detector"`
	FeedConfig      FeedConfig      `json:"price_feed"`
	MT4Config       MT4Config       `json:"mt4"`
	OKXConfig       OKXConfig       `json:"okx"`
	BinanceConfig   BinanceConfig   `json:"binance"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// RiskConfig holds the pre-trade gates and sizing limits enforced by the
// risk authority. All amounts are USD, all durations minutes.
type RiskConfig struct {
	MaxBuyPositions   int `json:"max_buy_positions"`
	MaxSellPositions  int `json:"max_sell_positions"`
	MaxTotalPositions int `json:"max_total_positions"`

	MinMinutesBetweenTrades        int `json:"min_minutes_between_trades"`
	CooldownAfterLossMin           int `json:"cooldown_after_loss_min"`
	CooldownAfterConsecLossesMin   int `json:"cooldown_after_consec_losses_min"`

	MaxDailyLossUSD      float64 `json:"max_daily_loss_usd"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`

	MaxRiskPerTradeUSD float64 `json:"max_risk_per_trade_usd"`
	MinLotSize         float64 `json:"min_lot_size"`
	MaxLotSize         float64 `json:"max_lot_size"`
	PointValuePerLot   float64 `json:"point_value_per_lot"`

	MinConfidenceForWeak float64 `json:"min_confidence_for_weak"`
}

// ExitConfig holds the exit-management geometry applied by the position
// monitor. Point-based values are the fallback when a position has no take
// profit; percentage values drive the primary trailing path.
type ExitConfig struct {
	EarlyExitLossPoints float64 `json:"early_exit_loss_points"`
	BreakevenPoints     float64 `json:"breakeven_points"`
	TrailStartPoints    float64 `json:"trail_start_points"`
	TrailDistancePoints float64 `json:"trail_distance_points"`
	MaxPositionMinutes  int     `json:"max_position_minutes"`

	TrailBreakevenPct     float64 `json:"trail_breakeven_pct"`
	TrailLockPct          float64 `json:"trail_lock_pct"`
	TrailLockAmount       float64 `json:"trail_lock_amount"`
	BreakevenBufferPoints float64 `json:"breakeven_buffer_points"`

	OneToOneLockProfitPct float64 `json:"one_to_one_lock_profit_pct"`

	TimeExitSlowMinutes     int     `json:"time_exit_slow_minutes"`
	TimeExitSlowMinProgress float64 `json:"time_exit_slow_min_progress"`
	TimeExitMaxMinutes      int     `json:"time_exit_max_minutes"`

	ReversalMinConfidence float64 `json:"reversal_min_confidence"`
}

// ValidatorConfig holds SL/TP normalization and sizing-by-class settings.
type ValidatorConfig struct {
	MaxStopLossPoints     float64 `json:"max_stop_loss_points"`
	DefaultStopLossPoints float64 `json:"default_stop_loss_points"`
	RiskRewardRatio       float64 `json:"risk_reward_ratio"`
	BasePositionSizeUSD   float64 `json:"base_position_size_usd"`
	SafeMultiplier        float64 `json:"safe_multiplier"`
	ModerateMultiplier    float64 `json:"moderate_multiplier"`
	RiskyMultiplier       float64 `json:"risky_multiplier"`
}

type QueueConfig struct {
	DrainBatchSize int `json:"drain_batch_size"`
}

type ExecutorConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`
	SLTPVerifyDelay   time.Duration `json:"sltp_verify_delay"`
	SLTPVerifyTolPct  float64       `json:"sltp_verify_tol_pct"`
}

type MonitorConfig struct {
	ScanInterval time.Duration `json:"scan_interval"`
}

type DropConfig struct {
	TickInterval     time.Duration `json:"tick_interval"`
	AlertCooldown    time.Duration `json:"alert_cooldown"`
	BufferSize       int           `json:"buffer_size"`
	SevereDropPct    float64       `json:"severe_drop_pct"`
	ModerateDropPct  float64       `json:"moderate_drop_pct"`
	MaxStoredAlerts  int           `json:"max_stored_alerts"`
}

type FeedConfig struct {
	Enabled   bool              `json:"enabled"`
	WSBaseURL string            `json:"ws_base_url"`
	Symbols   []string          `json:"symbols"`
	// SymbolMap translates upstream stream symbols to broker symbols,
	// e.g. BTCUSDT -> BTCUSD for the MT4 bridge.
	SymbolMap map[string]string `json:"symbol_map"`
}

// MT4SymbolSpec carries the bridge-side contract parameters needed for lot
// sizing and margin pre-checks.
type MT4SymbolSpec struct {
	ContractSize float64 `json:"contract_size"`
	Leverage     float64 `json:"leverage"`
}

type MT4Config struct {
	BridgeURL string                   `json:"bridge_url"`
	Symbols   map[string]MT4SymbolSpec `json:"symbols"`
}

type OKXConfig struct {
	BaseURL          string  `json:"base_url"`
	MinOrderValueUSD float64 `json:"min_order_value_usd"`
	Simulated        bool    `json:"simulated"`
	// Instruments maps internal symbols to OKX instrument IDs,
	// e.g. BTCUSD -> BTC-USDT.
	Instruments map[string]string `json:"instruments"`
}

type BinanceConfig struct {
	BaseURL string `json:"base_url"`
	TestNet bool   `json:"testnet"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	// IngestKeyHash is the bcrypt hash of the API key external detectors
	// present when posting candidate signals.
	IngestKeyHash string `json:"ingest_key_hash"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Output     string `json:"output"` // stdout, stderr
	JSONFormat bool   `json:"json_format"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration with every tunable at its documented
// default. Env overrides and config.json are layered on top of this.
func Default() *Config {
	return &Config{
		RiskConfig: RiskConfig{
			MaxBuyPositions:              1,
			MaxSellPositions:             1,
			MaxTotalPositions:            2,
			MinMinutesBetweenTrades:      15,
			CooldownAfterLossMin:         30,
			CooldownAfterConsecLossesMin: 60,
			MaxDailyLossUSD:              100,
			MaxDailyTrades:               40,
			MaxConsecutiveLosses:         3,
			MaxRiskPerTradeUSD:           15,
			MinLotSize:                   0.01,
			MaxLotSize:                   0.20,
			PointValuePerLot:             1.0,
			MinConfidenceForWeak:         60,
		},
		ExitConfig: ExitConfig{
			EarlyExitLossPoints:     80,
			BreakevenPoints:         40,
			TrailStartPoints:        50,
			TrailDistancePoints:     30,
			MaxPositionMinutes:      45,
			TrailBreakevenPct:       0.50,
			TrailLockPct:            0.75,
			TrailLockAmount:         0.50,
			BreakevenBufferPoints:   5,
			OneToOneLockProfitPct:   0.50,
			TimeExitSlowMinutes:     15,
			TimeExitSlowMinProgress: 0.25,
			TimeExitMaxMinutes:      30,
			ReversalMinConfidence:   60,
		},
		ValidatorConfig: ValidatorConfig{
			MaxStopLossPoints:     200,
			DefaultStopLossPoints: 150,
			RiskRewardRatio:       1.5,
			BasePositionSizeUSD:   100,
			SafeMultiplier:        1.0,
			ModerateMultiplier:    0.7,
			RiskyMultiplier:       0.4,
		},
		QueueConfig: QueueConfig{
			DrainBatchSize: 10,
		},
		ExecutorConfig: ExecutorConfig{
			TickInterval:     1 * time.Second,
			SLTPVerifyDelay:  1 * time.Second,
			SLTPVerifyTolPct: 0.001,
		},
		MonitorConfig: MonitorConfig{
			ScanInterval: 10 * time.Second,
		},
		DropConfig: DropConfig{
			TickInterval:    10 * time.Second,
			AlertCooldown:   60 * time.Second,
			BufferSize:      60,
			SevereDropPct:   -5.0,
			ModerateDropPct: -2.0,
			MaxStoredAlerts: 100,
		},
		FeedConfig: FeedConfig{
			Enabled:   true,
			WSBaseURL: "wss://stream.binance.com:9443",
			Symbols:   []string{"BTCUSDT"},
			SymbolMap: map[string]string{"BTCUSDT": "BTCUSD"},
		},
		MT4Config: MT4Config{
			BridgeURL: "http://localhost:5000",
			Symbols: map[string]MT4SymbolSpec{
				"BTCUSD": {ContractSize: 1.0, Leverage: 100},
			},
		},
		OKXConfig: OKXConfig{
			BaseURL:          "https://www.okx.com",
			MinOrderValueUSD: 20,
			Instruments: map[string]string{
				"BTCUSD": "BTC-USDT",
				"ETHUSD": "ETH-USDT",
			},
		},
		BinanceConfig: BinanceConfig{
			BaseURL: "https://api.binance.com",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "scalping",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "scalping-engine/brokers",
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 30,
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 15 * time.Minute,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Risk gates
	cfg.RiskConfig.MaxBuyPositions = getEnvIntOrDefault("RISK_MAX_BUY_POSITIONS", cfg.RiskConfig.MaxBuyPositions)
	cfg.RiskConfig.MaxSellPositions = getEnvIntOrDefault("RISK_MAX_SELL_POSITIONS", cfg.RiskConfig.MaxSellPositions)
	cfg.RiskConfig.MaxTotalPositions = getEnvIntOrDefault("RISK_MAX_TOTAL_POSITIONS", cfg.RiskConfig.MaxTotalPositions)
	cfg.RiskConfig.MinMinutesBetweenTrades = getEnvIntOrDefault("RISK_MIN_MINUTES_BETWEEN_TRADES", cfg.RiskConfig.MinMinutesBetweenTrades)
	cfg.RiskConfig.CooldownAfterLossMin = getEnvIntOrDefault("RISK_COOLDOWN_AFTER_LOSS_MIN", cfg.RiskConfig.CooldownAfterLossMin)
	cfg.RiskConfig.CooldownAfterConsecLossesMin = getEnvIntOrDefault("RISK_COOLDOWN_AFTER_CONSEC_LOSSES_MIN", cfg.RiskConfig.CooldownAfterConsecLossesMin)
	cfg.RiskConfig.MaxDailyLossUSD = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_USD", cfg.RiskConfig.MaxDailyLossUSD)
	cfg.RiskConfig.MaxDailyTrades = getEnvIntOrDefault("RISK_MAX_DAILY_TRADES", cfg.RiskConfig.MaxDailyTrades)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.RiskConfig.MaxConsecutiveLosses)
	cfg.RiskConfig.MaxRiskPerTradeUSD = getEnvFloatOrDefault("RISK_MAX_RISK_PER_TRADE_USD", cfg.RiskConfig.MaxRiskPerTradeUSD)
	cfg.RiskConfig.MinLotSize = getEnvFloatOrDefault("RISK_MIN_LOT_SIZE", cfg.RiskConfig.MinLotSize)
	cfg.RiskConfig.MaxLotSize = getEnvFloatOrDefault("RISK_MAX_LOT_SIZE", cfg.RiskConfig.MaxLotSize)
	cfg.RiskConfig.MinConfidenceForWeak = getEnvFloatOrDefault("RISK_MIN_CONFIDENCE_FOR_WEAK", cfg.RiskConfig.MinConfidenceForWeak)

	// Validator
	cfg.ValidatorConfig.MaxStopLossPoints = getEnvFloatOrDefault("VALIDATOR_MAX_SL_POINTS", cfg.ValidatorConfig.MaxStopLossPoints)
	cfg.ValidatorConfig.DefaultStopLossPoints = getEnvFloatOrDefault("VALIDATOR_DEFAULT_SL_POINTS", cfg.ValidatorConfig.DefaultStopLossPoints)
	cfg.ValidatorConfig.RiskRewardRatio = getEnvFloatOrDefault("VALIDATOR_RR_RATIO", cfg.ValidatorConfig.RiskRewardRatio)
	cfg.ValidatorConfig.BasePositionSizeUSD = getEnvFloatOrDefault("VALIDATOR_BASE_POSITION_USD", cfg.ValidatorConfig.BasePositionSizeUSD)

	// Intervals
	cfg.ExecutorConfig.TickInterval = getEnvDurationOrDefault("EXECUTOR_TICK_INTERVAL", cfg.ExecutorConfig.TickInterval)
	cfg.MonitorConfig.ScanInterval = getEnvDurationOrDefault("MONITOR_SCAN_INTERVAL", cfg.MonitorConfig.ScanInterval)
	cfg.DropConfig.TickInterval = getEnvDurationOrDefault("DROP_TICK_INTERVAL", cfg.DropConfig.TickInterval)
	cfg.DropConfig.AlertCooldown = getEnvDurationOrDefault("DROP_ALERT_COOLDOWN", cfg.DropConfig.AlertCooldown)

	// Price feed
	cfg.FeedConfig.Enabled = getEnvOrDefault("FEED_ENABLED", boolString(cfg.FeedConfig.Enabled)) == "true"
	cfg.FeedConfig.WSBaseURL = getEnvOrDefault("FEED_WS_BASE_URL", cfg.FeedConfig.WSBaseURL)
	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		cfg.FeedConfig.Symbols = splitAndTrim(v)
	}

	// Brokers
	cfg.MT4Config.BridgeURL = getEnvOrDefault("MT4_BRIDGE_URL", cfg.MT4Config.BridgeURL)
	cfg.OKXConfig.BaseURL = getEnvOrDefault("OKX_BASE_URL", cfg.OKXConfig.BaseURL)
	cfg.OKXConfig.MinOrderValueUSD = getEnvFloatOrDefault("OKX_MIN_ORDER_VALUE_USD", cfg.OKXConfig.MinOrderValueUSD)
	cfg.OKXConfig.Simulated = getEnvOrDefault("OKX_SIMULATED", boolString(cfg.OKXConfig.Simulated)) == "true"
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolString(cfg.BinanceConfig.TestNet)) == "true"

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolString(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.IngestKeyHash = getEnvOrDefault("AUTH_INGEST_KEY_HASH", cfg.AuthConfig.IngestKeyHash)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"
}

func (c *Config) validate() error {
	if c.RiskConfig.MaxTotalPositions < c.RiskConfig.MaxBuyPositions ||
		c.RiskConfig.MaxTotalPositions < c.RiskConfig.MaxSellPositions {
		return fmt.Errorf("config: max_total_positions must cover per-direction limits")
	}
	if c.RiskConfig.MinLotSize <= 0 || c.RiskConfig.MaxLotSize < c.RiskConfig.MinLotSize {
		return fmt.Errorf("config: invalid lot size bounds [%v, %v]", c.RiskConfig.MinLotSize, c.RiskConfig.MaxLotSize)
	}
	if c.ValidatorConfig.RiskRewardRatio <= 0 {
		return fmt.Errorf("config: risk_reward_ratio must be positive")
	}
	if c.ExitConfig.TrailLockPct <= c.ExitConfig.TrailBreakevenPct {
		return fmt.Errorf("config: trail_lock_pct must exceed trail_breakeven_pct")
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("config: auth enabled without AUTH_JWT_SECRET")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
