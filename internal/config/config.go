// Package config loads the engine's static configuration: the file/env
// ingest is read once at startup, narrowed to the keys the engine actually
// consumes. Everything that changes at runtime (scoring weights, risk
// params, blacklists, the trading-enabled flag) lives in the database and
// is served through internal/configstore's Config Store snapshot instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BatchEntryConfig controls the staged entry executor's batching protocol.
type BatchEntryConfig struct {
	Enabled               bool      `json:"enabled"`
	BatchRatios           []float64 `json:"batch_ratios"`
	TimeWindowMinutes     int       `json:"time_window_minutes"`
	SamplingWindowSeconds int       `json:"sampling_window_seconds"`
	SamplingIntervalSec   int       `json:"sampling_interval_seconds"`
}

// SmartExitConfig holds the exit monitor's layered profit/loss thresholds.
type SmartExitConfig struct {
	Enabled                   bool    `json:"enabled"`
	HighProfitTrailTrigger    float64 `json:"high_profit_trail_trigger_pct"`
	HighProfitTrailRetrace    float64 `json:"high_profit_trail_retrace_pct"`
	MidProfitTrailTrigger     float64 `json:"mid_profit_trail_trigger_pct"`
	MidProfitTrailRetrace     float64 `json:"mid_profit_trail_retrace_pct"`
	QuickCloseProfitPct       float64 `json:"quick_close_profit_pct"`
	QuickCloseAgeFraction     float64 `json:"quick_close_age_fraction"`
	BreakEvenProfitTouchedPct float64 `json:"break_even_profit_touched_pct"`
	BreakEvenLowPct           float64 `json:"break_even_low_pct"`
	BreakEvenHighPct          float64 `json:"break_even_high_pct"`
	ExtensionMinutes          int     `json:"extension_minutes"`
}

// AdaptiveSideConfig holds per-side (long/short) default risk parameters
// used when a symbol has no explicit Symbol Risk Params row.
type AdaptiveSideConfig struct {
	StopLossPct            float64 `json:"stop_loss_pct"`
	TakeProfitPct          float64 `json:"take_profit_pct"`
	MinHoldingMinutes      int     `json:"min_holding_minutes"`
	MaxHoldingMinutes      int     `json:"max_holding_minutes"`
	PositionSizeMultiplier float64 `json:"position_size_multiplier"`
}

// OptimizerConfig controls the daily adaptive optimizer job.
type OptimizerConfig struct {
	Enabled bool   `json:"enabled"`
	RunAt   string `json:"run_at"` // "HH:MM" wall-clock, engine timezone
	DryRun  bool   `json:"dry_run"`
}

// ExchangeCredentials is opaque to the engine beyond what a concrete
// exchange client implementation needs; the engine never inspects it.
type ExchangeCredentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
}

// AccountConfig is the set of startup keys for one engine instance
// (either the linear/USDT-margined account or the inverse/coin-margined
// one).
type AccountConfig struct {
	AccountID          string              `json:"account_id"`
	Symbols            []string            `json:"symbols"`
	ScanIntervalSec    int                 `json:"scan_interval_seconds"`
	PositionSize       string              `json:"position_size"` // decimal string, parsed by caller
	Leverage            int                `json:"leverage"`
	MaxOpenPositions     int               `json:"max_open_positions"`
	MaxPerSymbolDirection int              `json:"max_per_symbol_direction"`
	BatchEntry           BatchEntryConfig  `json:"batch_entry"`
	SmartExit            SmartExitConfig   `json:"smart_exit"`
	CooldownMinutes      int               `json:"cooldown_minutes"`
	AdaptiveLong         AdaptiveSideConfig `json:"adaptive_long"`
	AdaptiveShort        AdaptiveSideConfig `json:"adaptive_short"`
	Optimizer            OptimizerConfig    `json:"optimizer"`
	TradingEnabled       bool               `json:"trading_enabled"`
	Credentials          ExchangeCredentials `json:"credentials"`
}

// DatabaseConfig is the Postgres connection configuration, shape borrowed
// from the teacher's db.go pool settings.
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	DBName          string        `json:"dbname"`
	SSLMode         string        `json:"sslmode"`
	MaxConns        int32         `json:"max_conns"`
	MinConns        int32         `json:"min_conns"`
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time"`
}

// RedisConfig configures the Config Cache (C13).
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// NotificationConfig configures the fan-out notifier (C14).
type NotificationConfig struct {
	Telegram struct {
		Enabled  bool   `json:"enabled"`
		BotToken string `json:"bot_token"`
		ChatID   string `json:"chat_id"`
	} `json:"telegram"`
	Discord struct {
		Enabled    bool   `json:"enabled"`
		WebhookURL string `json:"webhook_url"`
	} `json:"discord"`
}

// Config is the complete startup ingest for the process: one
// AccountConfig per engine instance plus the shared infrastructure
// sections.
type Config struct {
	Linear       AccountConfig      `json:"linear"`
	Inverse      AccountConfig      `json:"inverse"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Notification NotificationConfig `json:"notification"`
	LogLevel     string             `json:"log_level"`
	LogJSON      bool               `json:"log_json"`
}

// Load reads the config file at path (JSON, the engine does not care what
// loads it into that form upstream) and applies environment overrides, the
// same two-step pattern the teacher's config.Load uses.
func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config json: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment secrets (DB password, exchange keys)
// ride in the environment instead of the config file, matching the
// teacher's getEnvOrDefault convention.
func applyEnvOverrides(cfg *Config) {
	cfg.Database.Password = getEnvOrDefault("ENGINE_DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = getEnvOrDefault("ENGINE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Linear.Credentials.APIKey = getEnvOrDefault("ENGINE_LINEAR_API_KEY", cfg.Linear.Credentials.APIKey)
	cfg.Linear.Credentials.APISecret = getEnvOrDefault("ENGINE_LINEAR_API_SECRET", cfg.Linear.Credentials.APISecret)
	cfg.Inverse.Credentials.APIKey = getEnvOrDefault("ENGINE_INVERSE_API_KEY", cfg.Inverse.Credentials.APIKey)
	cfg.Inverse.Credentials.APISecret = getEnvOrDefault("ENGINE_INVERSE_API_SECRET", cfg.Inverse.Credentials.APISecret)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("ENGINE_TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.LogLevel = getEnvOrDefault("ENGINE_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("ENGINE_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConns = int32(n)
		}
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
