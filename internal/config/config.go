package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Mode
	LiveMode bool
	Debug    bool

	// Capital & risk limits
	Capital          decimal.Decimal
	MaxOpenTrades    int
	MaxLossPerTrade  decimal.Decimal // fraction of capital, e.g. 0.02
	MaxPortfolioRisk decimal.Decimal // fraction of capital, e.g. 0.20
	DailyLossLimit   decimal.Decimal // fraction of capital, e.g. 0.05
	LiquidityCap     decimal.Decimal // fraction of 24h volume, e.g. 0.005

	// Scanner
	MinVolume24h     decimal.Decimal
	MinMomentumScore int
	MinATRPct1m      float64
	PrefilterTopK    int
	TPMult           float64
	SLMult           float64
	SessionConfig    string // path to session affinity yaml; empty = defaults

	// Closer
	MaxHoldMinutes    int
	FastExitMinutes   int
	FastExitThreshold float64 // abs pnl pct under which FAST_DISCARD fires
	CloserInterval    time.Duration
	CloserWorkers     int
	CloserStagger     time.Duration
	NewsBlackoutMin   int
	NewsCalendarPath  string // blackout windows yaml; empty = no blackouts

	// Scanner cadence
	ScanInterval time.Duration

	// Venue
	BinanceRESTURL string
	BinanceWSURL   string
	BinanceAPIKey  string
	BinanceSecret  string
	RateLimitRPS   float64 // token bucket refill, 90% of published limit

	// Storage
	DatabasePath string

	// Telegram alerts
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		LiveMode: getEnvBool("LIVE_MODE", false),
		Debug:    getEnvBool("DEBUG", false),

		Capital:          getEnvDecimal("CAPITAL", decimal.NewFromInt(10000)),
		MaxOpenTrades:    getEnvInt("MAX_OPEN_TRADES", 3),
		MaxLossPerTrade:  getEnvDecimal("MAX_LOSS_PER_TRADE", decimal.NewFromFloat(0.02)),
		MaxPortfolioRisk: getEnvDecimal("MAX_PORTFOLIO_RISK", decimal.NewFromFloat(0.20)),
		DailyLossLimit:   getEnvDecimal("DAILY_LOSS_LIMIT", decimal.NewFromFloat(0.05)),
		LiquidityCap:     getEnvDecimal("LIQUIDITY_CAP", decimal.NewFromFloat(0.005)),

		MinVolume24h:     getEnvDecimal("MIN_VOLUME_24H", decimal.NewFromInt(5_000_000)),
		MinMomentumScore: getEnvInt("MIN_MOMENTUM_SCORE", 60),
		MinATRPct1m:      getEnvFloat("MIN_ATR_PCT_1MIN", 0.25),
		PrefilterTopK:    getEnvInt("PREFILTER_TOP_K", 50),
		TPMult:           getEnvFloat("TP_MULT", 2.0),
		SLMult:           getEnvFloat("SL_MULT", 1.0),
		SessionConfig:    getEnv("SESSION_CONFIG", ""),

		MaxHoldMinutes:    getEnvInt("MAX_HOLD_MINUTES", 10),
		FastExitMinutes:   getEnvInt("FAST_EXIT_MINUTES", 3),
		FastExitThreshold: getEnvFloat("FAST_EXIT_THRESHOLD", 0.3),
		CloserInterval:    getEnvDuration("CLOSER_INTERVAL", 30*time.Second),
		CloserWorkers:     getEnvInt("CLOSER_WORKERS", 3),
		CloserStagger:     getEnvDuration("CLOSER_STAGGER", 10*time.Second),
		NewsBlackoutMin:   getEnvInt("NEWS_BLACKOUT_WINDOW_MIN", 10),
		NewsCalendarPath:  getEnv("NEWS_CALENDAR", ""),

		ScanInterval: getEnvDuration("SCAN_INTERVAL", time.Minute),

		BinanceRESTURL: getEnv("BINANCE_REST_URL", "https://fapi.binance.com"),
		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://fstream.binance.com/ws"),
		BinanceAPIKey:  os.Getenv("BINANCE_API_KEY"),
		BinanceSecret:  os.Getenv("BINANCE_API_SECRET"),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 18), // 90% of 20 req/s weight budget

		DatabasePath: getEnv("DATABASE_PATH", "data/surgebot.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.LiveMode && (cfg.BinanceAPIKey == "" || cfg.BinanceSecret == "") {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required in live mode")
	}
	if cfg.MaxOpenTrades <= 0 {
		return nil, fmt.Errorf("MAX_OPEN_TRADES must be positive")
	}

	return cfg, nil
}

// PerTradeFraction is the nominal capital share of a single slot
func (c *Config) PerTradeFraction() decimal.Decimal {
	return decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(c.MaxOpenTrades)))
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
