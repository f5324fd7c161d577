package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// KIS OpenAPI
	KISBaseURL       string
	KISAppKey        string
	KISAppSecret     string
	KISAccountNumber string // "CANO-PRDT" form, e.g. "12345678-01"
	KISRealAccount   bool   // real vs. sandbox order tr_id

	// Trading parameters
	BudgetPerPosition int64   // Won spent per position
	TakeProfitPercent float64 // e.g. 2.0 for +2%
	StopLossPercent   float64 // e.g. 1.0, compared as -1%

	// Market schedule (exchange local time)
	MarketTimezone    string
	MarketOpenHour    int
	MarketOpenMinute  int
	MarketCloseHour   int
	MarketCloseMinute int
	ForceCloseHour    int
	ForceCloseMinute  int

	// Lifecycle loop
	PollInterval time.Duration

	// Request coordination
	CacheTTL           time.Duration
	MinRequestInterval time.Duration
	SubmitTimeout      time.Duration

	// Credential sharing
	TokenSafetyMargin time.Duration

	// Decision pipeline
	AnalysisThresholdPercent int

	// Database
	DBPath string

	// Logging
	LogLevel string

	// Notifications (optional; disabled when empty)
	TelegramBotToken string
	TelegramChatID   string

	// HTTP API with metrics (optional; disabled when empty)
	APIAddr string
}

// Load reads configuration from environment variables (.env file).
func Load() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.KISBaseURL = getEnv("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443")
	cfg.KISAppKey = getEnv("KIS_APP_KEY", "")
	cfg.KISAppSecret = getEnv("KIS_APP_SECRET", "")
	cfg.KISAccountNumber = getEnv("KIS_ACCOUNT_NUMBER", "")
	cfg.KISRealAccount = getEnvAsBool("KIS_IS_REAL_ACCOUNT", false) // Default to sandbox for safety

	if cfg.KISAppKey == "" {
		errs = append(errs, "KIS_APP_KEY must be set")
	}
	if cfg.KISAppSecret == "" {
		errs = append(errs, "KIS_APP_SECRET must be set")
	}
	if cfg.KISAccountNumber == "" {
		errs = append(errs, "KIS_ACCOUNT_NUMBER must be set")
	} else if len(strings.Split(cfg.KISAccountNumber, "-")) != 2 {
		errs = append(errs, fmt.Sprintf("KIS_ACCOUNT_NUMBER %q must be in CANO-PRDT form", cfg.KISAccountNumber))
	}

	cfg.BudgetPerPosition, err = getEnvAsInt64Required("TRADE_AMOUNT_PER_STOCK", 1_000_000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRADE_AMOUNT_PER_STOCK: %v", err))
	} else if cfg.BudgetPerPosition <= 0 {
		errs = append(errs, "TRADE_AMOUNT_PER_STOCK must be positive")
	}

	cfg.TakeProfitPercent, err = getEnvAsFloatRequired("PROFIT_TARGET_PERCENT", 2.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_TARGET_PERCENT: %v", err))
	} else if cfg.TakeProfitPercent <= 0 {
		errs = append(errs, "PROFIT_TARGET_PERCENT must be positive")
	}

	cfg.StopLossPercent, err = getEnvAsFloatRequired("STOP_LOSS_PERCENT", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PERCENT: %v", err))
	} else if cfg.StopLossPercent <= 0 {
		errs = append(errs, "STOP_LOSS_PERCENT must be positive")
	}

	cfg.MarketTimezone = getEnv("MARKET_TIMEZONE", "Asia/Seoul")
	cfg.MarketOpenHour = getEnvAsInt("MARKET_OPEN_HOUR", 9)
	cfg.MarketOpenMinute = getEnvAsInt("MARKET_OPEN_MINUTE", 0)
	cfg.MarketCloseHour = getEnvAsInt("MARKET_CLOSE_HOUR", 15)
	cfg.MarketCloseMinute = getEnvAsInt("MARKET_CLOSE_MINUTE", 30)
	cfg.ForceCloseHour = getEnvAsInt("FORCE_CLOSE_HOUR", 15)
	cfg.ForceCloseMinute = getEnvAsInt("FORCE_CLOSE_MINUTE", 20)

	openMin := cfg.MarketOpenHour*60 + cfg.MarketOpenMinute
	closeMin := cfg.MarketCloseHour*60 + cfg.MarketCloseMinute
	forceMin := cfg.ForceCloseHour*60 + cfg.ForceCloseMinute
	if openMin >= closeMin {
		errs = append(errs, "market open must be before market close")
	}
	if forceMin <= openMin || forceMin > closeMin {
		errs = append(errs, "force close time must fall within market hours")
	}

	pollSeconds := getEnvAsInt("TRADE_MONITORING_INTERVAL_SECONDS", 60)
	if pollSeconds <= 0 {
		errs = append(errs, "TRADE_MONITORING_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	cacheTTLSeconds := getEnvAsInt("QUOTE_CACHE_TTL_SECONDS", 60)
	if cacheTTLSeconds <= 0 {
		errs = append(errs, "QUOTE_CACHE_TTL_SECONDS must be positive")
	}
	cfg.CacheTTL = time.Duration(cacheTTLSeconds) * time.Second

	minIntervalMillis := getEnvAsInt("MIN_REQUEST_INTERVAL_MS", 200)
	if minIntervalMillis <= 0 {
		errs = append(errs, "MIN_REQUEST_INTERVAL_MS must be positive")
	}
	cfg.MinRequestInterval = time.Duration(minIntervalMillis) * time.Millisecond

	submitTimeoutSeconds := getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)
	if submitTimeoutSeconds <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	cfg.SubmitTimeout = time.Duration(submitTimeoutSeconds) * time.Second

	marginSeconds := getEnvAsInt("TOKEN_SAFETY_MARGIN_SECONDS", 300)
	if marginSeconds < 0 {
		errs = append(errs, "TOKEN_SAFETY_MARGIN_SECONDS cannot be negative")
	}
	cfg.TokenSafetyMargin = time.Duration(marginSeconds) * time.Second

	cfg.AnalysisThresholdPercent = getEnvAsInt("ANALYSIS_THRESHOLD_PERCENT", 70)
	if cfg.AnalysisThresholdPercent < 0 || cfg.AnalysisThresholdPercent > 100 {
		errs = append(errs, "ANALYSIS_THRESHOLD_PERCENT must be between 0 and 100")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/trade_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	cfg.APIAddr = getEnv("API_LISTEN_ADDR", "")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64Required(key string, defaultValue int64) (int64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
