package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds environment-driven settings for the trader.
type Config struct {
	Port string

	// Logging
	LogLevel string
	LogFile  string

	// Database
	DBPath string

	// Strategy YAML (indicator parameters, default timeframe, pairs)
	StrategyConfigPath string

	// Execution
	TradingMode string // paper or live
	Exchange    string // binance-spot

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string

	// Pairs and timeframe
	Symbols           []string
	TimeframeOverride string // TRADING_TIMEFRAME; empty when unset
	CandleLimit       int

	// Sizing and risk limits
	PositionSize     float64 // quote notional per entry
	InitialBalance   float64
	MaxPositions     int
	MaxDailyLoss     float64
	MaxPositionRatio float64
	StopLossPct      float64
	TakeProfitPct    float64
	AllowShort       bool // permit SELL entries without an open long

	// Gateway resilience
	GatewayMaxRetries  int
	GatewayRetryBaseMs int
	GatewayTimeoutMs   int

	// Paper simulation
	PaperFeeRate     float64 // decimal, e.g. 0.001 = 10 bps
	PaperSlippageBps float64

	// Control API auth; empty disables the guard.
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:            os.Getenv("LOG_FILE"),
		DBPath:             dbPath,
		StrategyConfigPath: getEnv("STRATEGY_CONFIG", "./config/strategy.yaml"),
		TradingMode:        strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
		Exchange:           strings.ToLower(getEnv("EXCHANGE", "binance-spot")),
		BinanceTestnet:     getEnvBool("BINANCE_TESTNET", false),
		BinanceAPIKey:      os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:   os.Getenv("BINANCE_API_SECRET"),
		Symbols:            splitAndTrim(getEnv("TRADING_SYMBOLS", "BTCUSDT")),
		TimeframeOverride:  strings.TrimSpace(os.Getenv("TRADING_TIMEFRAME")),
		CandleLimit:        getEnvInt("CANDLE_LIMIT", 200),
		PositionSize:       getEnvFloat("POSITION_SIZE", 100),
		InitialBalance:     getEnvFloat("INITIAL_BALANCE", 10000),
		MaxPositions:       getEnvInt("MAX_POSITIONS", 1),
		MaxDailyLoss:       getEnvFloat("MAX_DAILY_LOSS", 100),
		MaxPositionRatio:   getEnvFloat("MAX_POSITION_RATIO", 0.3),
		StopLossPct:        getEnvFloat("STOP_LOSS_PCT", 0.02),
		TakeProfitPct:      getEnvFloat("TAKE_PROFIT_PCT", 0.04),
		AllowShort:         getEnvBool("ALLOW_SHORT", false),
		GatewayMaxRetries:  getEnvInt("GATEWAY_MAX_RETRIES", 3),
		GatewayRetryBaseMs: getEnvInt("GATEWAY_RETRY_BASE_MS", 500),
		GatewayTimeoutMs:   getEnvInt("GATEWAY_TIMEOUT_MS", 10000),
		PaperFeeRate:       getEnvFloat("PAPER_FEE_RATE", 0.001),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		JWTSecret:          os.Getenv("JWT_SECRET"),
	}, nil
}

// HasCredentials reports whether live trading credentials are present.
func (c *Config) HasCredentials() bool {
	return c.BinanceAPIKey != "" && c.BinanceAPISecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
