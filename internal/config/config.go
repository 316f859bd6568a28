package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution modes.
const (
	ModeLive     = "LIVE"
	ModePaper    = "PAPER"
	ModeBacktest = "BACKTEST"
)

// Config holds all configuration for the five services.
type Config struct {
	Env   string
	Debug bool

	// Connections
	DatabaseURL         string
	RedisURL            string
	RedisStreamGroup    string
	RedisStreamConsumer string

	// Universe
	Symbols           []string
	AutoTimeframes    []string
	MonitorTimeframes []string

	// Bybit
	BybitAPIKey       string
	BybitAPISecret    string
	BybitRESTBaseURL  string
	BybitWSPublicURL  string
	BybitWSPrivateURL string
	BybitCategory     string
	BybitAccountType  string
	BybitRecvWindow   int

	// Rate limiter (rps/burst per endpoint group)
	PublicRPS                 float64
	PublicBurst               float64
	PrivateCriticalRPS        float64
	PrivateCriticalBurst      float64
	PrivateOrderQueryRPS      float64
	PrivateOrderQueryBurst    float64
	PrivateAccountQueryRPS    float64
	PrivateAccountQueryBurst  float64
	PerSymbolRPS              float64
	PerSymbolBurst            float64
	RateLimitMaxWait          time.Duration

	// Strategy
	MinConfirmations int
	SignalTTLBars    int
	PlanTTLBars      int

	// Risk
	RiskPct                 float64
	MaxOpenPositionsDefault int
	DailyDrawdownSoftPct    float64
	DailyDrawdownHardPct    float64
	RiskCircuitEnabled      bool
	KillSwitchForceOn       bool

	// Execution
	ExecutionMode        string
	PaperEquity          float64
	RunnerTrailMode      string // ATR or PIVOT
	RunnerATRPeriod      int
	RunnerATRMult        float64
	SecondaryRuleEnabled bool

	// Cooldown
	CooldownEnabled bool
	CooldownBars1h  int
	CooldownBars4h  int
	CooldownBars1d  int

	// Entry-order abnormal handling
	EntryOrderType         string // Market or Limit
	EntryTimeout           time.Duration
	EntryPartialTimeout    time.Duration
	EntryMaxRetries        int
	EntryRepriceBps        int
	EntryFallbackMarket    bool

	// Marketdata
	BackfillEnabled bool
	BackfillLimit   int
	GapfillEnabled  bool
	GapfillMaxBars  int

	// Data quality thresholds
	DataLagThreshold   time.Duration
	PriceJumpPct       float64
	VolumeSpikeMult    float64
	VolumeMedianWindow int
	MarketStateEnabled bool
	HighVolATRPct      float64
	NewsWindowUTC      string // "HH:MM-HH:MM", empty disables

	// Notifier
	TelegramBotToken    string
	TelegramChatID      int64
	NotifyMaxAttempts   int
	NotifyRetryInterval time.Duration

	// API
	APIAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Env:   getEnv("ENV", "dev"),
		Debug: getEnvBool("DEBUG", false),

		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisStreamGroup:    getEnv("REDIS_STREAM_GROUP", "divbot"),
		RedisStreamConsumer: getEnv("REDIS_STREAM_CONSUMER", "c1"),

		Symbols:           getEnvList("SYMBOLS", []string{"BTCUSDT"}),
		AutoTimeframes:    getEnvList("AUTO_TIMEFRAMES", []string{"1h", "4h", "1d"}),
		MonitorTimeframes: getEnvList("MONITOR_TIMEFRAMES", []string{"15m", "30m", "8h"}),

		BybitAPIKey:       os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret:    os.Getenv("BYBIT_API_SECRET"),
		BybitRESTBaseURL:  getEnv("BYBIT_REST_BASE_URL", "https://api.bybit.com"),
		BybitWSPublicURL:  getEnv("BYBIT_WS_PUBLIC_URL", "wss://stream.bybit.com/v5/public/linear"),
		BybitWSPrivateURL: getEnv("BYBIT_WS_PRIVATE_URL", "wss://stream.bybit.com/v5/private"),
		BybitCategory:     getEnv("BYBIT_CATEGORY", "linear"),
		BybitAccountType:  getEnv("BYBIT_ACCOUNT_TYPE", "UNIFIED"),
		BybitRecvWindow:   getEnvInt("BYBIT_RECV_WINDOW", 5000),

		PublicRPS:                getEnvFloat("BYBIT_PUBLIC_RPS", 8),
		PublicBurst:              getEnvFloat("BYBIT_PUBLIC_BURST", 16),
		PrivateCriticalRPS:       getEnvFloat("BYBIT_PRIVATE_CRITICAL_RPS", 5),
		PrivateCriticalBurst:     getEnvFloat("BYBIT_PRIVATE_CRITICAL_BURST", 10),
		PrivateOrderQueryRPS:     getEnvFloat("BYBIT_PRIVATE_ORDER_QUERY_RPS", 4),
		PrivateOrderQueryBurst:   getEnvFloat("BYBIT_PRIVATE_ORDER_QUERY_BURST", 8),
		PrivateAccountQueryRPS:   getEnvFloat("BYBIT_PRIVATE_ACCOUNT_QUERY_RPS", 2),
		PrivateAccountQueryBurst: getEnvFloat("BYBIT_PRIVATE_ACCOUNT_QUERY_BURST", 4),
		PerSymbolRPS:             getEnvFloat("BYBIT_PER_SYMBOL_RPS", 3),
		PerSymbolBurst:           getEnvFloat("BYBIT_PER_SYMBOL_BURST", 6),
		RateLimitMaxWait:         getEnvMs("BYBIT_RATE_LIMIT_MAX_WAIT_MS", 5*time.Second),

		MinConfirmations: getEnvInt("MIN_CONFIRMATIONS", 2),
		SignalTTLBars:    getEnvInt("SIGNAL_TTL_BARS", 1),
		PlanTTLBars:      getEnvInt("TRADE_PLAN_TTL_BARS", 1),

		RiskPct:                 getEnvFloat("RISK_PCT", 0.005),
		MaxOpenPositionsDefault: getEnvInt("MAX_OPEN_POSITIONS_DEFAULT", 3),
		DailyDrawdownSoftPct:    getEnvFloat("DAILY_DRAWDOWN_SOFT_PCT", 0.02),
		DailyDrawdownHardPct:    getEnvFloat("DAILY_DRAWDOWN_HARD_PCT", 0.04),
		RiskCircuitEnabled:      getEnvBool("RISK_CIRCUIT_ENABLED", true),
		KillSwitchForceOn:       getEnvBool("ACCOUNT_KILL_SWITCH_FORCE_ON", false),

		ExecutionMode:        strings.ToUpper(getEnv("EXECUTION_MODE", ModePaper)),
		PaperEquity:          getEnvFloat("PAPER_EQUITY", getEnvFloat("BACKTEST_EQUITY", 10000)),
		RunnerTrailMode:      strings.ToUpper(getEnv("RUNNER_TRAIL_MODE", "ATR")),
		RunnerATRPeriod:      getEnvInt("RUNNER_ATR_PERIOD", 14),
		RunnerATRMult:        getEnvFloat("RUNNER_ATR_MULT", 3.0),
		SecondaryRuleEnabled: getEnvBool("SECONDARY_RULE_ENABLED", true),

		CooldownEnabled: getEnvBool("COOLDOWN_ENABLED", true),
		CooldownBars1h:  getEnvInt("COOLDOWN_BARS_1H", 2),
		CooldownBars4h:  getEnvInt("COOLDOWN_BARS_4H", 1),
		CooldownBars1d:  getEnvInt("COOLDOWN_BARS_1D", 1),

		EntryOrderType:      getEnv("EXECUTION_ENTRY_ORDER_TYPE", "Market"),
		EntryTimeout:        getEnvMs("EXECUTION_ENTRY_TIMEOUT_MS", 15*time.Second),
		EntryPartialTimeout: getEnvMs("EXECUTION_ENTRY_PARTIAL_FILL_TIMEOUT_MS", 20*time.Second),
		EntryMaxRetries:     getEnvInt("EXECUTION_ENTRY_MAX_RETRIES", 2),
		EntryRepriceBps:     getEnvInt("EXECUTION_ENTRY_REPRICE_BPS", 5),
		EntryFallbackMarket: getEnvBool("EXECUTION_ENTRY_FALLBACK_MARKET", true),

		BackfillEnabled: getEnvBool("MARKETDATA_BACKFILL_ENABLED", true),
		BackfillLimit:   getEnvInt("MARKETDATA_BACKFILL_LIMIT", 200),
		GapfillEnabled:  getEnvBool("MARKETDATA_GAPFILL_ENABLED", true),
		GapfillMaxBars:  getEnvInt("MARKETDATA_GAPFILL_MAX_BARS", 2000),

		DataLagThreshold:   getEnvMs("DATA_LAG_THRESHOLD_MS", 2*time.Minute),
		PriceJumpPct:       getEnvFloat("PRICE_JUMP_PCT", 0.05),
		VolumeSpikeMult:    getEnvFloat("VOLUME_SPIKE_MULT", 8),
		VolumeMedianWindow: getEnvInt("VOLUME_MEDIAN_WINDOW", 50),
		MarketStateEnabled: getEnvBool("MARKET_STATE_ENABLED", false),
		HighVolATRPct:      getEnvFloat("HIGH_VOL_ATR_PCT", 0.03),
		NewsWindowUTC:      os.Getenv("NEWS_WINDOW_UTC"),

		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		NotifyMaxAttempts:   getEnvInt("NOTIFY_MAX_ATTEMPTS", 10),
		NotifyRetryInterval: getEnvMs("NOTIFY_RETRY_INTERVAL_MS", 5*time.Second),

		APIAddr: getEnv("API_ADDR", ":8080"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	switch cfg.ExecutionMode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return nil, fmt.Errorf("invalid EXECUTION_MODE %q", cfg.ExecutionMode)
	}
	if cfg.RunnerTrailMode != "ATR" && cfg.RunnerTrailMode != "PIVOT" {
		return nil, fmt.Errorf("invalid RUNNER_TRAIL_MODE %q", cfg.RunnerTrailMode)
	}
	if cfg.ExecutionMode == ModeLive && cfg.BybitAPIKey == "" {
		return nil, fmt.Errorf("BYBIT_API_KEY is required in LIVE mode")
	}

	return cfg, nil
}

// CooldownBars returns the configured cooldown length (in bars) for tf.
func (c *Config) CooldownBars(tf string) int {
	switch tf {
	case "1h":
		return c.CooldownBars1h
	case "4h":
		return c.CooldownBars4h
	case "1d":
		return c.CooldownBars1d
	}
	return 0
}

// IsAutoTimeframe reports whether plans are auto-issued for tf.
func (c *Config) IsAutoTimeframe(tf string) bool {
	for _, t := range c.AutoTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// AllTimeframes returns auto + monitor timeframes, deduplicated.
func (c *Config) AllTimeframes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tf := range append(append([]string{}, c.AutoTimeframes...), c.MonitorTimeframes...) {
		if !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	return out
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

func getEnvMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
