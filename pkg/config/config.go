package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the signal engine. When
// CONFIG_FILE names a YAML file, keys present in it override the environment.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
	DBPath    string `yaml:"db_path"`

	// Control API
	JWTSecret    string   `yaml:"jwt_secret"`
	CORSOrigins  []string `yaml:"cors_origins"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
	RateBurst    int      `yaml:"rate_limit_burst"`

	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ExchangeConfig selects and authenticates the venue.
type ExchangeConfig struct {
	Demo             bool          `yaml:"demo"`
	DemoBalance      float64       `yaml:"demo_balance"`
	BinanceTestnet   bool          `yaml:"binance_testnet"`
	BinanceAPIKey    string        `yaml:"binance_api_key"`
	BinanceAPISecret string        `yaml:"binance_api_secret"`
	BinanceBaseURL   string        `yaml:"binance_base_url"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// TradingConfig drives sizing and automatic protection.
type TradingConfig struct {
	Leverage           int     `yaml:"leverage"`
	Amount             float64 `yaml:"amount"`         // quote notional, or percent of balance
	UsePercentage      bool    `yaml:"use_percentage"` // Amount is a percent of balance
	MaxPositionSize    float64 `yaml:"max_position_size"`
	PositionMode       string  `yaml:"position_mode"` // one_way or hedge
	AutoTPSL           bool    `yaml:"auto_tp_sl"`
	AutoBreakeven      bool    `yaml:"auto_breakeven"`
	BreakevenTarget    int     `yaml:"breakeven_after_target"` // 1-based
	BreakevenOffsetPct float64 `yaml:"breakeven_offset_pct"`
	AutoExecute        bool    `yaml:"auto_execute"`
}

// RiskConfig holds the ledger limits.
type RiskConfig struct {
	DailyLossLimit       float64       `yaml:"daily_loss_limit"`
	WeeklyLossLimit      float64       `yaml:"weekly_loss_limit"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	Cooldown             time.Duration `yaml:"cooldown"`
	MinMarginRatio       float64       `yaml:"min_margin_ratio"`
	CriticalMarginRatio  float64       `yaml:"critical_margin_ratio"`
	Timezone             string        `yaml:"timezone"`
}

// MonitorConfig tunes the reconciliation loop.
type MonitorConfig struct {
	Interval              time.Duration `yaml:"interval"`
	PriceFailureThreshold int           `yaml:"price_failure_threshold"`
	AutoStart             bool          `yaml:"auto_start"`
}

// IngestConfig configures message sources and the bridge.
type IngestConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	StreamURL      string        `yaml:"stream_url"`
	StreamToken    string        `yaml:"stream_token"`
	StreamChannels []string      `yaml:"stream_channels"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	RedisChannels  []string      `yaml:"redis_channels"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	ForwardChannel   string `yaml:"forward_channel"` // parsed signals are echoed here
	BufferSize       int    `yaml:"buffer_size"`
}

// Load reads environment variables (optionally via .env) into Config and
// applies the CONFIG_FILE overlay when set.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "console"),
		DBPath:       getEnv("DB_PATH", "./data/signals.db"),
		JWTSecret:    getEnv("JWT_SECRET", "dev-secret"),
		CORSOrigins:  splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		RateLimitRPS: getEnvFloat("RATE_LIMIT_RPS", 10),
		RateBurst:    getEnvInt("RATE_LIMIT_BURST", 20),
		Exchange: ExchangeConfig{
			Demo:             getEnvBool("DEMO_MODE", true),
			DemoBalance:      getEnvFloat("DEMO_BALANCE", 10000),
			BinanceTestnet:   getEnvBool("BINANCE_TESTNET", false),
			BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
			BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
			BinanceBaseURL:   os.Getenv("BINANCE_BASE_URL"),
			CallTimeout:      getEnvDuration("EXCHANGE_CALL_TIMEOUT", 10*time.Second),
		},
		Trading: TradingConfig{
			Leverage:           getEnvInt("LEVERAGE", 10),
			Amount:             getEnvFloat("TRADE_AMOUNT", 100),
			UsePercentage:      getEnvBool("USE_PERCENTAGE", false),
			MaxPositionSize:    getEnvFloat("MAX_POSITION_SIZE", 1000),
			PositionMode:       strings.ToLower(getEnv("POSITION_MODE", "one_way")),
			AutoTPSL:           getEnvBool("AUTO_TP_SL", true),
			AutoBreakeven:      getEnvBool("AUTO_BREAKEVEN", true),
			BreakevenTarget:    getEnvInt("BREAKEVEN_AFTER_TARGET", 1),
			BreakevenOffsetPct: getEnvFloat("BREAKEVEN_OFFSET_PCT", 0),
			AutoExecute:        getEnvBool("AUTO_EXECUTE", false),
		},
		Risk: RiskConfig{
			DailyLossLimit:       getEnvFloat("DAILY_LOSS_LIMIT", 500),
			WeeklyLossLimit:      getEnvFloat("WEEKLY_LOSS_LIMIT", 2000),
			MaxConsecutiveLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),
			Cooldown:             getEnvDuration("COOLDOWN", time.Hour),
			MinMarginRatio:       getEnvFloat("MIN_MARGIN_RATIO", 1.5),
			CriticalMarginRatio:  getEnvFloat("CRITICAL_MARGIN_RATIO", 1.1),
			Timezone:             getEnv("RISK_TIMEZONE", "UTC"),
		},
		Monitor: MonitorConfig{
			Interval:              getEnvDuration("MONITOR_INTERVAL", 15*time.Second),
			PriceFailureThreshold: getEnvInt("PRICE_FAILURE_THRESHOLD", 3),
			AutoStart:             getEnvBool("MONITOR_AUTO_START", true),
		},
		Ingest: IngestConfig{
			QueueSize:      getEnvInt("INGEST_QUEUE_SIZE", 64),
			AuthTimeout:    getEnvDuration("AUTH_TIMEOUT", 5*time.Minute),
			StreamURL:      os.Getenv("STREAM_URL"),
			StreamToken:    os.Getenv("STREAM_TOKEN"),
			StreamChannels: splitAndTrim(os.Getenv("STREAM_CHANNELS")),
			RedisAddr:      os.Getenv("REDIS_ADDR"),
			RedisPassword:  os.Getenv("REDIS_PASSWORD"),
			RedisDB:        getEnvInt("REDIS_DB", 0),
			RedisChannels:  splitAndTrim(getEnv("REDIS_CHANNELS", "signals")),
		},
		Notify: NotifyConfig{
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
			ForwardChannel:   os.Getenv("FORWARD_CHANNEL"),
			BufferSize:       getEnvInt("NOTIFY_BUFFER", 256),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overlay reads a YAML file over cfg. Keys absent from the file keep their
// current values.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Trading.PositionMode = strings.ToLower(c.Trading.PositionMode)
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		errs = append(errs, fmt.Errorf("leverage must be within 1..125, got %d", c.Trading.Leverage))
	}
	if c.Trading.Amount <= 0 {
		errs = append(errs, fmt.Errorf("trade amount must be positive, got %v", c.Trading.Amount))
	}
	if c.Trading.UsePercentage && c.Trading.Amount > 100 {
		errs = append(errs, fmt.Errorf("percentage amount must be <= 100, got %v", c.Trading.Amount))
	}
	if c.Trading.PositionMode != "one_way" && c.Trading.PositionMode != "hedge" {
		errs = append(errs, fmt.Errorf("position mode must be one_way or hedge, got %q", c.Trading.PositionMode))
	}
	if c.Trading.BreakevenTarget < 1 {
		errs = append(errs, fmt.Errorf("breakeven target index is 1-based, got %d", c.Trading.BreakevenTarget))
	}
	if c.Trading.BreakevenOffsetPct < 0 {
		errs = append(errs, errors.New("breakeven offset must not be negative"))
	}
	if c.Risk.MaxConsecutiveLosses < 0 {
		errs = append(errs, errors.New("max consecutive losses must not be negative"))
	}
	if c.Risk.CriticalMarginRatio > c.Risk.MinMarginRatio {
		errs = append(errs, fmt.Errorf("critical margin ratio %v above warning ratio %v", c.Risk.CriticalMarginRatio, c.Risk.MinMarginRatio))
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("risk timezone: %w", err))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor interval must be positive"))
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, errors.New("ingest queue size must be positive"))
	}
	if !c.Exchange.Demo && (c.Exchange.BinanceAPIKey == "" || c.Exchange.BinanceAPISecret == "") {
		errs = append(errs, errors.New("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET"))
	}
	return errors.Join(errs...)
}

// Location returns the timezone that anchors the risk windows.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
