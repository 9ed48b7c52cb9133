package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"trading-guard/pkg/instance"
	"trading-guard/pkg/secrets"
)

// Config holds environment-driven settings for the exchange guard.
type Config struct {
	// Exchange (direct signed path)
	ExchangeBaseURL     string
	ExchangeAPIKey      string
	ExchangeAPISecret   string
	ExchangeHTTPTimeout time.Duration
	ExchangeRPS         float64
	ExchangeBurst       int

	// Local signing proxy
	ProxyURL     string
	ProxyToken   string
	ProxyEnabled bool // proxy is used as a retry path on auth failures
	ProxyDefault bool // proxy is the default path unless a call overrides it

	// Backup trading service
	BackupURL             string
	BackupToken           string
	FailoverWritesEnabled bool

	ConditionalCooldown time.Duration

	// Database
	DBDriver string
	DBDSN    string

	// Reconciliation
	ReconInterval        time.Duration
	ReconHistoryLookback time.Duration
	ReconProtectWindow   time.Duration
	ReconMarkerTTL       time.Duration

	// Protection
	ProtectLockTTL    time.Duration
	RiskProfilePath   string
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	ATREnabled        bool
	ATRPeriod         int
	ATRTimeframe      string
	ProtectionEnabled bool

	// Operator surfaces
	APIAddr        string
	JWTSecret      string
	GRPCHealthAddr string

	// Alerts
	TelegramEnabled  bool
	TelegramToken    string
	TelegramChatID   string
	TelegramBaseURL  string
	AlertWebhookURL  string
	AlertQueueLength int

	InstanceID string
	LogLevel   string
	LogFormat  string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	instanceID := getEnv("INSTANCE_ID", "")
	if instanceID == "" {
		instanceID = instance.ID()
	}

	cfg := &Config{
		ExchangeBaseURL:       strings.TrimRight(getEnv("EXCHANGE_BASE_URL", "https://api.crypto.com/exchange/v1"), "/"),
		ExchangeAPIKey:        strings.TrimSpace(os.Getenv("EXCHANGE_API_KEY")),
		ExchangeAPISecret:     strings.TrimSpace(os.Getenv("EXCHANGE_API_SECRET")),
		ExchangeHTTPTimeout:   getEnvDuration("EXCHANGE_HTTP_TIMEOUT", 10*time.Second),
		ExchangeRPS:           getEnvFloat("EXCHANGE_RATE_LIMIT_RPS", 10),
		ExchangeBurst:         getEnvInt("EXCHANGE_RATE_LIMIT_BURST", 5),
		ProxyURL:              strings.TrimRight(getEnv("PROXY_URL", ""), "/"),
		ProxyToken:            os.Getenv("PROXY_TOKEN"),
		ProxyEnabled:          getEnvBool("PROXY_ENABLED", false),
		ProxyDefault:          getEnvBool("PROXY_DEFAULT", false),
		BackupURL:             strings.TrimRight(getEnv("BACKUP_URL", ""), "/"),
		BackupToken:           os.Getenv("BACKUP_TOKEN"),
		FailoverWritesEnabled: getEnvBool("FAILOVER_WRITES_ENABLED", false),
		ConditionalCooldown:   getEnvDuration("CONDITIONAL_COOLDOWN", 24*time.Hour),
		DBDriver:              strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:                 getEnv("DB_DSN", "./data/guard.db"),
		ReconInterval:         getEnvDuration("RECON_INTERVAL", 5*time.Second),
		ReconHistoryLookback:  getEnvDuration("RECON_HISTORY_LOOKBACK", 24*time.Hour),
		ReconProtectWindow:    getEnvDuration("RECON_PROTECT_WINDOW", time.Hour),
		ReconMarkerTTL:        getEnvDuration("RECON_MARKER_TTL", 10*time.Minute),
		ProtectLockTTL:        getEnvDuration("PROTECT_LOCK_TTL", 30*time.Second),
		RiskProfilePath:       getEnv("RISK_PROFILE_PATH", ""),
		StopLossPct:           getEnvDecimal("RISK_STOP_LOSS_PCT", decimal.RequireFromString("0.02")),
		TakeProfitPct:         getEnvDecimal("RISK_TAKE_PROFIT_PCT", decimal.RequireFromString("0.05")),
		ATREnabled:            getEnvBool("ATR_ENABLED", false),
		ATRPeriod:             getEnvInt("ATR_PERIOD", 14),
		ATRTimeframe:          getEnv("ATR_TIMEFRAME", "1h"),
		ProtectionEnabled:     getEnvBool("PROTECTION_ENABLED", true),
		APIAddr:               getEnv("API_ADDR", ":8080"),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		GRPCHealthAddr:        getEnv("GRPC_HEALTH_ADDR", ":9090"),
		TelegramEnabled:       getEnvBool("TELEGRAM_ENABLED", false),
		TelegramToken:         os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:        os.Getenv("TELEGRAM_CHAT_ID"),
		TelegramBaseURL:       getEnv("TELEGRAM_BASE_URL", "https://api.telegram.org"),
		AlertWebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
		AlertQueueLength:      getEnvInt("ALERT_QUEUE_LENGTH", 256),
		InstanceID:            instanceID,
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSecrets decrypts credentials supplied as ENC[vN]: values.
func (c *Config) resolveSecrets() error {
	fields := []struct {
		env string
		dst *string
	}{
		{"EXCHANGE_API_SECRET", &c.ExchangeAPISecret},
		{"PROXY_TOKEN", &c.ProxyToken},
		{"BACKUP_TOKEN", &c.BackupToken},
		{"JWT_SECRET", &c.JWTSecret},
		{"TELEGRAM_BOT_TOKEN", &c.TelegramToken},
	}
	for _, f := range fields {
		v, err := secrets.Resolve(*f.dst)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.env, err)
		}
		*f.dst = v
	}
	return nil
}

// Validate rejects combinations the services cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if (c.ProxyEnabled || c.ProxyDefault) && c.ProxyURL == "" {
		return fmt.Errorf("PROXY_URL is required when the proxy is enabled")
	}
	if c.FailoverWritesEnabled && c.BackupURL == "" {
		return fmt.Errorf("BACKUP_URL is required when FAILOVER_WRITES_ENABLED=true")
	}
	if c.ReconInterval <= 0 {
		return fmt.Errorf("RECON_INTERVAL must be positive")
	}
	if !c.StopLossPct.IsPositive() || !c.TakeProfitPct.IsPositive() {
		return fmt.Errorf("RISK_STOP_LOSS_PCT and RISK_TAKE_PROFIT_PCT must be positive")
	}
	return nil
}

// ProxyConfigured reports whether a signing proxy can be used at all.
func (c *Config) ProxyConfigured() bool {
	return c.ProxyURL != "" && (c.ProxyEnabled || c.ProxyDefault)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
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
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
