package config

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Telegram listener modes
const (
	TelegramModeWebhook = "webhook"
	TelegramModePolling = "polling"
	TelegramModeOff     = "off"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBDriver selects the database/sql driver: "postgres" (lib/pq) or "pgx".
	DBDriver  string `mapstructure:"DB_DRIVER"`
	Port      string `mapstructure:"PORT"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	Env       string `mapstructure:"APP_ENV"`

	SentryDSN    string `mapstructure:"SENTRY_DSN"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	TelegramBotToken      string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramMode          string `mapstructure:"TELEGRAM_MODE"`
	TelegramWebhookURL    string `mapstructure:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string `mapstructure:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramAPIURL        string `mapstructure:"TELEGRAM_API_URL"`

	CodeTTL       time.Duration `mapstructure:"TWOFA_CODE_TTL"`
	BlockDuration time.Duration `mapstructure:"TWOFA_BLOCK_DURATION"`
	PushInterval  time.Duration `mapstructure:"TWOFA_PUSH_INTERVAL"`
	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`

	LoginRateLimit     int           `mapstructure:"LOGIN_RATE_LIMIT"`
	LoginRateWindow    time.Duration `mapstructure:"LOGIN_RATE_WINDOW"`
	LoginFailureWindow time.Duration `mapstructure:"LOGIN_FAILURE_WINDOW"`
	RateLimitBackend   string        `mapstructure:"RATE_LIMIT_BACKEND"`

	CookieSecure bool `mapstructure:"COOKIE_SECURE"`

	// TrustedProxyList is a comma separated list of proxy addresses or CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are believed. Empty trusts nobody.
	TrustedProxyList string         `mapstructure:"TRUSTED_PROXIES"`
	TrustedProxies   []netip.Prefix `mapstructure:"-"`
}

// Load reads configuration from environment variables. A .env file is expected to be
// loaded by the caller beforehand (godotenv); env vars always win.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("PORT", "8080")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SENTRY_DSN", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_MODE", TelegramModeWebhook)
	v.SetDefault("TELEGRAM_WEBHOOK_URL", "")
	v.SetDefault("TELEGRAM_WEBHOOK_SECRET", "")
	v.SetDefault("TELEGRAM_API_URL", "https://api.telegram.org")
	v.SetDefault("TWOFA_CODE_TTL", "5m")
	v.SetDefault("TWOFA_BLOCK_DURATION", "24h")
	v.SetDefault("TWOFA_PUSH_INTERVAL", "5s")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("LOGIN_RATE_LIMIT", 10)
	v.SetDefault("LOGIN_RATE_WINDOW", "10m")
	v.SetDefault("LOGIN_FAILURE_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_BACKEND", "postgres")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("TRUSTED_PROXIES", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	logDatabaseTarget(cfg.DatabaseURL)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "pgx" {
		return nil, fmt.Errorf("config: DB_DRIVER must be postgres or pgx, got %q", cfg.DBDriver)
	}

	cfg.TelegramMode = strings.ToLower(strings.TrimSpace(cfg.TelegramMode))
	switch cfg.TelegramMode {
	case TelegramModeWebhook, TelegramModePolling, TelegramModeOff:
	default:
		return nil, fmt.Errorf("config: TELEGRAM_MODE must be webhook, polling or off, got %q", cfg.TelegramMode)
	}
	if cfg.TelegramMode == TelegramModePolling && cfg.TelegramBotToken == "" {
		return nil, errors.New("config: TELEGRAM_BOT_TOKEN is required when TELEGRAM_MODE=polling")
	}

	if cfg.RateLimitBackend != "postgres" && cfg.RateLimitBackend != "memory" {
		return nil, fmt.Errorf("config: RATE_LIMIT_BACKEND must be postgres or memory, got %q", cfg.RateLimitBackend)
	}

	proxies, err := ParseTrustedProxies(cfg.TrustedProxyList)
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 24 * time.Hour
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = 10
	}
	if cfg.LoginRateWindow <= 0 {
		cfg.LoginRateWindow = 10 * time.Minute
	}
	if cfg.LoginFailureWindow <= 0 {
		cfg.LoginFailureWindow = 15 * time.Minute
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(c.Env, "production")
}

// ParseTrustedProxies reads a comma separated list of IPs and CIDRs. A bare IP
// stands for a single host.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
		}
		ip = ip.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, nil
}

// logDatabaseTarget logs connection details with the password left out
func logDatabaseTarget(databaseURL string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	log.Printf("DB connect: host=%s port=%s db=%s user=%s", host, port, dbName, user)
}
