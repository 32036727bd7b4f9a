package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	UIRedirectURL string `mapstructure:"UI_REDIRECT_URL"`
	AdminAPIKey   string `mapstructure:"ADMIN_API_KEY"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseDSN    string `mapstructure:"DATABASE_DSN"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	XClientID          string  `mapstructure:"X_OAUTH2_CLIENT_ID"`
	XClientSecret      string  `mapstructure:"X_OAUTH2_CLIENT_SECRET"`
	XAPIBaseURL        string  `mapstructure:"X_API_BASE_URL"`
	XAuthorizeURL      string  `mapstructure:"X_AUTHORIZE_URL"`
	XBearerToken       string  `mapstructure:"TWITTER_BEARER_TOKEN"`
	XRequestsPerSecond float64 `mapstructure:"X_REQUESTS_PER_SECOND"`

	CampaignPostID string        `mapstructure:"CAMPAIGN_TWEET_ID"`
	CampaignText   string        `mapstructure:"CAMPAIGN_TEXT"`
	CampaignWindow time.Duration `mapstructure:"CAMPAIGN_WINDOW"`

	ParticipationCacheTTL time.Duration `mapstructure:"PARTICIPATION_CACHE_TTL"`
	RateLimitBackoff      time.Duration `mapstructure:"RATE_LIMIT_BACKOFF"`
	RateLimitRetries      int           `mapstructure:"RATE_LIMIT_RETRIES"`
	PendingLinkTTL        time.Duration `mapstructure:"PENDING_LINK_TTL"`
	ReservationTimeout    time.Duration `mapstructure:"RESERVATION_TIMEOUT"`
	ClaimWaitTimeout      time.Duration `mapstructure:"CLAIM_WAIT_TIMEOUT"`

	MaxRecipients  int    `mapstructure:"AIRDROP_MAX_RECIPIENTS"`
	Amount         string `mapstructure:"AIRDROP_AMOUNT"`
	TokenSymbol    string `mapstructure:"AIRDROP_TOKEN_SYMBOL"`
	TokenDecimals  int32  `mapstructure:"AIRDROP_TOKEN_DECIMALS"`
	AirdropStarted bool   `mapstructure:"AIRDROP_STARTED"`

	Chain         string `mapstructure:"CHAIN"`
	EVMRPCURL     string `mapstructure:"EVM_RPC_URL"`
	EVMChainID    int64  `mapstructure:"EVM_CHAIN_ID"`
	PrivateKey    string `mapstructure:"PRIVATE_KEY"`
	TokenAddress  string `mapstructure:"TOKEN_ADDRESS"`
	Mnemonic      string `mapstructure:"WALLET_MNEMONIC"`
	WalletVersion string `mapstructure:"WALLET_VERSION"`
	TonNetwork    string `mapstructure:"TON_NETWORK"`
	TonAPIToken   string `mapstructure:"TONAPI_TOKEN"`

	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFile      string `mapstructure:"LOG_FILE"`
	LogErrorFile string `mapstructure:"LOG_ERROR_FILE"`
	LogConsole   bool   `mapstructure:"LOG_CONSOLE"`
}

const (
	ChainEVM = "evm"
	ChainTON = "ton"
)

var keys = []string{
	"SERVER_PORT", "PUBLIC_BASE_URL", "UI_REDIRECT_URL", "ADMIN_API_KEY",
	"DATABASE_DRIVER", "DATABASE_DSN", "REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"X_OAUTH2_CLIENT_ID", "X_OAUTH2_CLIENT_SECRET", "X_API_BASE_URL", "X_AUTHORIZE_URL",
	"TWITTER_BEARER_TOKEN", "X_REQUESTS_PER_SECOND",
	"CAMPAIGN_TWEET_ID", "CAMPAIGN_TEXT", "CAMPAIGN_WINDOW",
	"PARTICIPATION_CACHE_TTL", "RATE_LIMIT_BACKOFF", "RATE_LIMIT_RETRIES", "PENDING_LINK_TTL",
	"RESERVATION_TIMEOUT", "CLAIM_WAIT_TIMEOUT",
	"AIRDROP_MAX_RECIPIENTS", "AIRDROP_AMOUNT", "AIRDROP_TOKEN_SYMBOL", "AIRDROP_TOKEN_DECIMALS", "AIRDROP_STARTED",
	"CHAIN", "EVM_RPC_URL", "EVM_CHAIN_ID", "PRIVATE_KEY", "TOKEN_ADDRESS",
	"WALLET_MNEMONIC", "WALLET_VERSION", "TON_NETWORK", "TONAPI_TOKEN",
	"RECONCILE_SCHEDULE", "LOG_LEVEL", "LOG_FILE", "LOG_ERROR_FILE", "LOG_CONSOLE",
}

// Load reads an optional .env file from path and then the process environment.
// Secrets are not required here; code paths that need them report themselves as misconfigured.
func Load(path string) (Config, error) {
	envFile := ".env"
	if path != "" {
		envFile = strings.TrimSuffix(path, "/") + "/.env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read %s: %w", envFile, err)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("UI_REDIRECT_URL", "/app/airdrop")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "persistent.db")
	v.SetDefault("REDIS_KEY_PREFIX", "airdrop")
	v.SetDefault("EVENTS_EXCHANGE", "airdrop.events")
	v.SetDefault("X_API_BASE_URL", "https://api.twitter.com")
	v.SetDefault("X_AUTHORIZE_URL", "https://twitter.com/i/oauth2/authorize")
	v.SetDefault("X_REQUESTS_PER_SECOND", 1.0)
	v.SetDefault("CAMPAIGN_TEXT", "I am claiming my airdrop. Repost to claim yours.")
	v.SetDefault("CAMPAIGN_WINDOW", "0s")
	v.SetDefault("PARTICIPATION_CACHE_TTL", "10m")
	v.SetDefault("RATE_LIMIT_BACKOFF", "15m")
	v.SetDefault("RATE_LIMIT_RETRIES", 2)
	v.SetDefault("PENDING_LINK_TTL", "10m")
	v.SetDefault("RESERVATION_TIMEOUT", "15m")
	v.SetDefault("CLAIM_WAIT_TIMEOUT", "20s")
	v.SetDefault("AIRDROP_MAX_RECIPIENTS", 1000)
	v.SetDefault("AIRDROP_AMOUNT", "1000")
	v.SetDefault("AIRDROP_TOKEN_SYMBOL", "APPCLAW")
	v.SetDefault("AIRDROP_STARTED", false)
	v.SetDefault("CHAIN", ChainEVM)
	v.SetDefault("WALLET_VERSION", "V4R2")
	v.SetDefault("TON_NETWORK", "mainnet")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_CONSOLE", true)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	config.normalize()
	if !v.IsSet("AIRDROP_TOKEN_DECIMALS") {
		config.TokenDecimals = DefaultDecimals(config.Chain)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// DefaultDecimals is the token precision assumed when AIRDROP_TOKEN_DECIMALS is unset: nanotons
// on TON, the usual ERC-20 precision elsewhere.
func DefaultDecimals(chain string) int32 {
	if chain == ChainTON {
		return 9
	}
	return 18
}

func (c *Config) normalize() {
	c.Chain = strings.ToLower(strings.TrimSpace(c.Chain))
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(c.PublicBaseURL), "/")
	c.XAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(c.XAPIBaseURL), "/")
	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	c.AdminAPIKey = strings.TrimSpace(c.AdminAPIKey)
	c.Amount = strings.TrimSpace(c.Amount)
}

func (c *Config) Validate() error {
	switch c.Chain {
	case ChainEVM, ChainTON:
	default:
		return fmt.Errorf("config: unsupported CHAIN %q", c.Chain)
	}

	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	amount, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return fmt.Errorf("config: invalid AIRDROP_AMOUNT %q: %w", c.Amount, err)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("config: AIRDROP_AMOUNT must be positive, got %s", c.Amount)
	}

	if c.MaxRecipients <= 0 {
		return fmt.Errorf("config: AIRDROP_MAX_RECIPIENTS must be positive, got %d", c.MaxRecipients)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("config: AIRDROP_TOKEN_DECIMALS out of range: %d", c.TokenDecimals)
	}
	if c.RateLimitRetries < 0 {
		return fmt.Errorf("config: RATE_LIMIT_RETRIES must not be negative, got %d", c.RateLimitRetries)
	}
	if c.XRequestsPerSecond <= 0 {
		return fmt.Errorf("config: X_REQUESTS_PER_SECOND must be positive, got %v", c.XRequestsPerSecond)
	}

	for name, d := range map[string]time.Duration{
		"PARTICIPATION_CACHE_TTL": c.ParticipationCacheTTL,
		"PENDING_LINK_TTL":        c.PendingLinkTTL,
		"RESERVATION_TIMEOUT":     c.ReservationTimeout,
		"CLAIM_WAIT_TIMEOUT":      c.ClaimWaitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.RateLimitBackoff < 0 || c.CampaignWindow < 0 {
		return errors.New("config: RATE_LIMIT_BACKOFF and CAMPAIGN_WINDOW must not be negative")
	}

	return nil
}

// AmountDecimal is only valid after Validate.
func (c Config) AmountDecimal() decimal.Decimal {
	return decimal.RequireFromString(c.Amount)
}
