// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel backends.
const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	Pool        PoolConfig
	Negotiation NegotiationConfig
	Stake       StakeConfig
	Ledger      LedgerConfig
	Oracle      OracleConfig
	Channel     ChannelConfig
	Identity    IdentityConfig
	Retry       RetryConfig
	Telemetry   TelemetryConfig
}

// PoolConfig controls pool lifecycle.
type PoolConfig struct {
	Quorum        int
	AutoNegotiate bool
	AutoExecute   bool
	SweepInterval time.Duration
	DefaultPoolID string
}

// NegotiationConfig controls the agent protocol.
type NegotiationConfig struct {
	Timeout              time.Duration
	MaxRounds            int
	ConvergenceThreshold decimal.Decimal
	ComfortThreshold     decimal.Decimal
}

// StakeConfig bounds the per-person stake.
type StakeConfig struct {
	DefaultPercent decimal.Decimal
	MaxPercent     decimal.Decimal
	MinAmount      decimal.Decimal
	RewardRate     decimal.Decimal
	FanOut         int
	LedgerRPS      float64
}

// LedgerConfig selects and configures the ledger boundary.
type LedgerConfig struct {
	Addr          string // empty = in-process ledger
	AgentAccount  string
	EscrowAccount string
	SlashAccount  string
	TokenPriceUSD decimal.Decimal
	TokenDecimals int
}

// OracleConfig selects the reasoning oracle.
type OracleConfig struct {
	Addr           string // empty = local heuristic oracle
	RequestTimeout time.Duration
}

// ChannelConfig selects the ordered message channel backend.
type ChannelConfig struct {
	Backend       string
	SharedID      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PublishRetry  int
	PublishBase   time.Duration
	PublishMax    time.Duration
}

// IdentityConfig lists wallets treated as verified. Empty means all.
type IdentityConfig struct {
	VerifiedWallets []string
}

// RetryConfig holds retry settings for store writes.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tripstake.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Pool: PoolConfig{
			Quorum:        getEnvInt("POOL_QUORUM", 3),
			AutoNegotiate: getEnvBool("POOL_AUTO_NEGOTIATE", true),
			AutoExecute:   getEnvBool("POOL_AUTO_EXECUTE", true),
			SweepInterval: getEnvDuration("POOL_SWEEP_INTERVAL", time.Minute),
			DefaultPoolID: getEnv("POOL_DEFAULT_ID", "default"),
		},
		Negotiation: NegotiationConfig{
			Timeout:              getEnvDuration("NEGOTIATION_TIMEOUT", 30*time.Second),
			MaxRounds:            getEnvInt("NEGOTIATION_MAX_ROUNDS", 2),
			ConvergenceThreshold: getEnvDecimal("NEGOTIATION_CONVERGENCE_THRESHOLD", decimal.NewFromInt(2)),
			ComfortThreshold:     getEnvDecimal("NEGOTIATION_COMFORT_THRESHOLD", decimal.NewFromInt(500)),
		},
		Stake: StakeConfig{
			DefaultPercent: getEnvDecimal("STAKE_DEFAULT_PERCENT", decimal.NewFromInt(6)),
			MaxPercent:     getEnvDecimal("STAKE_MAX_PERCENT", decimal.NewFromInt(6)),
			MinAmount:      getEnvDecimal("STAKE_MIN_AMOUNT", decimal.NewFromInt(1)),
			RewardRate:     getEnvDecimal("STAKE_REWARD_RATE", decimal.RequireFromString("0.05")),
			FanOut:         getEnvInt("EXECUTION_FANOUT", 4),
			LedgerRPS:      getEnvFloat("LEDGER_RPS", 10),
		},
		Ledger: LedgerConfig{
			Addr:          getEnv("LEDGER_ADDR", ""),
			AgentAccount:  getEnv("LEDGER_AGENT_ACCOUNT", "0x00000000000000000000000000000000000a9e01"),
			EscrowAccount: getEnv("LEDGER_ESCROW_ACCOUNT", "0x00000000000000000000000000000000000e5c01"),
			SlashAccount:  getEnv("LEDGER_SLASH_ACCOUNT", "0x000000000000000000000000000000000005a501"),
			TokenPriceUSD: getEnvDecimal("TOKEN_PRICE_USD", decimal.RequireFromString("0.05")),
			TokenDecimals: getEnvInt("TOKEN_DECIMALS", 18),
		},
		Oracle: OracleConfig{
			Addr:           getEnv("ORACLE_ADDR", ""),
			RequestTimeout: getEnvDuration("ORACLE_REQUEST_TIMEOUT", 20*time.Second),
		},
		Channel: ChannelConfig{
			Backend:       strings.ToLower(getEnv("CHANNEL_BACKEND", ChannelMemory)),
			SharedID:      getEnv("CHANNEL_ID", ""),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			PublishRetry:  getEnvInt("CHANNEL_PUBLISH_RETRIES", 4),
			PublishBase:   getEnvDuration("CHANNEL_PUBLISH_BACKOFF", 100*time.Millisecond),
			PublishMax:    getEnvDuration("CHANNEL_PUBLISH_BACKOFF_MAX", 2*time.Second),
		},
		Identity: IdentityConfig{
			VerifiedWallets: splitList(getEnv("VERIFIED_WALLETS", "")),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "tripstake"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Pool.Quorum < 2 {
		return fmt.Errorf("POOL_QUORUM must be >= 2")
	}
	if c.Pool.SweepInterval <= 0 {
		return fmt.Errorf("POOL_SWEEP_INTERVAL must be > 0")
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("NEGOTIATION_TIMEOUT must be > 0")
	}
	if c.Negotiation.MaxRounds < 1 {
		return fmt.Errorf("NEGOTIATION_MAX_ROUNDS must be >= 1")
	}
	if c.Negotiation.ConvergenceThreshold.IsNegative() {
		return fmt.Errorf("NEGOTIATION_CONVERGENCE_THRESHOLD cannot be negative")
	}
	hundred := decimal.NewFromInt(100)
	if !c.Stake.DefaultPercent.IsPositive() || c.Stake.DefaultPercent.GreaterThan(c.Stake.MaxPercent) {
		return fmt.Errorf("STAKE_DEFAULT_PERCENT must be in (0, STAKE_MAX_PERCENT]")
	}
	if c.Stake.MaxPercent.GreaterThan(hundred) {
		return fmt.Errorf("STAKE_MAX_PERCENT must be <= 100")
	}
	if !c.Stake.MinAmount.IsPositive() {
		return fmt.Errorf("STAKE_MIN_AMOUNT must be > 0")
	}
	if c.Stake.FanOut < 1 {
		return fmt.Errorf("EXECUTION_FANOUT must be >= 1")
	}
	if c.Stake.LedgerRPS <= 0 {
		return fmt.Errorf("LEDGER_RPS must be > 0")
	}
	if !c.Ledger.TokenPriceUSD.IsPositive() {
		return fmt.Errorf("TOKEN_PRICE_USD must be > 0")
	}
	if c.Ledger.TokenDecimals < 0 || c.Ledger.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS must be in [0, 36]")
	}
	if c.Ledger.AgentAccount == "" || c.Ledger.EscrowAccount == "" {
		return fmt.Errorf("LEDGER_AGENT_ACCOUNT and LEDGER_ESCROW_ACCOUNT cannot be empty")
	}
	if c.Ledger.SlashAccount == "" || c.Ledger.SlashAccount == c.Ledger.EscrowAccount {
		return fmt.Errorf("LEDGER_SLASH_ACCOUNT must be set and differ from LEDGER_ESCROW_ACCOUNT")
	}
	switch c.Channel.Backend {
	case ChannelMemory:
	case ChannelRedis:
		if c.Channel.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty with CHANNEL_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CHANNEL_BACKEND must be %q or %q", ChannelMemory, ChannelRedis)
	}
	if c.Channel.PublishRetry < 1 {
		return fmt.Errorf("CHANNEL_PUBLISH_RETRIES must be >= 1")
	}
	if c.Retry.DatabaseMaxRetries < 1 {
		return fmt.Errorf("DB_MAX_RETRIES must be >= 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsesMemoryLedger reports whether the in-process ledger is active.
func (c *Config) UsesMemoryLedger() bool {
	return c.Ledger.Addr == ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}
