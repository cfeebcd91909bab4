package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cache
	CacheTTL time.Duration // tier/coupon metadata cache lifetime

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Wallet
	Currency        string          // display currency code for amounts
	NewUserGift     decimal.Decimal // free-gift credit on registration, zero disables
	CashbackPercent decimal.Decimal // purchase cashback percent, zero disables

	// Referral
	ReferralAmount        decimal.Decimal // held-gift value per referred signup, zero disables
	ReferralSweepInterval time.Duration   // background gift release re-scan period

	// Payment Gateway
	GatewayVerifyKey string // ED25519 public key (Base64 encoded) for verifying webhook signatures

	// Admin Authentication
	AdminToken string // Bearer token for admin API access
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerAddr:            envOr("SERVER_ADDR", ":8080"),
		RedisAddr:             envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         envOr("REDIS_PASSWORD", ""),
		RedisDB:               envIntOr("REDIS_DB", 0),
		CacheTTL:              envDurationOr("CACHE_TTL", 5*time.Minute),
		DBHost:                envOr("DB_HOST", "localhost"),
		DBPort:                envOr("DB_PORT", "5432"),
		DBUser:                envOr("DB_USER", "postgres"),
		DBPassword:            envOr("DB_PASSWORD", "postgres"),
		DBName:                envOr("DB_NAME", "wallet"),
		DBSSLMode:             envOr("DB_SSLMODE", "disable"),
		Currency:              envOr("CURRENCY", "USD"),
		NewUserGift:           envDecimalOr("NEW_USER_GIFT", decimal.Zero),
		CashbackPercent:       envDecimalOr("CASHBACK_PERCENT", decimal.Zero),
		ReferralAmount:        envDecimalOr("REFERRAL_AMOUNT", decimal.Zero),
		ReferralSweepInterval: envDurationOr("REFERRAL_SWEEP_INTERVAL", 10*time.Minute),
		GatewayVerifyKey:      envOr("GATEWAY_VERIFY_KEY", ""),
		AdminToken:            envOr("ADMIN_TOKEN", ""),
	}
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimalOr(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
