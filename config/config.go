/*
Logic:       Process-level configuration for the proxy fleet: data
             directory, admin shared secret, log level, remote pricing
             sync endpoint/interval, and default timeouts. Unlike the
             per-tool ToolProxyConfig (see toolconfig/), this is loaded
             once at startup from the environment and an optional .env
             file and never mutated at runtime.
Context:     Generalizes the teacher gateway's env-driven Config to the
             duckcoding proxy fleet's process-wide settings.
*/

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config holds process-wide settings shared by every proxy instance and
// background task. Per-tool settings live in toolconfig.ToolProxyConfig.
type Config struct {
	Env      string
	DataDir  string
	LogLevel string

	// AdminSecret is loaded from DUCKCODING_ADMIN_SECRET; no component in
	// this module reads it. Distinct from each tool's local shared secret.
	AdminSecret string

	// RedisURL optionally mirrors session NewRequest events to a Redis
	// pub/sub channel for external analytics consumers. Empty disables it;
	// the proxy fleet never depends on Redis for correctness.
	RedisURL string

	RemotePricingURL string
	RemoteSyncEvery  time.Duration

	CheckinHTTPTimeout time.Duration
	CheckinTickEvery   time.Duration

	LedgerFlushRows       int
	LedgerFlushEvery      time.Duration
	LedgerCheckpointEvery time.Duration

	SSESettleDelay time.Duration
}

// Load reads configuration from environment variables and an optional
// .env file in the current directory.
func Load() *Config {
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".duckcoding")

	cfg := &Config{
		Env:         getEnv("DUCKCODING_ENV", "development"),
		DataDir:     getEnv("DUCKCODING_DATA_DIR", defaultDataDir),
		LogLevel:    getEnv("DUCKCODING_LOG_LEVEL", "info"),
		AdminSecret: getEnv("DUCKCODING_ADMIN_SECRET", ""),
		RedisURL:    getEnv("DUCKCODING_REDIS_URL", ""),

		RemotePricingURL: getEnv("DUCKCODING_PRICING_URL", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"),
		RemoteSyncEvery:  getEnvDuration("DUCKCODING_PRICING_SYNC_EVERY", time.Hour),

		CheckinHTTPTimeout: getEnvDuration("DUCKCODING_CHECKIN_TIMEOUT", 30*time.Second),
		CheckinTickEvery:   getEnvDuration("DUCKCODING_CHECKIN_TICK", 60*time.Second),

		LedgerFlushRows:       getEnvInt("DUCKCODING_LEDGER_FLUSH_ROWS", 10),
		LedgerFlushEvery:      getEnvDuration("DUCKCODING_LEDGER_FLUSH_EVERY", 100*time.Millisecond),
		LedgerCheckpointEvery: getEnvDuration("DUCKCODING_LEDGER_CHECKPOINT_EVERY", 5*time.Minute),

		SSESettleDelay: getEnvDuration("DUCKCODING_SSE_SETTLE_DELAY", 2*time.Second),
	}
	return cfg
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := str2duration.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
