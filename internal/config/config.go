// Package config loads and validates the gateway's runtime configuration.
//
// Values come from environment variables, with an optional config.yaml in
// the working directory as a fallback; an env var always wins over the YAML
// key of the same name (UPPER_SNAKE_CASE in env, lower_snake_case in YAML).
//
// Redis is mandatory — the balance ledger and the rate limiter have no
// in-process substitute. The response cache may instead run in-process
// (CACHE_MODE=memory) or be switched off (CACHE_MODE=none).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config collects every runtime setting of the gateway.
type Config struct {
	// Port the HTTP server listens on. Default 8080.
	Port int

	// LogLevel is the minimum level emitted: debug, info, warn or error.
	LogLevel string

	// SDK-backed providers; at least one provider key must be set overall.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers.
	Mistral  ProviderConfig
	XAI      ProviderConfig
	DeepSeek ProviderConfig
	Groq     ProviderConfig

	// Redis holds the connection URL for the balance ledger, the rate
	// limiter, and (when CacheMode is "redis") the response cache.
	Redis RedisConfig

	// Accounts configures the durable account store.
	Accounts AccountsConfig

	// Ledger controls the balance debit CAS loop.
	Ledger LedgerConfig

	// Pricing overrides the shipped price list.
	Pricing PricingConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// CircuitBreaker tunes the per-provider breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-key request-rate limiting.
	RateLimit RateLimitConfig

	// Failover tunes multi-provider fallback.
	Failover FailoverConfig

	// RequestLog configures the async request log sink.
	RequestLog RequestLogConfig

	// IdentityTokens maps management bearer tokens to user IDs for the key
	// self-service endpoints. Format: "token1:user1,token2:user2".
	IdentityTokens map[string]string

	// AdminTokens gates POST /v1/billing/credits.
	AdminTokens []string

	// CORSOrigins lists the allowed CORS origins; ["*"] (the default)
	// admits any origin.
	CORSOrigins []string
}

// ProviderConfig configures one upstream LLM vendor.
type ProviderConfig struct {
	// APIKey enables the provider; empty disables it.
	APIKey string

	// BaseURL points the client at a non-default endpoint, typically a
	// local mock during development.
	BaseURL string
}

// RedisConfig carries the shared-store connection settings.
type RedisConfig struct {
	// URL in redis:// or rediss:// form, e.g. redis://localhost:6379.
	URL string
}

// AccountsConfig holds the durable account store settings.
type AccountsConfig struct {
	// DSN is the SQLite database path, e.g. "chargegate.db" or ":memory:".
	// Default: "chargegate.db".
	DSN string
}

// LedgerConfig controls the balance debit loop.
type LedgerConfig struct {
	// MaxAttempts is the number of CAS retries per debit before giving up
	// with a contention error. Default: 3.
	MaxAttempts int

	// RetryBackoff is the pause between CAS retries. Default: 100ms.
	RetryBackoff time.Duration
}

// PricingConfig overrides the shipped per-model price list.
type PricingConfig struct {
	// DefaultModel is the fallback price entry for unknown models.
	// Default: "gpt-4o-mini".
	DefaultModel string

	// Overrides maps model name → USD-per-1K-tokens decimal string.
	// Format in env: "gpt-4o:0.0075,claude-3-opus:0.045".
	Overrides map[string]string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode picks the backend: "redis" (shared across replicas, the
	// default), "memory" (per-process), or "none".
	Mode string

	// TTL applied to stored responses. Default 1h.
	TTL time.Duration

	// ExcludeExact names models that must never be cached.
	ExcludeExact []string

	// ExcludePatterns holds Go regexps matched against the model name;
	// a match skips the cache. Example: ["^ft:", ".*-preview$"].
	ExcludePatterns []string
}

// CircuitBreakerConfig tunes the per-provider breakers.
type CircuitBreakerConfig struct {
	// ErrorThreshold trips the breaker when reached inside TimeWindow.
	// Default 5.
	ErrorThreshold int

	// TimeWindow is the rolling error-count window. Default 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is the open duration before a single probe request
	// is admitted. Default 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls per-key request-rate limiting.
type RateLimitConfig struct {
	// Ceiling caps requests per API key in any trailing Window;
	// 0 disables limiting. Default 60.
	Ceiling int

	// Window is the sliding window length. Default 1m.
	Window time.Duration
}

// FailoverConfig tunes multi-provider fallback.
type FailoverConfig struct {
	// MaxRetries caps provider attempts per request, first attempt
	// included. Default 3.
	MaxRetries int

	// ProviderTimeout bounds one unary upstream call. Default 30s.
	ProviderTimeout time.Duration

	// StreamTimeout bounds the whole lifetime of a streamed response.
	// Default 5m.
	StreamTimeout time.Duration
}

// RequestLogConfig configures the async request log.
type RequestLogConfig struct {
	// ClickHouseDSN enables the ClickHouse sink when non-empty,
	// e.g. "clickhouse://localhost:9000/default". When empty, request logs
	// go to the structured logger.
	ClickHouseDSN string
}

// Load assembles the configuration from the environment and, when present,
// config.yaml. REDIS_URL and at least one provider key are required.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "redis")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("ACCOUNTS_DSN", "chargegate.db")

	// Ledger defaults.
	v.SetDefault("LEDGER_MAX_ATTEMPTS", 3)
	v.SetDefault("LEDGER_RETRY_BACKOFF", "100ms")

	// Pricing defaults.
	v.SetDefault("PRICING_DEFAULT_MODEL", "gpt-4o-mini")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("STREAM_TIMEOUT", "5m")

	// Rate limit: 60 requests per key per minute; 0 disables.
	v.SetDefault("RATE_LIMIT_CEILING", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		XAI:       ProviderConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		DeepSeek:  ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Groq:      ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Accounts: AccountsConfig{DSN: v.GetString("ACCOUNTS_DSN")},

		Ledger: LedgerConfig{
			MaxAttempts:  v.GetInt("LEDGER_MAX_ATTEMPTS"),
			RetryBackoff: v.GetDuration("LEDGER_RETRY_BACKOFF"),
		},

		Pricing: PricingConfig{
			DefaultModel: v.GetString("PRICING_DEFAULT_MODEL"),
			Overrides:    parsePairList(v.GetString("PRICING_OVERRIDES")),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Ceiling: v.GetInt("RATE_LIMIT_CEILING"),
			Window:  v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
			StreamTimeout:   v.GetDuration("STREAM_TIMEOUT"),
		},

		RequestLog: RequestLogConfig{
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		IdentityTokens: parsePairList(v.GetString("IDENTITY_TOKENS")),
		AdminTokens:    v.GetStringSlice("ADMIN_TOKENS"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces the constraints defaults cannot express.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, or GROQ_API_KEY)",
		)
	}

	// The ledger and rate limiter have no in-process fallback.
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required (balance ledger and rate limiter)")
	}

	if c.Accounts.DSN == "" {
		return fmt.Errorf("config: ACCOUNTS_DSN must not be empty")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("config: LEDGER_MAX_ATTEMPTS must be ≥ 1, got %d", c.Ledger.MaxAttempts)
	}
	if c.RateLimit.Ceiling < 0 {
		return fmt.Errorf("config: RATE_LIMIT_CEILING must be ≥ 0, got %d", c.RateLimit.Ceiling)
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != ""
}

// parsePairList parses "key1:val1,key2:val2" into a map. Malformed entries
// are skipped.
func parsePairList(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
