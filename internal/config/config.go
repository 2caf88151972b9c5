// Package config loads and validates all runtime configuration for the
// proxy from environment variables (prefix LLM_) and an optional .env file.
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

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	// Feature toggles.
	ProxyEnabled     bool
	PromptHubEnabled bool
	ChainHubEnabled  bool
	LLMHubEnabled    bool

	// LLMHubDirectory is where the multi-provider registry JSON files live.
	LLMHubDirectory string

	// Legacy single-provider proxy target, used when multi-provider
	// routing does not resolve a model (spec.md §4.10 "single-provider path").
	ProxyTargetURL            string
	ProxyMaxRetries           int
	ProxyBaseDelay            float64
	ProxyBackoffFactor        float64
	ProxyFailureThreshold     int
	ProxyRecoveryTime         float64
	ProxyWindowSize           float64
	ProxyExcludeHeaders       []string
	ProxyVerifySSL            bool
	ProxyAuthorizationType    string
	ProxyAPIKey               string
	ProxyOIDCAuthorizationURL string
	ProxyOIDCCredentials      string
	ProxyOIDCScope            string
	ProxyAPICertPath          string
	ProxyAPICertKeyPath       string

	ProxyConnectTimeout time.Duration
	ProxyReadTimeout    time.Duration
	ProxyWriteTimeout   time.Duration
	MaxConnections      int
	MaxKeepaliveConns   int

	// Tracing.
	TracingEnabled bool
	TracingLogIO   bool

	AppBaseURL string
	Version    string
}

// Load reads configuration from LLM_-prefixed environment variables and
// (optionally) a .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("LLM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("PROXY_ENABLED", false)
	v.SetDefault("PROMPT_HUB_ENABLED", false)
	v.SetDefault("CHAIN_HUB_ENABLED", false)
	v.SetDefault("LLM_HUB_ENABLED", false)
	v.SetDefault("LLM_HUB_DIRECTORY", "data/llm_hub")

	v.SetDefault("PROXY_TARGET_URL", "http://localhost:8001")
	v.SetDefault("PROXY_MAX_RETRIES", 5)
	v.SetDefault("PROXY_BASE_DELAY", 0.5)
	v.SetDefault("PROXY_BACKOFF_FACTOR", 2.0)
	v.SetDefault("PROXY_FAILURE_THRESHOLD", 0)
	v.SetDefault("PROXY_RECOVERY_TIME", 30)
	v.SetDefault("PROXY_WINDOW_SIZE", 60)
	v.SetDefault("PROXY_EXCLUDE_HEADERS", "host,authorization,cookie,x-forwarded-*,jwt-*")
	v.SetDefault("PROXY_VERIFY_SSL", true)
	v.SetDefault("PROXY_AUTHORIZATION_TYPE", "BEARER")

	v.SetDefault("PROXY_CONNECT_TIMEOUT", "10s")
	v.SetDefault("PROXY_READ_TIMEOUT", "300s")
	v.SetDefault("PROXY_WRITE_TIMEOUT", "30s")
	v.SetDefault("MAX_CONNECTIONS", 100)
	v.SetDefault("MAX_KEEPALIVE_CONNECTIONS", 20)

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_LOG_IO", true)

	v.SetDefault("VERSION", "0.1.0")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		ProxyEnabled:     v.GetBool("PROXY_ENABLED"),
		PromptHubEnabled: v.GetBool("PROMPT_HUB_ENABLED"),
		ChainHubEnabled:  v.GetBool("CHAIN_HUB_ENABLED"),
		LLMHubEnabled:    v.GetBool("LLM_HUB_ENABLED"),
		LLMHubDirectory:  v.GetString("LLM_HUB_DIRECTORY"),

		ProxyTargetURL:            v.GetString("PROXY_TARGET_URL"),
		ProxyMaxRetries:           v.GetInt("PROXY_MAX_RETRIES"),
		ProxyBaseDelay:            v.GetFloat64("PROXY_BASE_DELAY"),
		ProxyBackoffFactor:        v.GetFloat64("PROXY_BACKOFF_FACTOR"),
		ProxyFailureThreshold:     v.GetInt("PROXY_FAILURE_THRESHOLD"),
		ProxyRecoveryTime:         v.GetFloat64("PROXY_RECOVERY_TIME"),
		ProxyWindowSize:           v.GetFloat64("PROXY_WINDOW_SIZE"),
		ProxyExcludeHeaders:       splitCSV(v.GetString("PROXY_EXCLUDE_HEADERS")),
		ProxyVerifySSL:            v.GetBool("PROXY_VERIFY_SSL"),
		ProxyAuthorizationType:    strings.ToUpper(v.GetString("PROXY_AUTHORIZATION_TYPE")),
		ProxyAPIKey:               v.GetString("PROXY_API_KEY"),
		ProxyOIDCAuthorizationURL: v.GetString("PROXY_OIDC_AUTHORIZATION_URL"),
		ProxyOIDCCredentials:      v.GetString("PROXY_OIDC_CREDENTIALS"),
		ProxyOIDCScope:            v.GetString("PROXY_OIDC_SCOPE"),
		ProxyAPICertPath:          v.GetString("PROXY_API_CERT_PATH"),
		ProxyAPICertKeyPath:       v.GetString("PROXY_API_CERT_KEY_PATH"),

		ProxyConnectTimeout: v.GetDuration("PROXY_CONNECT_TIMEOUT"),
		ProxyReadTimeout:    v.GetDuration("PROXY_READ_TIMEOUT"),
		ProxyWriteTimeout:   v.GetDuration("PROXY_WRITE_TIMEOUT"),
		MaxConnections:      v.GetInt("MAX_CONNECTIONS"),
		MaxKeepaliveConns:   v.GetInt("MAX_KEEPALIVE_CONNECTIONS"),

		TracingEnabled: v.GetBool("TRACING_ENABLED"),
		TracingLogIO:   v.GetBool("TRACING_LOG_IO"),

		AppBaseURL: v.GetString("APP_BASE_URL"),
		Version:    v.GetString("VERSION"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.ProxyMaxRetries < 0 {
		return fmt.Errorf("config: PROXY_MAX_RETRIES must be >= 0, got %d", c.ProxyMaxRetries)
	}
	// Note: PROXY_FAILURE_THRESHOLD == 0 strictly disables the breaker
	// (spec.md §9 Open Question) — not validated as an error case.
	if c.ProxyFailureThreshold < 0 {
		return fmt.Errorf("config: PROXY_FAILURE_THRESHOLD must be >= 0, got %d", c.ProxyFailureThreshold)
	}

	switch c.ProxyAuthorizationType {
	case "BEARER", "APIKEY", "CERT", "NONE":
	default:
		return fmt.Errorf("config: invalid PROXY_AUTHORIZATION_TYPE %q", c.ProxyAuthorizationType)
	}
	if c.ProxyAuthorizationType == "BEARER" && c.ProxyOIDCAuthorizationURL == "" {
		return fmt.Errorf("config: PROXY_OIDC_AUTHORIZATION_URL is required when PROXY_AUTHORIZATION_TYPE=BEARER")
	}

	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
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
