// Package config loads scrapeflow configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"` // default: "0.0.0.0"
	Port int    `mapstructure:"port"` // default: 3001
	Mode string `mapstructure:"mode"` // "debug", "release", "test"; default: "release"

	// ShutdownTimeout bounds the whole shutdown sequence: HTTP drain plus
	// subprocess termination.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // default: 15s
}

// EngineConfig controls the external scraping engine subprocess.
type EngineConfig struct {
	// Executable is the interpreter or binary that is spawned.
	Executable string `mapstructure:"executable"` // default: "python3"

	// ScriptPath is passed as the first argument to Executable.
	ScriptPath string `mapstructure:"script_path"` // default: "python/pagination_scraper.py"

	// WorkDir is the subprocess working directory; empty inherits ours.
	WorkDir string `mapstructure:"work_dir"`

	// Timeout is the hard budget for one scrape.
	Timeout time.Duration `mapstructure:"timeout"` // default: 50s

	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration `mapstructure:"kill_grace"` // default: 10s
}

// AdmissionConfig bounds concurrent scrapes.
type AdmissionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"` // default: 2
}

// BreakerConfig controls the failure circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"` // default: 3
	Cooldown  time.Duration `mapstructure:"cooldown"`  // default: 30s
}

// LLMConfig controls the OpenAI-compatible completion client.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"` // default: "https://openrouter.ai/api/v1"

	// DefaultModel is used when the catalogue cannot pick one.
	DefaultModel string `mapstructure:"default_model"` // default: "openai/gpt-4o-mini"

	Timeout            time.Duration `mapstructure:"timeout"`              // default: 30s
	ModelLookupTimeout time.Duration `mapstructure:"model_lookup_timeout"` // default: 5s
	MaxTokens          int           `mapstructure:"max_tokens"`           // default: 4000
	Temperature        float64       `mapstructure:"temperature"`          // default: 0.3

	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string `mapstructure:"referer"`
	Title   string `mapstructure:"title"`
}

// CatalogConfig controls the model catalogue cache.
type CatalogConfig struct {
	TTL time.Duration `mapstructure:"ttl"` // default: 10m
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool `mapstructure:"enabled"` // default: false

	// APIKeys is the list of valid API keys.
	APIKeys []string `mapstructure:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key or client IP.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // default: 5

	// Burst is the maximum burst size per identity.
	Burst int `mapstructure:"burst"` // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // default: "info"
	Format string `mapstructure:"format"` // "json" or "text"; default: "json"
}

// Load builds a Config from defaults, an optional file and SCRAPEFLOW_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The provider key is commonly exported without our prefix.
	if err := v.BindEnv("llm.api_key", "SCRAPEFLOW_LLM_API_KEY", "OPENROUTER_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind llm.api_key: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// AutomaticEnv hands slices over as a single comma-separated string.
	cfg.Auth.APIKeys = splitKeys(cfg.Auth.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("engine.executable", "python3")
	v.SetDefault("engine.script_path", "python/pagination_scraper.py")
	v.SetDefault("engine.work_dir", "")
	v.SetDefault("engine.timeout", 50*time.Second)
	v.SetDefault("engine.kill_grace", 10*time.Second)
	v.SetDefault("admission.max_concurrent", 2)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.default_model", "openai/gpt-4o-mini")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.model_lookup_timeout", 5*time.Second)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.referer", "")
	v.SetDefault("llm.title", "scrapeflow")
	v.SetDefault("catalog.ttl", 10*time.Minute)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.Executable == "" {
		return fmt.Errorf("engine.executable must be set")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be > 0")
	}
	if c.Engine.KillGrace <= 0 {
		return fmt.Errorf("engine.kill_grace must be > 0")
	}
	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be > 0")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	return nil
}

func splitKeys(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
