// Package config handles loading and validating the config.toml configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Store    StoreConfig    `toml:"store"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
}

// LLMConfig configures the model provider that performs findings extraction.
type LLMConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	Endpoint string `toml:"endpoint"`
	Timeout  int    `toml:"timeout"` // HTTP timeout in seconds (0 = provider default)
}

// PipelineConfig controls the per-run state machine.
type PipelineConfig struct {
	// ExtractTimeout bounds a single extraction call, in seconds.
	ExtractTimeout int `toml:"extract_timeout"`
	// MaxRetries is the number of extraction retries after the first attempt.
	MaxRetries        int  `toml:"max_retries"`
	MaxConcurrentRuns int  `toml:"max_concurrent_runs"`
	MaxPromptEvents   int  `toml:"max_prompt_events"`
	SanitizeHTML      bool `toml:"sanitize_html"`
	// RunRetention keeps finished runs queryable by id, in seconds.
	RunRetention int `toml:"run_retention"`
}

// StoreConfig selects where rendered reports are persisted.
type StoreConfig struct {
	Backend string `toml:"backend"` // file | postgres
	Dir     string `toml:"dir"`
	DSN     string `toml:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	JWTSecret string `toml:"jwt_secret"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// ExtractTimeoutDuration returns the extraction timeout as a time.Duration.
func (p PipelineConfig) ExtractTimeoutDuration() time.Duration {
	return time.Duration(p.ExtractTimeout) * time.Second
}

// RunRetentionDuration returns the run retention as a time.Duration.
func (p PipelineConfig) RunRetentionDuration() time.Duration {
	return time.Duration(p.RunRetention) * time.Second
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			ExtractTimeout:    600,
			MaxRetries:        2,
			MaxConcurrentRuns: 4,
			MaxPromptEvents:   500,
			SanitizeHTML:      true,
			RunRetention:      3600,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "dfir_reports",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8742",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config.toml file and returns a validated Config.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n  Create one with: cp config.example.toml config.toml", path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	// Environment variable overrides for sensitive values
	if key := os.Getenv("DFIR_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if provider := os.Getenv("DFIR_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if model := os.Getenv("DFIR_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if v := os.Getenv("DFIR_ANALYSIS_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("DFIR_ANALYSIS_TIMEOUT: %q is not a number of seconds", v)
		}
		cfg.Pipeline.ExtractTimeout = secs
	}
	if secret := os.Getenv("DFIR_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if dsn := os.Getenv("DFIR_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)

	switch c.LLM.Provider {
	case "anthropic", "openai", "ollama":
		// valid
	case "":
		return fmt.Errorf("llm.provider is required (anthropic, openai, ollama)")
	default:
		return fmt.Errorf("unsupported llm.provider: %q", c.LLM.Provider)
	}

	// API key required for cloud providers
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	if c.Pipeline.ExtractTimeout <= 0 {
		return fmt.Errorf("pipeline.extract_timeout must be > 0")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		c.Pipeline.MaxConcurrentRuns = 1
	}
	if c.Pipeline.MaxPromptEvents <= 0 {
		c.Pipeline.MaxPromptEvents = 500
	}
	if c.Pipeline.RunRetention <= 0 {
		c.Pipeline.RunRetention = 3600
	}

	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case "", "file":
		c.Store.Backend = "file"
		if c.Store.Dir == "" {
			c.Store.Dir = "dfir_reports"
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend \"postgres\"")
		}
	default:
		return fmt.Errorf("unsupported store.backend: %q", c.Store.Backend)
	}

	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" {
		c.Log.Format = "text"
	}

	return nil
}
