// Package config loads contextchat settings from config.toml and the
// environment, and reloads them when the file changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Environment overrides.
const (
	EnvAPIKey     = "ANTHROPIC_API_KEY"
	EnvProxyURL   = "CONTEXTCHAT_PROXY_URL"
	EnvProxyToken = "CONTEXTCHAT_PROXY_TOKEN"
	EnvDBPath     = "CONTEXTCHAT_DB"
)

// Config is the full application configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	AI     AIConfig     `toml:"ai"`
	Proxy  ProxyConfig  `toml:"proxy"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins"`
}

type AIConfig struct {
	Model       string  `toml:"model"`
	MaxTokens   int64   `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	// RequestTimeout is a Go duration such as "90s". Empty or "0" waits on
	// the transport defaults.
	RequestTimeout string `toml:"request_timeout"`
	// APIKey is the server's own vendor key, used by the proxy endpoints.
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type ProxyConfig struct {
	URL        string `toml:"url"`
	Token      string `toml:"token"`
	ContextURL string `toml:"context_url"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8420"},
		AI: AIConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv(EnvProxyURL); v != "" {
		c.Proxy.URL = v
	}
	if v := os.Getenv(EnvProxyToken); v != "" {
		c.Proxy.Token = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Server.DBPath = v
	}
}

// Validate checks values that cannot be checked by the TOML decoder.
func (c *Config) Validate() error {
	if _, err := c.AI.Timeout(); err != nil {
		return err
	}
	if c.AI.MaxTokens < 0 {
		return fmt.Errorf("ai.max_tokens must not be negative")
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 1 {
		return fmt.Errorf("ai.temperature must be between 0 and 1")
	}
	return nil
}

// Timeout parses RequestTimeout. A bare number is read as seconds.
func (a AIConfig) Timeout() (time.Duration, error) {
	if a.RequestTimeout == "" {
		return 0, nil
	}
	var d time.Duration
	if secs, err := strconv.Atoi(a.RequestTimeout); err == nil {
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(a.RequestTimeout); err != nil {
		return 0, fmt.Errorf("ai.request_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ai.request_timeout must not be negative")
	}
	return d, nil
}

// GenerateURL returns the context-generation endpoint: the configured one,
// or the generate-context route next to a ".../chat" proxy URL.
func (p ProxyConfig) GenerateURL() string {
	if p.ContextURL != "" {
		return p.ContextURL
	}
	if strings.HasSuffix(p.URL, "/chat") {
		return strings.TrimSuffix(p.URL, "chat") + "generate-context"
	}
	return ""
}

// Save writes c to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
