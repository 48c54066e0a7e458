// Package config loads server configuration from defaults, a TOML file and
// the environment. Command-line flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/streamchat/server/llm"
)

const FileName = "config.toml"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Chat     ChatConfig     `toml:"chat"`
}

type ServerConfig struct {
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
	DevMode   bool   `toml:"dev_mode"`
	DataDir   string `toml:"data_dir"`
}

type UpstreamConfig struct {
	Provider    string        `toml:"provider"`
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	MaxTokens   int           `toml:"max_tokens"`
	Timeout     time.Duration `toml:"timeout"`
}

type ChatConfig struct {
	// RatePerMinute limits chat:message per connection. 0 disables the limit.
	RatePerMinute float64 `toml:"rate_per_minute"`
	Burst         int     `toml:"burst"`
	ListLimit     int     `toml:"list_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			DataDir: ".streamchat",
		},
		Upstream: UpstreamConfig{
			Provider:    string(llm.Default),
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		},
		Chat: ChatConfig{
			RatePerMinute: 30,
			Burst:         5,
			ListLimit:     50,
		},
	}
}

// Load returns defaults overlaid with the TOML file at path (skipped when
// path is empty) and then the environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("AUTH_TOKEN", &c.Server.AuthToken)
	setString("DATA_DIR", &c.Server.DataDir)
	setString("LLM_PROVIDER", &c.Upstream.Provider)
	setString("LLM_BASE_URL", &c.Upstream.BaseURL)
	setString("OPENAI_API_KEY", &c.Upstream.APIKey)
	setString("LLM_API_KEY", &c.Upstream.APIKey)
	setString("LLM_MODEL", &c.Upstream.Model)

	if v := getenv("DEV_MODE"); v != "" {
		c.Server.DevMode = v == "true"
	}
	if v := getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("LLM_TEMPERATURE"); v != "" {
		temp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_TEMPERATURE %q: %w", v, err)
		}
		c.Upstream.Temperature = temp
	}
	if v := getenv("CHAT_RATE_PER_MINUTE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAT_RATE_PER_MINUTE %q: %w", v, err)
		}
		c.Chat.RatePerMinute = rate
	}
	return nil
}

var (
	errInvalidPort        = errors.New("port must be between 1 and 65535")
	errInvalidTemperature = errors.New("temperature must be between 0 and 2")
	errInvalidRate        = errors.New("rate_per_minute must not be negative")
)

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", errInvalidPort, c.Server.Port)
	}
	if !llm.ProviderType(c.Upstream.Provider).IsValid() {
		return fmt.Errorf("unknown provider %q", c.Upstream.Provider)
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("%w: %v", errInvalidTemperature, c.Upstream.Temperature)
	}
	if c.Upstream.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative: %d", c.Upstream.MaxTokens)
	}
	if c.Chat.RatePerMinute < 0 {
		return fmt.Errorf("%w: %v", errInvalidRate, c.Chat.RatePerMinute)
	}
	if c.Chat.Burst < 1 {
		c.Chat.Burst = 1
	}
	if c.Chat.ListLimit <= 0 {
		c.Chat.ListLimit = 50
	}
	return nil
}

// Params returns the generation settings for the next turn.
func (u UpstreamConfig) Params() llm.Params {
	return llm.Params{
		Model:       u.Model,
		Temperature: u.Temperature,
		MaxTokens:   u.MaxTokens,
	}
}
