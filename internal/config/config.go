// Package config resolves the typed application configuration once at
// startup. Components consume the struct; nothing reads raw environment
// variables at call sites.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tinytools/chatcli/internal/costcontrol"
)

// Config holds all chat CLI settings. Every key has a default; absence of
// any environment variable is not fatal.
type Config struct {
	Model       string  `env:"CHAT_MODEL" env-default:"gpt-4o-mini"`
	MaxTokens   int     `env:"CHAT_MAX_TOKENS" env-default:"500"`
	Temperature float64 `env:"CHAT_TEMPERATURE" env-default:"0.7"`

	Budget costcontrol.BudgetPolicy

	UserID      string `env:"CHAT_USER_ID" env-default:"default"`
	LedgerFile  string `env:"CHAT_COST_LOG_FILE" env-default:"costs.json"`
	UsageDBFile string `env:"CHAT_USAGE_DB_FILE" env-default:"usage.db"`
	PricingFile string `env:"CHAT_PRICING_FILE" env-default:""`

	BaseURL string `env:"OPENAI_BASE_URL" env-default:""`
	APIKey  string `env:"OPENAI_API_KEY" env-default:""`

	LogLevel string `env:"CHAT_LOG_LEVEL" env-default:"info"`
	LogFile  string `env:"CHAT_LOG_FILE" env-default:""`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be > 0, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2], got %f", c.Temperature)
	}
	if c.UserID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	return c.Budget.Validate()
}
