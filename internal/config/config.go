package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server settings. Values come from config.yaml when present
// and may be overridden by PILOT_* environment variables.
type Config struct {
	HTTPHost   string
	HTTPPort   int
	EnableCORS bool
	Debug      bool

	DBPath string

	LogLevel  string
	LogFormat string

	LLM LLMConfig

	// Execution limits for the plan runner.
	StepTimeout        time.Duration
	PlanTimeout        time.Duration
	MaxCommandAttempts int
}

// LLMConfig configures the conversational model client.
type LLMConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.host", "localhost")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.enable_cors", true)
	v.SetDefault("http.debug", false)
	v.SetDefault("db.path", "pilot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("runner.step_timeout", "15s")
	v.SetDefault("runner.plan_timeout", "10m")
	v.SetDefault("runner.max_command_attempts", 3)

	v.SetEnvPrefix("PILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// A missing default config file is fine; env and defaults apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPHost:           v.GetString("http.host"),
		HTTPPort:           v.GetInt("http.port"),
		EnableCORS:         v.GetBool("http.enable_cors"),
		Debug:              v.GetBool("http.debug"),
		DBPath:             v.GetString("db.path"),
		LogLevel:           v.GetString("log.level"),
		LogFormat:          v.GetString("log.format"),
		StepTimeout:        v.GetDuration("runner.step_timeout"),
		PlanTimeout:        v.GetDuration("runner.plan_timeout"),
		MaxCommandAttempts: v.GetInt("runner.max_command_attempts"),
		LLM: LLMConfig{
			APIKey:      v.GetString("llm.api_key"),
			Model:       v.GetString("llm.model"),
			BaseURL:     v.GetString("llm.base_url"),
			Temperature: v.GetFloat64("llm.temperature"),
		},
	}

	if cfg.MaxCommandAttempts < 1 {
		return nil, fmt.Errorf("runner.max_command_attempts must be at least 1, got %d", cfg.MaxCommandAttempts)
	}
	if cfg.StepTimeout <= 0 {
		return nil, fmt.Errorf("runner.step_timeout must be positive")
	}

	return cfg, nil
}
