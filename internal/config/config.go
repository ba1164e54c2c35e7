package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	ServerURL     string `env:"SERVER_URL,required=true"`
	BotName       string `env:"BOT_NAME,default=dispatchbot"`
	CommandPrefix string `env:"COMMAND_PREFIX,default=!"`

	RateLimitEnabled     bool `env:"RATE_LIMIT_ENABLED,default=false"`
	RateLimitMaxMessages int  `env:"RATE_LIMIT_MAX_MESSAGES,default=0"`
	RateLimitTimeSlotMs  int  `env:"RATE_LIMIT_TIME_SLOT_MS,default=0"`

	OutboxSize         int `env:"OUTBOX_SIZE,default=256"`
	HandlerConcurrency int `env:"HANDLER_CONCURRENCY,default=16"`
	PluginTimeoutMs    int `env:"PLUGIN_TIMEOUT_MS,default=5000"`

	UserCommandsPerSec     float64 `env:"USER_COMMANDS_PER_SEC,default=1"`
	UserCommandBurst       int     `env:"USER_COMMAND_BURST,default=3"`
	ChannelCommandLimit    int     `env:"CHANNEL_COMMAND_LIMIT,default=10"`
	ChannelCommandWindowMs int     `env:"CHANNEL_COMMAND_WINDOW_MS,default=60000"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	FactURL     string `env:"FACT_URL"`

	HTTPPort int    `env:"HTTP_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("SERVER_URL is required")
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		return fmt.Errorf("COMMAND_PREFIX must not be blank")
	}
	if c.RateLimitEnabled {
		if c.RateLimitMaxMessages < 1 {
			return fmt.Errorf("RATE_LIMIT_MAX_MESSAGES must be at least 1 when rate limiting is enabled, got %d", c.RateLimitMaxMessages)
		}
		if c.RateLimitTimeSlotMs < 0 {
			return fmt.Errorf("RATE_LIMIT_TIME_SLOT_MS must not be negative, got %d", c.RateLimitTimeSlotMs)
		}
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("OUTBOX_SIZE must be at least 1, got %d", c.OutboxSize)
	}
	if c.HandlerConcurrency < 1 {
		return fmt.Errorf("HANDLER_CONCURRENCY must be at least 1, got %d", c.HandlerConcurrency)
	}
	if c.PluginTimeoutMs < 1 {
		return fmt.Errorf("PLUGIN_TIMEOUT_MS must be at least 1, got %d", c.PluginTimeoutMs)
	}
	if c.UserCommandsPerSec <= 0 || c.UserCommandBurst < 1 {
		return fmt.Errorf("USER_COMMANDS_PER_SEC and USER_COMMAND_BURST must be positive")
	}
	if c.ChannelCommandLimit < 1 || c.ChannelCommandWindowMs < 1 {
		return fmt.Errorf("CHANNEL_COMMAND_LIMIT and CHANNEL_COMMAND_WINDOW_MS must be positive")
	}
	return nil
}

// RateLimit reports the outbound window. enabled is false when no limit applies.
func (c *Config) RateLimit() (maxMessages int, slot time.Duration, enabled bool) {
	if !c.RateLimitEnabled {
		return 0, 0, false
	}
	return c.RateLimitMaxMessages, time.Duration(c.RateLimitTimeSlotMs) * time.Millisecond, true
}

func (c *Config) PluginTimeout() time.Duration {
	return time.Duration(c.PluginTimeoutMs) * time.Millisecond
}

func (c *Config) ChannelCommandWindow() time.Duration {
	return time.Duration(c.ChannelCommandWindowMs) * time.Millisecond
}
