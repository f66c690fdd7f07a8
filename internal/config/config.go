package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           int    `env:"PORT" envDefault:"8090"`
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL       string `env:"REDIS_URL"`
	ServerName     string `env:"SERVER_NAME,required,notEmpty"`
	SigningKeyPath string `env:"SIGNING_KEY_PATH" envDefault:"identity.signing.key"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if strings.ContainsAny(c.ServerName, "/ ") {
		return fmt.Errorf("SERVER_NAME must be a bare DNS name, got %q", c.ServerName)
	}
	if c.SigningKeyPath == "" {
		return fmt.Errorf("SIGNING_KEY_PATH must not be empty")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
