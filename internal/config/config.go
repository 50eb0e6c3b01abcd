// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port         int           `env:"REBALANCER_PORT" envDefault:"8001"`
	LogLevel     string        `env:"REBALANCER_LOG_LEVEL" envDefault:"info"`
	DataDir      string        `env:"REBALANCER_DATA_DIR" envDefault:"./data"`
	SolveTimeout time.Duration `env:"REBALANCER_SOLVE_TIMEOUT" envDefault:"30s"` // overall budget per optimization call
	MaxWorkers   int           `env:"REBALANCER_MAX_WORKERS" envDefault:"4"`     // bounded concurrency for batch rebalances
	DevMode      bool          `env:"DEV_MODE" envDefault:"false"`
}

// Load reads configuration from environment variables, with an optional
// .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Always resolve the data directory to an absolute path and make sure
	// it exists before anything opens a database under it.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.DataDir = absDataDir

	return &cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SolveTimeout <= 0 {
		return fmt.Errorf("solve timeout must be positive, got %s", c.SolveTimeout)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	return nil
}

// DatabasePath returns the path of the models database inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "models.db")
}
