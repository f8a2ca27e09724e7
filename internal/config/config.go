// Package config loads the settings the recovery core's constructor
// consumes. It is deliberately narrow: CLI argument parsing,
// daemonization, and signal handling belong to the daemon shell, not
// to the core.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/nfsdcld-core/internal/domain"
)

// Config holds the settings needed to open and operate the recovery
// database.
type Config struct {
	StorageDir    string `json:"storage_dir"`
	BusyTimeoutMS int    `json:"busy_timeout_ms"`
	LogLevel      string `json:"log_level"`
	MaxSQLLen     int    `json:"max_sql_len"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BusyTimeoutMS == 0 {
		c.BusyTimeoutMS = 10000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxSQLLen == 0 {
		c.MaxSQLLen = 4096 // PATH_MAX on Linux
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.StorageDir == "" {
		problems = append(problems, "storage_dir is required")
	}
	if c.BusyTimeoutMS <= 0 {
		problems = append(problems, "busy_timeout_ms must be positive")
	}
	if c.MaxSQLLen <= 0 {
		problems = append(problems, "max_sql_len must be positive")
	}

	if len(problems) > 0 {
		return &domain.CoreError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
