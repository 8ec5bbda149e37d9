package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (envDefault tags, mirrored in defaults.go)

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LoadFromEnv returns a Config populated from the environment, with
// defaults for everything unset.  It should be called BEFORE CLI flag
// parsing so that flags take precedence.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
