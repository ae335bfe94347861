package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from YAML and environment variables.
// Priority: Env Vars > YAML > Defaults.
// This loader is immutable. It runs once at startup.
type Loader[T any] struct {
	envPrefix  string
	configPath string
	validate   *validator.Validate
}

func NewLoader[T any](envPrefix, configPath string) *Loader[T] {
	return &Loader[T]{
		envPrefix:  envPrefix,
		configPath: configPath,
		validate:   validator.New(),
	}
}

// Load reads the configuration and validates it.
// If this fails, the application SHOULD die loudly.
func (l *Loader[T]) Load() (*T, error) {
	var cfg T

	// 1. Load from YAML if exists
	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err == nil {
			file, err := os.Open(l.configPath)
			if err != nil {
				return nil, fmt.Errorf("config: failed to open config file: %w", err)
			}
			defer file.Close()

			decoder := yaml.NewDecoder(file)
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config: failed to decode config file: %w", err)
			}
		}
	}

	// 2. Override with environment variables
	if err := envconfig.Process(l.envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process env vars: %w", err)
	}

	// 3. Enforce constraints (min, max, required, etc.)
	if err := l.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}
