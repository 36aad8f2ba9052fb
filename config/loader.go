// Package config loads YAML configuration with environment variable overrides.
//
// Environment variables and .env files:
//
// The loader reads .env files before applying overrides, in priority order
// (higher overrides lower):
//
//  1. ENV_FILE environment variable (if set, loads only this file)
//  2. .env.local (if it exists)
//  3. .env
//
// Override values come from `env` struct tags:
//
//	type Config struct {
//	    Endpoint string        `yaml:"endpoint" env:"GRADEFLOW_ENDPOINT"`
//	    Timeout  time.Duration `yaml:"timeout"  env:"GRADEFLOW_TIMEOUT"`
//	}
//
//	cfg, err := config.Load[Config]("config.yml")
package config

import (
	"fmt"
	"os"
)

// Load reads a YAML config file and applies environment variable overrides.
// The type parameter T must be a struct type.
func Load[T any](path string) (*T, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := unmarshal[T](data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadWithDefaults reads a YAML config file, applies defaults, then applies
// env overrides. The defaults function runs before overrides so the
// environment always wins.
func LoadWithDefaults[T any](path string, setDefaults func(*T)) (*T, error) {
	cfg, err := Load[T](path)
	if err != nil {
		return nil, err
	}

	if setDefaults != nil {
		setDefaults(cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadOptional is like LoadWithDefaults but tolerates a missing config file.
// When the file does not exist the zero value plus defaults plus environment
// overrides is returned, so a bare environment is enough to run.
func LoadOptional[T any](path string, setDefaults func(*T)) (*T, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		return LoadWithDefaults[T](path, setDefaults)
	}

	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}

	var cfg T
	if setDefaults != nil {
		setDefaults(&cfg)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// MustLoad is like Load but panics if an error occurs.
// Use this for initialization where failure should be fatal.
func MustLoad[T any](path string) *T {
	cfg, err := Load[T](path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// GetConfigPath returns the config path from CONFIG_PATH env var or the default.
func GetConfigPath(defaultPath string) string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return defaultPath
}
