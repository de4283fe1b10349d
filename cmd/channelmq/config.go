package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config drives the serve subcommand. Values come from a YAML file with
// CHANNELMQ_* environment variables taking precedence.
type Config struct {
	Listen   string        `yaml:"listen"`
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	LogLevel string        `yaml:"log_level"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"nats"`
}

func defaultConfig() Config {
	cfg := Config{
		Listen:   ":8090",
		LogLevel: "info",
	}
	cfg.NATS.Channel = "default"
	return cfg
}

// loadConfig reads path (optional) and applies environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CHANNELMQ_LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := os.LookupEnv("CHANNELMQ_SECRET"); ok {
		cfg.Secret = v
	}
	if v, ok := os.LookupEnv("CHANNELMQ_TOKEN_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TokenTTL = d
		}
	}
	if v, ok := os.LookupEnv("CHANNELMQ_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("CHANNELMQ_NATS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NATS.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("CHANNELMQ_NATS_URL"); ok {
		cfg.NATS.URL = v
	}
	if v, ok := os.LookupEnv("CHANNELMQ_NATS_CHANNEL"); ok {
		cfg.NATS.Channel = v
	}
}
