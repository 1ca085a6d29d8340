package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration: file defaults merged with
// environment overrides so local and deployed runs share one path.
type Config struct {
	RegistryID   string        `yaml:"registry_id"`
	DatabaseURL  string        `yaml:"database_url"`
	ListenAddr   string        `yaml:"listen_addr"`
	TokenSecret  string        `yaml:"token_secret"`
	PayoutBudget time.Duration `yaml:"payout_budget"`
}

// Load reads the YAML file at path (optional) and applies environment
// overrides. Missing file is fine; missing required values are not.
func Load(path string) (Config, error) {
	cfg := Config{
		RegistryID:   "rentledger",
		ListenAddr:   ":8080",
		PayoutBudget: 500 * time.Millisecond,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REGISTRY_ID"); v != "" {
		cfg.RegistryID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("PAYOUT_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse PAYOUT_BUDGET: %w", err)
		}
		cfg.PayoutBudget = d
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database url is required")
	}
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("config: token secret is required")
	}
	return cfg, nil
}
