// Package config loads service configuration. The environment is the source
// of truth; an optional YAML file supplies defaults that the environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the wallet memory layer.
type Config struct {
	// Primary store
	StoreURL string `yaml:"store_url"`
	StoreKey string `yaml:"store_key"`

	// Cache
	CacheURL          string        `yaml:"cache_url"`
	CachePassword     string        `yaml:"cache_password"`
	CachePoolMin      int           `yaml:"cache_pool_min"`
	CachePoolMax      int           `yaml:"cache_pool_max"`
	CacheDefaultTTL   time.Duration `yaml:"cache_default_ttl"`
	CacheMemThreshold float64       `yaml:"cache_mem_threshold"`

	// Upstream indexer stream
	UpstreamURL    string `yaml:"upstream_url"`
	UpstreamAPIKey string `yaml:"upstream_api_key"`

	// Privacy encryption
	EncryptionSalt string `yaml:"encryption_salt"`
	MasterKey      string `yaml:"master_key"`

	// Auto-registration
	AutoRegister bool     `yaml:"auto_register"`
	Wallets      []string `yaml:"wallets"`

	// Service
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`
	Port        int    `yaml:"port"`
}

// Known-insecure literals refused for EncryptionSalt and MasterKey.
var insecureLiterals = map[string]bool{
	"changeme":                         true,
	"default":                          true,
	"secret":                           true,
	"insecure-default-salt":            true,
	"test-master-key-do-not-use":       true,
	"00000000000000000000000000000000": true,
}

// Load reads the optional YAML file at path (skipped when path is empty or
// the file does not exist), applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{
		CachePoolMin:      10,
		CachePoolMax:      50,
		CacheDefaultTTL:   300 * time.Second,
		CacheMemThreshold: 0.80,
		LogLevel:          "info",
		Environment:       "development",
		Port:              8080,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StoreURL = getEnvOrDefault("STORE_URL", c.StoreURL)
	c.StoreKey = getEnvOrDefault("STORE_KEY", c.StoreKey)

	c.CacheURL = getEnvOrDefault("CACHE_URL", c.CacheURL)
	c.CachePassword = getEnvOrDefault("CACHE_PASSWORD", c.CachePassword)
	c.CachePoolMin = getIntEnv("CACHE_POOL_MIN", c.CachePoolMin)
	c.CachePoolMax = getIntEnv("CACHE_POOL_MAX", c.CachePoolMax)
	if secs := getIntEnv("CACHE_DEFAULT_TTL_SECONDS", 0); secs > 0 {
		c.CacheDefaultTTL = time.Duration(secs) * time.Second
	}
	c.CacheMemThreshold = getFloatEnv("CACHE_MEMORY_THRESHOLD", c.CacheMemThreshold)

	c.UpstreamURL = getEnvOrDefault("UPSTREAM_URL", c.UpstreamURL)
	c.UpstreamAPIKey = getEnvOrDefault("UPSTREAM_API_KEY", c.UpstreamAPIKey)

	c.EncryptionSalt = getEnvOrDefault("ENCRYPTION_SALT", c.EncryptionSalt)
	c.MasterKey = getEnvOrDefault("PROTOCOL_MASTER_KEY", c.MasterKey)

	c.AutoRegister = getBoolEnv("AUTO_REGISTER", c.AutoRegister)
	if list := getStringSliceEnv("AUTO_REGISTER_WALLETS", ","); len(list) > 0 {
		c.Wallets = list
	}

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.Environment = getEnvOrDefault("ENVIRONMENT", c.Environment)
	c.Port = getIntEnv("PORT", c.Port)
}

// Validate enforces required fields and refuses insecure key material.
func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.CacheURL == "" {
		return fmt.Errorf("CACHE_URL is required")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}
	if c.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_SALT is required")
	}
	if insecureLiterals[strings.ToLower(c.EncryptionSalt)] {
		return fmt.Errorf("ENCRYPTION_SALT is a known insecure literal")
	}
	if c.MasterKey != "" {
		if len(c.MasterKey) < 32 {
			return fmt.Errorf("PROTOCOL_MASTER_KEY must be at least 32 characters")
		}
		if insecureLiterals[strings.ToLower(c.MasterKey)] {
			return fmt.Errorf("PROTOCOL_MASTER_KEY is a known insecure literal")
		}
	}
	if c.CachePoolMin < 1 || c.CachePoolMax < c.CachePoolMin {
		return fmt.Errorf("invalid cache pool bounds min=%d max=%d", c.CachePoolMin, c.CachePoolMax)
	}
	if c.CacheMemThreshold <= 0 || c.CacheMemThreshold > 1 {
		return fmt.Errorf("cache memory threshold must be in (0, 1], got %v", c.CacheMemThreshold)
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return result
}

func getStringSliceEnv(key, separator string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, separator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
