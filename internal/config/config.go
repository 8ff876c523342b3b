// Package config provides process configuration loaded from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	PostgresDSN   string // relational store DSN (required)
	NATSURL       string // bus endpoint (required)
	ReceiptSecret string // HMAC signing secret for config receipts (required)
	EquitySeed    float64
	ConfigFile    string // optional JSON overlay feeding the registry's file layer
	LogLevel      string
	Port          int
	DevMode       bool
	Producer      string // envelope producer id
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		PostgresDSN:   getEnv("BRAIN_PG_DSN", ""),
		NATSURL:       getEnv("BRAIN_NATS_URL", "nats://127.0.0.1:4222"),
		ReceiptSecret: getEnv("BRAIN_RECEIPT_SECRET", ""),
		EquitySeed:    getEnvAsFloat("BRAIN_EQUITY_SEED", 0),
		ConfigFile:    getEnv("BRAIN_CONFIG_FILE", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Port:          getEnvAsInt("BRAIN_PORT", 8080),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		Producer:      getEnv("BRAIN_PRODUCER_ID", "titan-brain"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("BRAIN_PG_DSN is required")
	}
	if c.ReceiptSecret == "" {
		return fmt.Errorf("BRAIN_RECEIPT_SECRET is required")
	}
	if c.EquitySeed <= 0 {
		return fmt.Errorf("BRAIN_EQUITY_SEED must be a positive dollar amount")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
