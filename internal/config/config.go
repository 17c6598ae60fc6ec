// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	APIKey       string
	DatabasePath string
	ListenAddr   string
	LogLevel     string
	// RedisAddr enables the shared per-feed lock. Empty means the
	// in-process lock, which is fine for a single instance.
	RedisAddr     string
	RedisPassword string
}

// Load reads configuration from a .env file if present, overlaid by the
// process environment.
func Load() (*Config, error) {
	// A missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/feednotify.db"
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":5000"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		APIKey:        apiKey,
		DatabasePath:  dbPath,
		ListenAddr:    listenAddr,
		LogLevel:      logLevel,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}, nil
}
