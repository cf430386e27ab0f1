package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Store struct {
	// Path is the pebble data directory. Empty means an in-memory store (tests, demos).
	Path string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Log struct {
	File    string
	Level   string
	Verbose bool
}

type Config struct {
	Store Store
	API   API
	Log   Log
}

func Default() Config {
	return Config{
		Store: Store{
			Path: "data/orders",
		},
		API: API{
			Addr:           ":5002",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Log: Log{
			File:  "data/node.log",
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Store.Path = getEnv("DB_PATH", cfg.Store.Path)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	// Example: "http://localhost:3000,https://app.example.org"
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}
	if verbose := os.Getenv("VERBOSE"); verbose != "" {
		cfg.Log.Verbose = verbose == "true"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
