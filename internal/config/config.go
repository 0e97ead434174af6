package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBFile is the bbolt database path, used when PostgresDSN is empty.
	DBFile      string
	PostgresDSN string
	// RedisURL enables the cross-instance event bridge when set.
	RedisURL string

	APIAddr   string
	AdminAddr string

	AuthSecret  string
	TokenExpiry time.Duration

	// HistoryLimit is the initial page size when a conversation opens.
	HistoryLimit int

	// Presence rows older than PresenceMaxAge are swept to offline every
	// SweepInterval.
	SweepInterval  time.Duration
	PresenceMaxAge time.Duration
}

func Load(cliMode bool) (*Config, error) {
	// Missing .env is fine, real env vars still apply.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("CONFAB_TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONFAB_TOKEN_EXPIRY: %w", err)
	}
	sweepInterval, err := time.ParseDuration(getEnv("CONFAB_SWEEP_INTERVAL", "1m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONFAB_SWEEP_INTERVAL: %w", err)
	}
	maxAge, err := time.ParseDuration(getEnv("CONFAB_PRESENCE_MAX_AGE", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONFAB_PRESENCE_MAX_AGE: %w", err)
	}

	var historyLimit int
	if _, err := fmt.Sscanf(getEnv("CONFAB_HISTORY_LIMIT", "50"), "%d", &historyLimit); err != nil {
		return nil, fmt.Errorf("invalid CONFAB_HISTORY_LIMIT: %w", err)
	}

	cfg := &Config{
		DBFile:         getEnv("CONFAB_DB", "confab.db"),
		PostgresDSN:    os.Getenv("CONFAB_POSTGRES_DSN"),
		RedisURL:       os.Getenv("CONFAB_REDIS_URL"),
		APIAddr:        getEnv("CONFAB_API_ADDR", ":8080"),
		AdminAddr:      getEnv("CONFAB_ADMIN_ADDR", "localhost:8081"),
		AuthSecret:     os.Getenv("CONFAB_AUTH_SECRET"),
		TokenExpiry:    tokenExpiry,
		HistoryLimit:   historyLimit,
		SweepInterval:  sweepInterval,
		PresenceMaxAge: maxAge,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("CONFAB_AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("CONFAB_TOKEN_EXPIRY must be greater than 0")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("CONFAB_HISTORY_LIMIT must be greater than 0")
	}

	if c.SweepInterval <= 0 || c.PresenceMaxAge <= 0 {
		return fmt.Errorf("presence sweep settings must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
