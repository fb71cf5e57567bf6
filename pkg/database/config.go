package database

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection settings. The pool knobs default to
// values suited to a single orchestrator process; raise them when many
// processes share one database.
type Config struct {
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv builds a Config from BOSUN_DB_* environment variables.
// Setting BOSUN_DB_URL is what selects the Postgres board backend in the
// first place, so it is required here.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:             os.Getenv("BOSUN_DB_URL"),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	var err error
	if cfg.MaxOpenConns, err = intEnv("BOSUN_DB_MAX_OPEN_CONNS", cfg.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = intEnv("BOSUN_DB_MAX_IDLE_CONNS", cfg.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if cfg.ConnMaxLifetime, err = durationEnv("BOSUN_DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if cfg.ConnMaxIdleTime, err = durationEnv("BOSUN_DB_CONN_MAX_IDLE_TIME", cfg.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks for values that would misconfigure the pool.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("BOSUN_DB_URL is required")
	}
	if c.MaxOpenConns <= 0 {
		return errors.New("max open conns must be positive")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max idle conns must not be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must not exceed max open conns")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return val, nil
}
