package config

import "time"

// BusConfig controls the in-process event bus.
type BusConfig struct {
	// RingCapacity bounds the retained event log.
	RingCapacity int `yaml:"ring_capacity"`

	// DedupWindow suppresses repeat events per (type, task) inside it.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// StaleCheckInterval and StaleThreshold drive agent:stale emission
	// from the heartbeat map.
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		RingCapacity:       500,
		DedupWindow:        500 * time.Millisecond,
		StaleCheckInterval: 30 * time.Second,
		StaleThreshold:     90 * time.Second,
	}
}

// StoreConfig selects and tunes the kanban store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres". Empty auto-selects: postgres when
	// a DSN is configured, sqlite otherwise.
	Driver string `yaml:"driver"`

	// DSN is the Postgres connection string (also settable via
	// BOSUN_DB_URL).
	DSN string `yaml:"dsn"`

	// Path is the SQLite database file. Empty defaults to
	// <stateRoot>/bosun.db.
	Path string `yaml:"path"`

	// Connection pool settings (postgres only).
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// APIConfig controls the operational HTTP surface.
type APIConfig struct {
	// Disabled skips HTTP entirely. The API serves at Addr by default.
	Disabled bool   `yaml:"disabled"`
	Addr     string `yaml:"addr"`
}

// DefaultAPIConfig returns the built-in API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Addr: "127.0.0.1:7177",
	}
}

// NotifyConfig controls Telegram alert delivery.
type NotifyConfig struct {
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv string `yaml:"token_env"`

	// ChatID is the destination chat. Zero disables notification.
	ChatID int64 `yaml:"chat_id"`
}

// DefaultNotifyConfig returns the built-in notifier defaults.
func DefaultNotifyConfig() *NotifyConfig {
	return &NotifyConfig{
		TokenEnv: "BOSUN_TELEGRAM_TOKEN",
	}
}

// RetentionConfig controls the background retention service.
type RetentionConfig struct {
	// Interval is the cadence of the retention sweep.
	Interval time.Duration `yaml:"interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Interval: 10 * time.Minute,
	}
}
