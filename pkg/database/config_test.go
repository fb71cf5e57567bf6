package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		errContains string
		check       func(t *testing.T, cfg Config)
	}{
		{
			name: "defaults",
			env:  map[string]string{"BOSUN_DB_URL": "postgres://bosun@localhost/bosun"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 10, cfg.MaxOpenConns)
				assert.Equal(t, 5, cfg.MaxIdleConns)
				assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
				assert.Equal(t, 5*time.Minute, cfg.ConnMaxIdleTime)
			},
		},
		{
			name: "custom pool knobs",
			env: map[string]string{
				"BOSUN_DB_URL":                "postgres://bosun@db.internal/bosun",
				"BOSUN_DB_MAX_OPEN_CONNS":     "50",
				"BOSUN_DB_MAX_IDLE_CONNS":     "20",
				"BOSUN_DB_CONN_MAX_LIFETIME":  "1h",
				"BOSUN_DB_CONN_MAX_IDLE_TIME": "90s",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 50, cfg.MaxOpenConns)
				assert.Equal(t, 20, cfg.MaxIdleConns)
				assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
				assert.Equal(t, 90*time.Second, cfg.ConnMaxIdleTime)
			},
		},
		{
			name:        "missing url",
			env:         map[string]string{},
			errContains: "BOSUN_DB_URL is required",
		},
		{
			name: "bad max open conns",
			env: map[string]string{
				"BOSUN_DB_URL":            "postgres://bosun@localhost/bosun",
				"BOSUN_DB_MAX_OPEN_CONNS": "many",
			},
			errContains: "invalid BOSUN_DB_MAX_OPEN_CONNS",
		},
		{
			name: "bad lifetime",
			env: map[string]string{
				"BOSUN_DB_URL":               "postgres://bosun@localhost/bosun",
				"BOSUN_DB_CONN_MAX_LIFETIME": "later",
			},
			errContains: "invalid BOSUN_DB_CONN_MAX_LIFETIME",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := []string{
				"BOSUN_DB_URL", "BOSUN_DB_MAX_OPEN_CONNS", "BOSUN_DB_MAX_IDLE_CONNS",
				"BOSUN_DB_CONN_MAX_LIFETIME", "BOSUN_DB_CONN_MAX_IDLE_TIME",
			}
			for _, key := range keys {
				t.Setenv(key, "")
			}
			for key, val := range tt.env {
				t.Setenv(key, val)
			}

			cfg, err := LoadConfigFromEnv()
			if tt.errContains != "" {
				require.ErrorContains(t, err, tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{URL: "postgres://bosun@localhost/bosun", MaxOpenConns: 10, MaxIdleConns: 5}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.URL = "" }},
		{"zero max open", func(c *Config) { c.MaxOpenConns = 0 }},
		{"negative idle", func(c *Config) { c.MaxIdleConns = -1 }},
		{"idle exceeds open", func(c *Config) { c.MaxIdleConns = 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
