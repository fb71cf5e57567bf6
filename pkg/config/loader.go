package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: built-in defaults, overlaid by
// the YAML file at path (if any), overlaid by environment variables. The
// result is path-resolved and validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(expandEnv(raw), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// File values win; defaults fill whatever the file left unset.
	if err := mergo.Merge(cfg, defaultConfig()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := resolve(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps the supported environment variables onto the
// configuration. Environment wins over both file and defaults.
func applyEnvOverrides(cfg *Config) error {
	var err error

	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	// MAX_PARALLEL is honoured for compatibility; VK_MAX_PARALLEL wins.
	setInt("MAX_PARALLEL", &cfg.Scheduler.MaxParallel)
	setInt("VK_MAX_PARALLEL", &cfg.Scheduler.MaxParallel)

	setInt("AGENT_ERROR_LOOP_THRESHOLD", &cfg.Analyzer.ErrorLoopThreshold)
	setInt("AGENT_TOOL_LOOP_THRESHOLD", &cfg.Analyzer.ToolLoopThreshold)
	setMillis("AGENT_STUCK_THRESHOLD_MS", &cfg.Analyzer.StuckThreshold)
	setMillis("AGENT_STUCK_SWEEP_INTERVAL_MS", &cfg.Analyzer.StuckSweepInterval)
	setMillis("AGENT_INITIAL_REPLAY_MAX_SESSION_AGE_MS", &cfg.Analyzer.InitialReplayMaxSessionAge)
	setInt64("AGENT_ALERT_COOLDOWN_REPLAY_MAX_BYTES", &cfg.Analyzer.AlertCooldownReplayMaxBytes)
	setFloat("AGENT_COST_ANOMALY_THRESHOLD", &cfg.Analyzer.CostAnomalyThresholdUSD)
	setBool("AGENT_ANALYZER_REPLAY_STARTUP", &cfg.Analyzer.ReplayStartup)

	setString("BOSUN_WORKSPACE", &cfg.Workspace)
	// REPO_ROOT is honoured for compatibility; BOSUN_AGENT_REPO_ROOT wins.
	setString("REPO_ROOT", &cfg.RepoRoot)
	setString("BOSUN_AGENT_REPO_ROOT", &cfg.RepoRoot)

	setBool("BOSUN_ISSUE_INGESTION", &cfg.Trust.IngestionEnabled)
	setString("BOSUN_DB_URL", &cfg.Store.DSN)
	setInt64("BOSUN_TELEGRAM_CHAT_ID", &cfg.Notify.ChatID)

	return err
}

// resolve fills derived values: workspace and repo root fall back to
// well-known locations, and the repository owner joins the trusted set.
func resolve(cfg *Config) error {
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}
		cfg.Workspace = filepath.Join(home, ".bosun")
	}
	if cfg.RepoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving repo root: %w", err)
		}
		cfg.RepoRoot = wd
	}
	if cfg.Trust.RepoOwner != "" && !slices.Contains(cfg.Trust.TrustedUsers, cfg.Trust.RepoOwner) {
		cfg.Trust.TrustedUsers = append(cfg.Trust.TrustedUsers, cfg.Trust.RepoOwner)
	}
	return nil
}
