package config

import "time"

// ClassifierConfig controls error classification and the recovery policy.
type ClassifierConfig struct {
	// MaxConsecutiveErrors blocks a task unconditionally once its
	// consecutive error count reaches this value.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// MaxErrorRecords bounds the per-task error history; oldest entries
	// are dropped first.
	MaxErrorRecords int `yaml:"max_error_records"`

	// RateLimitCooldown is the dwell applied on a rate_limit classification.
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`

	// ErrorCooldown is the dwell applied when recovery answers a
	// transient failure (api_error, unknown) with a cooldown.
	ErrorCooldown time.Duration `yaml:"error_cooldown"`

	// RateLimitWindow and RateLimitPauseThreshold drive the global
	// executor pause: more than RateLimitPauseThreshold rate-limit hits
	// inside the window pause admission.
	RateLimitWindow         time.Duration `yaml:"rate_limit_window"`
	RateLimitPauseThreshold int           `yaml:"rate_limit_pause_threshold"`
}

// DefaultClassifierConfig returns the built-in classifier defaults.
func DefaultClassifierConfig() *ClassifierConfig {
	return &ClassifierConfig{
		MaxConsecutiveErrors:    5,
		MaxErrorRecords:         50,
		RateLimitCooldown:       60 * time.Second,
		ErrorCooldown:           30 * time.Second,
		RateLimitWindow:         5 * time.Minute,
		RateLimitPauseThreshold: 3,
	}
}
