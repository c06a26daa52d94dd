// Package config provides configuration management for the gravitypool router.
// It handles loading and parsing YAML configuration files and provides structured
// access to pool settings: account credentials location, upstream endpoints,
// retry/backoff policy, and the tracker/selection tuning knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// AccountsFile is the path to the YAML file holding the account credentials.
	AccountsFile string `yaml:"accounts-file"`

	// BaseURLs lists the upstream endpoints in fallback order. The first entry
	// is the primary endpoint; later entries are tried when the primary is
	// rate-limited or unreachable.
	BaseURLs []string `yaml:"base-urls"`

	// UserAgent is the fixed client tag sent with every upstream request.
	UserAgent string `yaml:"user-agent"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether logs are written to rotating files or stderr.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir is the directory for rotating log files when LoggingToFile is set.
	LogDir string `yaml:"log-dir"`

	// Retry controls the request retry/backoff policy.
	Retry RetryConfig `yaml:"retry"`

	// RateLimit controls rate-limit bookkeeping defaults.
	RateLimit RateLimitConfig `yaml:"rate-limit"`

	// Selection controls account scoring and the tracker sub-configs.
	Selection SelectionConfig `yaml:"selection"`

	// ModelCache controls the model-validity cache.
	ModelCache ModelCacheConfig `yaml:"model-cache"`
}

// RetryConfig defines the bounded retry/backoff policy for upstream calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per logical request.
	MaxAttempts int `yaml:"max-attempts"`
	// BaseDelayMs is the initial backoff delay; it doubles per attempt.
	BaseDelayMs int64 `yaml:"base-delay-ms"`
	// MaxDelayMs caps the exponential backoff delay.
	MaxDelayMs int64 `yaml:"max-delay-ms"`
	// MaxWaitMs is the largest acceptable single wait. Delays beyond it abandon
	// the attempt instead of stalling the caller.
	MaxWaitMs int64 `yaml:"max-wait-ms"`
}

// RateLimitConfig defines defaults for rate-limit entries.
type RateLimitConfig struct {
	// DefaultCooldownMs substitutes for absent or non-positive upstream reset
	// hints, and is the cut line between "rate limited" and "quota exhausted"
	// log events.
	DefaultCooldownMs int64 `yaml:"default-cooldown-ms"`
}

// SelectionConfig groups the tracker sub-configs and scoring weights.
type SelectionConfig struct {
	Weights     WeightsConfig     `yaml:"weights"`
	Health      HealthConfig      `yaml:"health"`
	TokenBucket TokenBucketConfig `yaml:"token-bucket"`
	Quota       QuotaConfig       `yaml:"quota"`
}

// WeightsConfig holds the per-component weights of the hybrid account score.
type WeightsConfig struct {
	Health  float64 `yaml:"health"`
	Tokens  float64 `yaml:"tokens"`
	Quota   float64 `yaml:"quota"`
	Recency float64 `yaml:"recency"`
}

// HealthConfig tunes the per-account health score.
type HealthConfig struct {
	Initial          float64 `yaml:"initial"`
	Min              float64 `yaml:"min"`
	Max              float64 `yaml:"max"`
	MinUsable        float64 `yaml:"min-usable"`
	SuccessReward    float64 `yaml:"success-reward"`
	FailurePenalty   float64 `yaml:"failure-penalty"`
	RateLimitPenalty float64 `yaml:"rate-limit-penalty"`
}

// TokenBucketConfig tunes the per-account request token bucket.
type TokenBucketConfig struct {
	MaxTokens       float64 `yaml:"max-tokens"`
	RefillPerSecond float64 `yaml:"refill-per-second"`
}

// QuotaConfig tunes quota criticality checks.
type QuotaConfig struct {
	// CriticalThreshold is the remaining-fraction below which an account is
	// excluded from normal selection for that model.
	CriticalThreshold float64 `yaml:"critical-threshold"`
	// UnknownScore is the neutral score used when no quota data is known.
	UnknownScore float64 `yaml:"unknown-score"`
}

// ModelCacheConfig tunes the model-validity cache.
type ModelCacheConfig struct {
	TTLMs int64 `yaml:"ttl-ms"`
}

// SetDefaults fills zero values with production defaults.
func (c *Config) SetDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "antigravity"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 32000
	}
	if c.Retry.MaxWaitMs <= 0 {
		c.Retry.MaxWaitMs = 60000
	}
	if c.RateLimit.DefaultCooldownMs <= 0 {
		c.RateLimit.DefaultCooldownMs = 60000
	}
	if c.Selection.Weights.Health == 0 {
		c.Selection.Weights.Health = 2
	}
	if c.Selection.Weights.Tokens == 0 {
		c.Selection.Weights.Tokens = 5
	}
	if c.Selection.Weights.Quota == 0 {
		c.Selection.Weights.Quota = 3
	}
	if c.Selection.Weights.Recency == 0 {
		c.Selection.Weights.Recency = 0.1
	}
	h := &c.Selection.Health
	if h.Initial == 0 {
		h.Initial = 100
	}
	if h.Max == 0 {
		h.Max = 100
	}
	if h.MinUsable == 0 {
		h.MinUsable = 30
	}
	if h.SuccessReward == 0 {
		h.SuccessReward = 5
	}
	if h.FailurePenalty == 0 {
		h.FailurePenalty = 25
	}
	if h.RateLimitPenalty == 0 {
		h.RateLimitPenalty = 15
	}
	tb := &c.Selection.TokenBucket
	if tb.MaxTokens <= 0 {
		tb.MaxTokens = 10
	}
	if tb.RefillPerSecond <= 0 {
		tb.RefillPerSecond = 0.2
	}
	q := &c.Selection.Quota
	if q.CriticalThreshold <= 0 {
		q.CriticalThreshold = 0.05
	}
	if q.UnknownScore <= 0 {
		q.UnknownScore = 50
	}
	if c.ModelCache.TTLMs <= 0 {
		c.ModelCache.TTLMs = 300000
	}
}

// LoadConfig reads and parses the configuration file at the given path.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}
