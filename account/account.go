// Package account holds the credential pool data model and the mutable
// per-account state store: rate-limit entries, invalidity markers, cooldowns,
// failure counters and quota snapshots. The static identity of an account is
// separated from its runtime state so that concurrent readers and writers
// synchronize on the store rather than on shared account records.
package account

import "time"

// Account is one credential in the pool. Fields here are static identity
// loaded from the credentials file; all runtime state lives in StateStore,
// keyed by Email.
type Account struct {
	// Email identifies the account. It is the key for all runtime state.
	Email string `yaml:"email"`
	// Label is an optional human-readable name.
	Label string `yaml:"label,omitempty"`
	// RefreshToken is the long-lived credential used by the external token
	// resolver. It also seeds the project-id cache key.
	RefreshToken string `yaml:"refresh-token,omitempty"`
	// Disabled excludes the account from selection without marking it invalid.
	Disabled bool `yaml:"disabled,omitempty"`
	// QuotaThresholds holds optional per-model critical-quota overrides
	// (remaining fraction, 0..1) that take precedence over the global default.
	QuotaThresholds map[string]float64 `yaml:"quota-thresholds,omitempty"`
}

// RateLimitEntry records a per-model rate limit for one account.
// An entry with RateLimited set but ResetTime at or before now is expired and
// must be treated as not limited by every reader; expiry is observed lazily.
type RateLimitEntry struct {
	RateLimited bool
	// ResetTime is the instant the limit expires; zero when not limited.
	ResetTime time.Time
	// ActualReset is the upstream-supplied reset duration, preserved for
	// diagnostics even when the default cooldown was substituted.
	ActualReset time.Duration
}

// Expired reports whether the entry is limited in name only.
func (e RateLimitEntry) Expired(now time.Time) bool {
	return e.RateLimited && !e.ResetTime.After(now)
}

// Active reports whether the entry currently blocks the account.
func (e RateLimitEntry) Active(now time.Time) bool {
	return e.RateLimited && e.ResetTime.After(now)
}

// QuotaSnapshot is the upstream-reported remaining capacity for one
// account+model pair. It is supplied externally and only read here.
type QuotaSnapshot struct {
	// RemainingFraction is the remaining quota in 0..1, nil when unknown.
	RemainingFraction *float64
	// ResetTime is the upstream-reported reset marker, empty when absent.
	// A nil fraction together with a non-empty ResetTime means the quota is
	// exhausted rather than unknown.
	ResetTime string
	// Checked is when the snapshot was taken.
	Checked time.Time
}

// Exhausted reports whether the snapshot signals a fully spent quota.
func (q QuotaSnapshot) Exhausted() bool {
	return q.RemainingFraction == nil && q.ResetTime != ""
}
