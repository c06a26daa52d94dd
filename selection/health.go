// Package selection implements account scoring and the hybrid selection
// strategy: per-account health, request-rate token buckets, quota
// criticality, and a staged fallback ladder that relaxes filters until a
// usable account is found.
package selection

import (
	"sync"

	"github.com/routerlab/gravitypool/config"
)

// HealthTracker keeps a bounded reliability score per account, adjusted on
// every observed outcome. Unseen accounts start at the configured initial
// score. Scores saturate at the configured floor and ceiling.
type HealthTracker struct {
	mu     sync.Mutex
	cfg    config.HealthConfig
	scores map[string]float64
}

// NewHealthTracker creates a tracker with the given tuning.
func NewHealthTracker(cfg config.HealthConfig) *HealthTracker {
	if cfg.Max == 0 {
		cfg.Max = 100
	}
	if cfg.Initial == 0 {
		cfg.Initial = cfg.Max
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 5
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = 25
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = 15
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 30
	}
	return &HealthTracker{cfg: cfg, scores: make(map[string]float64)}
}

func (t *HealthTracker) adjust(id string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	score, ok := t.scores[id]
	if !ok {
		score = t.cfg.Initial
	}
	score += delta
	if score > t.cfg.Max {
		score = t.cfg.Max
	}
	if score < t.cfg.Min {
		score = t.cfg.Min
	}
	t.scores[id] = score
}

// RecordSuccess rewards the account after a completed request.
func (t *HealthTracker) RecordSuccess(id string) {
	t.adjust(id, t.cfg.SuccessReward)
}

// RecordFailure penalizes the account after a failed request. Failures are
// penalized harder than rate limits.
func (t *HealthTracker) RecordFailure(id string) {
	t.adjust(id, -t.cfg.FailurePenalty)
}

// RecordRateLimit applies the milder rate-limit penalty.
func (t *HealthTracker) RecordRateLimit(id string) {
	t.adjust(id, -t.cfg.RateLimitPenalty)
}

// Score returns the current health score, the initial value for unseen ids.
func (t *HealthTracker) Score(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if score, ok := t.scores[id]; ok {
		return score
	}
	return t.cfg.Initial
}

// IsUsable reports whether the score clears the minimum-usable threshold.
func (t *HealthTracker) IsUsable(id string) bool {
	return t.Score(id) >= t.cfg.MinUsable
}
