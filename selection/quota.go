package selection

import (
	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/config"
)

// QuotaTracker interprets externally supplied quota snapshots to exclude
// accounts whose remaining quota for a model is critically low and to
// contribute a quota component to the selection score.
type QuotaTracker struct {
	cfg   config.QuotaConfig
	store *account.StateStore
}

// NewQuotaTracker creates a tracker reading snapshots from the state store.
func NewQuotaTracker(cfg config.QuotaConfig, store *account.StateStore) *QuotaTracker {
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.UnknownScore <= 0 {
		cfg.UnknownScore = 50
	}
	return &QuotaTracker{cfg: cfg, store: store}
}

// threshold resolves the effective critical threshold: explicit override,
// then the account's per-model override, then the configured default.
func (t *QuotaTracker) threshold(acct *account.Account, model string, override *float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}
	if acct.QuotaThresholds != nil {
		if v, ok := acct.QuotaThresholds[model]; ok && v > 0 {
			return v
		}
	}
	return t.cfg.CriticalThreshold
}

// IsCritical reports whether the account's remaining quota for the model is
// known and below the effective threshold. Unknown quota fails open, but a
// missing fraction alongside a reset marker means the quota is exhausted and
// fails closed.
func (t *QuotaTracker) IsCritical(acct *account.Account, model string, override *float64) bool {
	snap, ok := t.store.Quota(acct.Email, model)
	if !ok {
		return false
	}
	if snap.Exhausted() {
		return true
	}
	if snap.RemainingFraction == nil {
		return false
	}
	return *snap.RemainingFraction < t.threshold(acct, model, override)
}

// Score maps the remaining fraction onto 0..100 for selection scoring.
// Unknown quota scores neutrally so undocumented accounts are not punished.
func (t *QuotaTracker) Score(acct *account.Account, model string) float64 {
	snap, ok := t.store.Quota(acct.Email, model)
	if !ok {
		return t.cfg.UnknownScore
	}
	if snap.Exhausted() {
		return 0
	}
	if snap.RemainingFraction == nil {
		return t.cfg.UnknownScore
	}
	return *snap.RemainingFraction * 100
}
