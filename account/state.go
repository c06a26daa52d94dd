package account

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routerlab/gravitypool/config"
)

// state is the mutable runtime record for a single account.
type state struct {
	lastUsed            time.Time
	invalid             bool
	invalidReason       string
	consecutiveFailures int
	modelLimits         map[string]RateLimitEntry
	coolingDownUntil    time.Time
	cooldownReason      string
	quota               map[string]QuotaSnapshot
}

// StateStore owns all mutable per-account state, addressed by account email.
// All methods are safe for concurrent use.
type StateStore struct {
	mu              sync.RWMutex
	states          map[string]*state
	defaultCooldown time.Duration
	now             func() time.Time
}

// NewStateStore creates a store with the given rate-limit defaults.
func NewStateStore(cfg config.RateLimitConfig) *StateStore {
	cooldown := time.Duration(cfg.DefaultCooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &StateStore{
		states:          make(map[string]*state),
		defaultCooldown: cooldown,
		now:             time.Now,
	}
}

func (s *StateStore) get(email string) *state {
	st, ok := s.states[email]
	if !ok {
		st = &state{
			modelLimits: make(map[string]RateLimitEntry),
			quota:       make(map[string]QuotaSnapshot),
		}
		s.states[email] = st
	}
	return st
}

// MarkRateLimited records a rate limit for the account+model pair. A missing
// or non-positive reset hint is replaced by the default cooldown. The default
// cooldown is also the cut line between a short rate limit and a long quota
// exhaustion in the emitted log event.
func (s *StateStore) MarkRateLimited(email, model string, resetMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := time.Duration(resetMs) * time.Millisecond
	effective := actual
	if effective <= 0 {
		effective = s.defaultCooldown
	}
	now := s.now()
	st := s.get(email)
	st.modelLimits[model] = RateLimitEntry{
		RateLimited: true,
		ResetTime:   now.Add(effective),
		ActualReset: actual,
	}
	st.consecutiveFailures++

	if effective > s.defaultCooldown {
		log.Warnf("account %s quota exhausted for model %s, reset in %s", email, model, effective)
	} else {
		log.Debugf("account %s rate limited for model %s, reset in %s", email, model, effective)
	}
}

// ClearExpiredLimits removes every entry whose reset time has passed and
// returns how many were cleared. Safe and idempotent; everywhere else expiry
// is observed lazily at read time.
func (s *StateStore) ClearExpiredLimits(accounts []*Account) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleared := 0
	for _, acct := range accounts {
		st, ok := s.states[acct.Email]
		if !ok {
			continue
		}
		for model, entry := range st.modelLimits {
			if entry.Expired(now) {
				st.modelLimits[model] = RateLimitEntry{}
				cleared++
			}
		}
	}
	return cleared
}

// IsAllRateLimited reports whether no account can serve the model right now.
// An empty pool has no capacity, so it returns true. Without a model the
// answer cannot be determined and the pool is assumed available.
func (s *StateStore) IsAllRateLimited(accounts []*Account, model string) bool {
	if len(accounts) == 0 {
		return true
	}
	if model == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		st, ok := s.states[acct.Email]
		if !ok {
			return false
		}
		if st.invalid {
			continue
		}
		if !st.modelLimits[model].Active(now) {
			return false
		}
	}
	return true
}

// AvailableAccounts filters out invalid, disabled, and currently rate-limited
// accounts for the model.
func (s *StateStore) AvailableAccounts(accounts []*Account, model string) []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	available := make([]*Account, 0, len(accounts))
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		st, ok := s.states[acct.Email]
		if ok {
			if st.invalid {
				continue
			}
			if model != "" && st.modelLimits[model].Active(now) {
				continue
			}
		}
		available = append(available, acct)
	}
	return available
}

// MinWaitTime returns the shortest wait until some account's limit for the
// model expires. It is zero when the pool is not fully limited. When every
// account is limited but no reset is computable the default cooldown is
// returned rather than failing.
func (s *StateStore) MinWaitTime(accounts []*Account, model string) time.Duration {
	if !s.IsAllRateLimited(accounts, model) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var min time.Duration = -1
	for _, acct := range accounts {
		st, ok := s.states[acct.Email]
		if !ok {
			continue
		}
		entry := st.modelLimits[model]
		if !entry.Active(now) {
			continue
		}
		wait := entry.ResetTime.Sub(now)
		if wait > 0 && (min < 0 || wait < min) {
			min = wait
		}
	}
	if min < 0 {
		return s.defaultCooldown
	}
	return min
}

// MarkInvalid permanently excludes the account from selection. Recovery
// happens externally through re-authentication.
func (s *StateStore) MarkInvalid(email, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(email)
	st.invalid = true
	st.invalidReason = reason
	log.Warnf("account %s marked invalid: %s", email, reason)
}

// IsInvalid reports the invalidity marker and its reason.
func (s *StateStore) IsInvalid(email string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[email]
	if !ok {
		return false, ""
	}
	return st.invalid, st.invalidReason
}

// ClearInvalid removes the invalidity marker, used by external re-auth flows.
func (s *StateStore) ClearInvalid(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(email)
	st.invalid = false
	st.invalidReason = ""
}

// MarkCoolingDown applies a temporary, model-independent exclusion used for
// fast backoff. It expires on read.
func (s *StateStore) MarkCoolingDown(email string, d time.Duration, reason string) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(email)
	st.coolingDownUntil = s.now().Add(d)
	st.cooldownReason = reason
}

// IsCoolingDown reports whether the account is still in its cooldown window,
// clearing the marker once expired.
func (s *StateStore) IsCoolingDown(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[email]
	if !ok || st.coolingDownUntil.IsZero() {
		return false
	}
	if !st.coolingDownUntil.After(s.now()) {
		st.coolingDownUntil = time.Time{}
		st.cooldownReason = ""
		return false
	}
	return true
}

// ClearCooldown removes the cooldown marker.
func (s *StateStore) ClearCooldown(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[email]; ok {
		st.coolingDownUntil = time.Time{}
		st.cooldownReason = ""
	}
}

// Usable reports whether the account passes the basic selection filter:
// enabled, not invalid, not cooling down, and not rate-limited for the model.
func (s *StateStore) Usable(acct *Account, model string) bool {
	if acct == nil || acct.Disabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[acct.Email]
	if !ok {
		return true
	}
	if st.invalid {
		return false
	}
	if !st.coolingDownUntil.IsZero() {
		if st.coolingDownUntil.After(s.now()) {
			return false
		}
		st.coolingDownUntil = time.Time{}
		st.cooldownReason = ""
	}
	if model != "" && st.modelLimits[model].Active(s.now()) {
		return false
	}
	return true
}

// RateLimit returns the current entry for the account+model pair.
func (s *StateStore) RateLimit(email, model string) (RateLimitEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[email]
	if !ok {
		return RateLimitEntry{}, false
	}
	entry, ok := st.modelLimits[model]
	return entry, ok
}

// ConsecutiveFailures returns the failure streak for the account.
func (s *StateStore) ConsecutiveFailures(email string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[email]; ok {
		return st.consecutiveFailures
	}
	return 0
}

// IncrementFailures bumps the failure streak and returns the new value.
func (s *StateStore) IncrementFailures(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(email)
	st.consecutiveFailures++
	return st.consecutiveFailures
}

// ResetFailures clears the failure streak after a success.
func (s *StateStore) ResetFailures(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[email]; ok {
		st.consecutiveFailures = 0
	}
}

// Touch stamps the account as used now.
func (s *StateStore) Touch(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(email).lastUsed = s.now()
}

// LastUsed returns the last selection timestamp, zero for never-used accounts.
func (s *StateStore) LastUsed(email string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[email]; ok {
		return st.lastUsed
	}
	return time.Time{}
}

// SetQuota stores an externally supplied quota snapshot.
func (s *StateStore) SetQuota(email, model string, snap QuotaSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Checked.IsZero() {
		snap.Checked = s.now()
	}
	s.get(email).quota[model] = snap
}

// Quota returns the stored snapshot for the account+model pair.
func (s *StateStore) Quota(email, model string) (QuotaSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[email]
	if !ok {
		return QuotaSnapshot{}, false
	}
	snap, ok := st.quota[model]
	return snap, ok
}
