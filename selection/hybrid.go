package selection

import (
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/config"
)

// Level records how far the selection filters had to be relaxed to find a
// candidate.
type Level int

const (
	// LevelNormal applies every filter: basic usability, health, tokens, quota.
	LevelNormal Level = iota
	// LevelQuota drops the quota-criticality filter.
	LevelQuota
	// LevelEmergency additionally drops the health filter.
	LevelEmergency
	// LevelLastResort keeps only the basic usability filter.
	LevelLastResort
	// LevelNone means no account qualified at any level.
	LevelNone
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelQuota:
		return "quota"
	case LevelEmergency:
		return "emergency"
	case LevelLastResort:
		return "lastResort"
	default:
		return "none"
	}
}

// Result is the outcome of one selection round.
type Result struct {
	// Account is the chosen credential, nil when the pool has no capacity.
	Account *account.Account
	// Index is the chosen account's position in the input slice.
	Index int
	// Wait is a throttle or retry hint: a small pool-stress delay when a
	// fallback level was used, or the time until a token refills when the
	// whole pool is starved.
	Wait time.Duration
	// Level is the fallback level the selection succeeded (or gave up) at.
	Level Level
	// Reason describes why no account qualified; empty on success.
	Reason string
}

const (
	recencyCapSeconds  = 3600
	emergencyThrottle  = 250 * time.Millisecond
	lastResortThrottle = 500 * time.Millisecond
)

// HybridStrategy combines health, token-bucket, quota and recency signals
// into a single score and picks the best account per request. When the full
// filter set yields nothing it relaxes filters in stages rather than failing
// outright.
type HybridStrategy struct {
	weights config.WeightsConfig
	store   *account.StateStore
	health  *HealthTracker
	buckets *TokenBucketTracker
	quota   *QuotaTracker
	now     func() time.Time
}

// NewHybridStrategy builds the strategy and its trackers from one config.
func NewHybridStrategy(cfg config.SelectionConfig, store *account.StateStore) *HybridStrategy {
	w := cfg.Weights
	if w.Health == 0 {
		w.Health = 2
	}
	if w.Tokens == 0 {
		w.Tokens = 5
	}
	if w.Quota == 0 {
		w.Quota = 3
	}
	if w.Recency == 0 {
		w.Recency = 0.1
	}
	return &HybridStrategy{
		weights: w,
		store:   store,
		health:  NewHealthTracker(cfg.Health),
		buckets: NewTokenBucketTracker(cfg.TokenBucket),
		quota:   NewQuotaTracker(cfg.Quota, store),
		now:     time.Now,
	}
}

// Health exposes the health tracker for outcome notifications and tests.
func (s *HybridStrategy) Health() *HealthTracker { return s.health }

// Buckets exposes the token-bucket tracker.
func (s *HybridStrategy) Buckets() *TokenBucketTracker { return s.buckets }

// Quota exposes the quota tracker.
func (s *HybridStrategy) Quota() *QuotaTracker { return s.quota }

type candidate struct {
	acct  *account.Account
	index int
}

// SelectAccount picks the best account for the model, relaxing filters in
// stages when necessary. It never blocks; when the pool has no capacity the
// result carries a wait hint instead.
func (s *HybridStrategy) SelectAccount(accounts []*account.Account, model string) Result {
	basic := func(a *account.Account) bool { return s.store.Usable(a, model) }
	healthy := func(a *account.Account) bool { return s.health.IsUsable(a.Email) }
	hasTokens := func(a *account.Account) bool { return s.buckets.HasTokens(a.Email) }
	quotaOK := func(a *account.Account) bool { return !s.quota.IsCritical(a, model, nil) }

	// The fallback ladder, tried in order, stopping at the first non-empty
	// candidate set.
	ladder := []struct {
		level   Level
		filters []func(*account.Account) bool
	}{
		{LevelNormal, []func(*account.Account) bool{basic, healthy, hasTokens, quotaOK}},
		{LevelQuota, []func(*account.Account) bool{basic, healthy, hasTokens}},
		{LevelEmergency, []func(*account.Account) bool{basic, hasTokens}},
		{LevelLastResort, []func(*account.Account) bool{basic}},
	}

	var candidates []candidate
	level := LevelNone
	for _, stage := range ladder {
		candidates = candidates[:0]
		for i, acct := range accounts {
			pass := true
			for _, filter := range stage.filters {
				if !filter(acct) {
					pass = false
					break
				}
			}
			if pass {
				candidates = append(candidates, candidate{acct: acct, index: i})
			}
		}
		if len(candidates) > 0 {
			level = stage.level
			break
		}
	}

	if level == LevelNone {
		return s.diagnose(accounts, model, basic, healthy, hasTokens)
	}

	if level >= LevelEmergency {
		log.Warnf("selection: %s fallback for model %s, choosing least-bad of %d accounts", level, model, len(candidates))
	} else if level == LevelQuota {
		log.Debugf("selection: quota filter relaxed for model %s", model)
	}

	best := candidates[0]
	bestScore := s.score(best.acct, model)
	for _, c := range candidates[1:] {
		if sc := s.score(c.acct, model); sc > bestScore {
			best = c
			bestScore = sc
		}
	}

	s.store.Touch(best.acct.Email)
	if level != LevelLastResort {
		s.buckets.Consume(best.acct.Email)
	}

	var wait time.Duration
	switch level {
	case LevelLastResort:
		wait = lastResortThrottle
	case LevelEmergency:
		wait = emergencyThrottle
	}
	return Result{Account: best.acct, Index: best.index, Wait: wait, Level: level}
}

func (s *HybridStrategy) score(acct *account.Account, model string) float64 {
	healthScore := s.health.Score(acct.Email)
	tokenScore := s.buckets.Tokens(acct.Email) / s.buckets.MaxTokens() * 100
	quotaScore := s.quota.Score(acct, model)

	idleSeconds := float64(recencyCapSeconds)
	if last := s.store.LastUsed(acct.Email); !last.IsZero() {
		idleSeconds = s.now().Sub(last).Seconds()
		if idleSeconds > recencyCapSeconds {
			idleSeconds = recencyCapSeconds
		}
		if idleSeconds < 0 {
			idleSeconds = 0
		}
	}

	return healthScore*s.weights.Health +
		tokenScore*s.weights.Tokens +
		quotaScore*s.weights.Quota +
		idleSeconds*s.weights.Recency
}

// diagnose classifies every account into exactly one blocking category when
// no candidate exists at any level. If starved token buckets are the only
// blocker, the wait hint is the minimum time until a token refills.
func (s *HybridStrategy) diagnose(accounts []*account.Account, model string,
	basic, healthy, hasTokens func(*account.Account) bool) Result {

	categories := make(map[string]int)
	var starved []string
	for _, acct := range accounts {
		switch {
		case !basic(acct):
			categories["unusable"]++
		case !healthy(acct):
			categories["unhealthy"]++
		case !hasTokens(acct):
			categories["no-tokens"]++
			starved = append(starved, acct.Email)
		default:
			categories["critical-quota"]++
		}
	}

	if len(accounts) > 0 && categories["no-tokens"] == len(accounts) {
		wait := s.buckets.MinTimeUntilToken(starved)
		return Result{Level: LevelNone, Wait: wait, Reason: "no-tokens"}
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	reason := strings.Join(names, ",")
	if reason == "" {
		reason = "no-accounts"
	}
	return Result{Level: LevelNone, Reason: reason}
}

// OnSuccess feeds a completed request back into the health score.
func (s *HybridStrategy) OnSuccess(acct *account.Account, model string) {
	_ = model
	s.health.RecordSuccess(acct.Email)
}

// OnRateLimit applies the rate-limit health penalty.
func (s *HybridStrategy) OnRateLimit(acct *account.Account, model string) {
	_ = model
	s.health.RecordRateLimit(acct.Email)
}

// OnFailure applies the failure health penalty and returns the token the
// failed attempt consumed.
func (s *HybridStrategy) OnFailure(acct *account.Account, model string) {
	_ = model
	s.health.RecordFailure(acct.Email)
	s.buckets.Refund(acct.Email)
}
