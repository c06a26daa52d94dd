package selection

import (
	"testing"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/config"
)

func newHybridFixture() (*HybridStrategy, *account.StateStore) {
	store := account.NewStateStore(config.RateLimitConfig{DefaultCooldownMs: 60000})
	cfg := config.SelectionConfig{
		Weights:     config.WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Recency: 0.1},
		Health:      testHealthConfig(),
		TokenBucket: config.TokenBucketConfig{MaxTokens: 10, RefillPerSecond: 0.001},
		Quota:       config.QuotaConfig{CriticalThreshold: 0.05, UnknownScore: 50},
	}
	return NewHybridStrategy(cfg, store), store
}

func TestSelectPrefersNonCriticalQuota(t *testing.T) {
	strategy, store := newHybridFixture()
	accounts := []*account.Account{
		{Email: "a@x.com"},
		{Email: "b@x.com"},
	}
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.02)})
	store.SetQuota("b@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.9)})

	result := strategy.SelectAccount(accounts, "m")
	if result.Account == nil {
		t.Fatalf("no account selected: %+v", result)
	}
	if result.Account.Email != "b@x.com" {
		t.Errorf("selected %s, want b@x.com (a is quota-critical)", result.Account.Email)
	}
	if result.Level != LevelNormal {
		t.Errorf("level = %v, want normal", result.Level)
	}
	if result.Wait != 0 {
		t.Errorf("wait = %v, want 0 at normal level", result.Wait)
	}
}

func TestSelectQuotaFallbackLevel(t *testing.T) {
	strategy, store := newHybridFixture()
	accounts := []*account.Account{{Email: "a@x.com"}}
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.01)})

	result := strategy.SelectAccount(accounts, "m")
	if result.Account == nil {
		t.Fatal("expected the quota fallback to pick the only account")
	}
	if result.Level != LevelQuota {
		t.Errorf("level = %v, want quota", result.Level)
	}
}

func TestSelectLastResortSkipsConsume(t *testing.T) {
	strategy, _ := newHybridFixture()
	accounts := []*account.Account{{Email: "a@x.com"}}

	// Drain tokens and health so only the basic filter passes.
	for strategy.Buckets().Consume("a@x.com") {
	}
	for i := 0; i < 5; i++ {
		strategy.Health().RecordFailure("a@x.com")
	}

	before := strategy.Buckets().Tokens("a@x.com")
	result := strategy.SelectAccount(accounts, "m")
	if result.Account == nil {
		t.Fatal("last resort should still pick the account")
	}
	if result.Level != LevelLastResort {
		t.Fatalf("level = %v, want lastResort", result.Level)
	}
	if result.Wait != lastResortThrottle {
		t.Errorf("wait = %v, want %v", result.Wait, lastResortThrottle)
	}
	after := strategy.Buckets().Tokens("a@x.com")
	if before-after > 0.5 {
		t.Errorf("last resort consumed a token: before=%v after=%v", before, after)
	}
}

func TestSelectNoCandidatesTokenStarvation(t *testing.T) {
	strategy, store := newHybridFixture()
	accounts := []*account.Account{{Email: "a@x.com"}}
	for strategy.Buckets().Consume("a@x.com") {
	}
	// The basic filter must also fail for lastResort to be empty.
	store.MarkRateLimited("a@x.com", "m", 60000)

	result := strategy.SelectAccount(accounts, "m")
	if result.Account != nil {
		t.Fatalf("expected no candidate, got %s", result.Account.Email)
	}
	if result.Level != LevelNone {
		t.Errorf("level = %v, want none", result.Level)
	}
	if result.Reason == "" {
		t.Error("expected a diagnostic reason")
	}
}

func TestSelectDiagnosesAllStarved(t *testing.T) {
	strategy, _ := newHybridFixture()
	accounts := []*account.Account{{Email: "a@x.com"}, {Email: "b@x.com"}}
	for _, acct := range accounts {
		for strategy.Buckets().Consume(acct.Email) {
		}
	}
	// lastResort would still pick one; drop to the diagnostic path by making
	// the ladder unreachable is not possible while basic passes, so exercise
	// diagnose directly through the classification entry point.
	basic := func(a *account.Account) bool { return false }
	healthy := func(a *account.Account) bool { return true }
	hasTokens := func(a *account.Account) bool { return false }
	result := strategy.diagnose(accounts, "m", basic, healthy, hasTokens)
	if result.Reason != "unusable" {
		t.Errorf("reason = %q, want unusable", result.Reason)
	}

	basicOK := func(a *account.Account) bool { return true }
	result = strategy.diagnose(accounts, "m", basicOK, healthy, hasTokens)
	if result.Reason != "no-tokens" {
		t.Fatalf("reason = %q, want no-tokens", result.Reason)
	}
	if result.Wait <= 0 {
		t.Errorf("all-starved wait = %v, want positive refill estimate", result.Wait)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	strategy, _ := newHybridFixture()
	result := strategy.SelectAccount(nil, "m")
	if result.Account != nil {
		t.Fatal("empty pool returned an account")
	}
	if result.Level != LevelNone {
		t.Errorf("level = %v, want none", result.Level)
	}
}

func TestNotificationsAdjustTrackers(t *testing.T) {
	strategy, _ := newHybridFixture()
	acct := &account.Account{Email: "a@x.com"}

	strategy.Buckets().Consume("a@x.com")
	tokensBefore := strategy.Buckets().Tokens("a@x.com")
	healthBefore := strategy.Health().Score("a@x.com")

	strategy.OnFailure(acct, "m")
	if got := strategy.Health().Score("a@x.com"); got >= healthBefore {
		t.Errorf("failure did not lower health: %v >= %v", got, healthBefore)
	}
	if got := strategy.Buckets().Tokens("a@x.com"); got <= tokensBefore {
		t.Errorf("failure did not refund the token: %v <= %v", got, tokensBefore)
	}

	healthBefore = strategy.Health().Score("a@x.com")
	strategy.OnSuccess(acct, "m")
	if got := strategy.Health().Score("a@x.com"); got <= healthBefore {
		t.Errorf("success did not raise health: %v <= %v", got, healthBefore)
	}
}
