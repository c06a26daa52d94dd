package selection

import (
	"testing"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/config"
)

func newQuotaFixture() (*QuotaTracker, *account.StateStore) {
	store := account.NewStateStore(config.RateLimitConfig{DefaultCooldownMs: 60000})
	tracker := NewQuotaTracker(config.QuotaConfig{CriticalThreshold: 0.05, UnknownScore: 50}, store)
	return tracker, store
}

func fractionPtr(v float64) *float64 { return &v }

func TestQuotaCriticality(t *testing.T) {
	tracker, store := newQuotaFixture()
	acct := &account.Account{Email: "a@x.com"}

	// Unknown quota fails open.
	if tracker.IsCritical(acct, "m", nil) {
		t.Error("no snapshot should not be critical")
	}

	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.02)})
	if !tracker.IsCritical(acct, "m", nil) {
		t.Error("2%% remaining should be critical at 5%% threshold")
	}

	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.9)})
	if tracker.IsCritical(acct, "m", nil) {
		t.Error("90%% remaining should not be critical")
	}

	// A nil fraction with a reset marker means exhausted: fail closed.
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{ResetTime: "2026-09-01T00:00:00Z"})
	if !tracker.IsCritical(acct, "m", nil) {
		t.Error("exhausted snapshot should be critical")
	}
}

func TestQuotaThresholdPrecedence(t *testing.T) {
	tracker, store := newQuotaFixture()
	acct := &account.Account{
		Email:           "a@x.com",
		QuotaThresholds: map[string]float64{"m": 0.20},
	}
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.10)})

	// Per-account override (20%) beats the global default (5%).
	if !tracker.IsCritical(acct, "m", nil) {
		t.Error("10%% remaining should be critical under per-account 20%% threshold")
	}
	// Explicit override beats both.
	override := 0.01
	if tracker.IsCritical(acct, "m", &override) {
		t.Error("10%% remaining should pass an explicit 1%% threshold")
	}
}

func TestQuotaScore(t *testing.T) {
	tracker, store := newQuotaFixture()
	acct := &account.Account{Email: "a@x.com"}

	if got := tracker.Score(acct, "m"); got != 50 {
		t.Errorf("unknown quota score = %v, want neutral 50", got)
	}
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{RemainingFraction: fractionPtr(0.75)})
	if got := tracker.Score(acct, "m"); got != 75 {
		t.Errorf("score = %v, want 75", got)
	}
	store.SetQuota("a@x.com", "m", account.QuotaSnapshot{ResetTime: "2026-09-01T00:00:00Z"})
	if got := tracker.Score(acct, "m"); got != 0 {
		t.Errorf("exhausted score = %v, want 0", got)
	}
}
