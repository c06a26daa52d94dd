// Package pool ties the account collection, the per-account state store and
// the hybrid selection strategy into one façade used by the orchestrator.
package pool

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routerlab/gravitypool/account"
	"github.com/routerlab/gravitypool/config"
	"github.com/routerlab/gravitypool/selection"
	"github.com/routerlab/gravitypool/upstream"
)

// Selection is the outcome of Manager.SelectAccount.
type Selection struct {
	Account *account.Account
	Level   selection.Level
	// Wait is a throttle hint from the fallback level, zero normally.
	Wait time.Duration
}

// failureCooldownThreshold is the consecutive-failure streak that triggers a
// temporary model-independent exclusion of the account.
const failureCooldownThreshold = 3

// Manager owns the live account set and exposes the selection and
// notification contract. It works identically for a pool of one account.
type Manager struct {
	states          *account.StateStore
	strategy        *selection.HybridStrategy
	tokens          upstream.TokenResolver
	projects        upstream.ProjectResolver
	failureCooldown time.Duration

	mu       sync.RWMutex
	accounts []*account.Account

	cacheMu      sync.Mutex
	tokenCache   map[string]string
	projectCache map[string]string
}

// NewManager builds a manager over the initial account set.
func NewManager(cfg *config.Config, accounts []*account.Account, tokens upstream.TokenResolver, projects upstream.ProjectResolver) *Manager {
	states := account.NewStateStore(cfg.RateLimit)
	return &Manager{
		states:          states,
		strategy:        selection.NewHybridStrategy(cfg.Selection, states),
		tokens:          tokens,
		projects:        projects,
		failureCooldown: time.Duration(cfg.RateLimit.DefaultCooldownMs) * time.Millisecond,
		accounts:        accounts,
		tokenCache:      make(map[string]string),
		projectCache:    make(map[string]string),
	}
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// Accounts returns the current account set.
func (m *Manager) Accounts() []*account.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts
}

// ReplaceAccounts swaps the account set, typically after a credential file
// reload. Runtime state is keyed by email and survives the swap.
func (m *Manager) ReplaceAccounts(accounts []*account.Account) {
	m.mu.Lock()
	m.accounts = accounts
	m.mu.Unlock()
	log.Infof("pool: account set replaced, %d accounts", len(accounts))
}

// States exposes the per-account runtime state store.
func (m *Manager) States() *account.StateStore { return m.states }

// Strategy exposes the selection strategy, mainly for quota feeds and tests.
func (m *Manager) Strategy() *selection.HybridStrategy { return m.strategy }

// SelectAccount picks an account for the model. Expired rate limits are
// swept first; a pool with no capacity returns NoCapacityError carrying the
// minimum wait until one frees up.
func (m *Manager) SelectAccount(model string) (Selection, error) {
	accounts := m.Accounts()
	m.states.ClearExpiredLimits(accounts)

	result := m.strategy.SelectAccount(accounts, model)
	if result.Account != nil {
		return Selection{Account: result.Account, Level: result.Level, Wait: result.Wait}, nil
	}

	wait := result.Wait
	if wait == 0 && m.states.IsAllRateLimited(accounts, model) {
		wait = m.states.MinWaitTime(accounts, model)
	}
	return Selection{}, &selection.NoCapacityError{Wait: wait, Reason: result.Reason}
}

// AccessToken resolves and caches the bearer token for an account. The cache
// holds until ClearTokenCache; expiry is the resolver's concern.
func (m *Manager) AccessToken(ctx context.Context, acct *account.Account) (string, error) {
	m.cacheMu.Lock()
	token, ok := m.tokenCache[acct.Email]
	m.cacheMu.Unlock()
	if ok {
		return token, nil
	}
	token, err := m.tokens.Token(ctx, acct)
	if err != nil {
		return "", err
	}
	m.cacheMu.Lock()
	m.tokenCache[acct.Email] = token
	m.cacheMu.Unlock()
	return token, nil
}

// ClearTokenCache drops the cached token for an account.
func (m *Manager) ClearTokenCache(email string) {
	m.cacheMu.Lock()
	delete(m.tokenCache, email)
	m.cacheMu.Unlock()
}

// ProjectID resolves and caches the upstream project id for an account.
func (m *Manager) ProjectID(ctx context.Context, acct *account.Account, token string) (string, error) {
	m.cacheMu.Lock()
	projectID, ok := m.projectCache[acct.Email]
	m.cacheMu.Unlock()
	if ok {
		return projectID, nil
	}
	projectID, err := m.projects.ProjectID(ctx, acct, token)
	if err != nil {
		return "", err
	}
	m.cacheMu.Lock()
	m.projectCache[acct.Email] = projectID
	m.cacheMu.Unlock()
	return projectID, nil
}

// ClearProjectCache drops the cached project id for an account.
func (m *Manager) ClearProjectCache(email string) {
	m.cacheMu.Lock()
	delete(m.projectCache, email)
	m.cacheMu.Unlock()
}

// MarkInvalid excludes the account from all selection until externally
// re-authenticated, and drops its cached credentials.
func (m *Manager) MarkInvalid(acct *account.Account, reason string) {
	m.states.MarkInvalid(acct.Email, reason)
	m.ClearTokenCache(acct.Email)
	m.ClearProjectCache(acct.Email)
}

// MarkRateLimited records a model-scoped rate limit with an optional reset
// hint in milliseconds.
func (m *Manager) MarkRateLimited(acct *account.Account, model string, resetMs int64) {
	m.states.MarkRateLimited(acct.Email, model, resetMs)
}

// ConsecutiveFailures reads the account's failure streak.
func (m *Manager) ConsecutiveFailures(acct *account.Account) int {
	return m.states.ConsecutiveFailures(acct.Email)
}

// IncrementFailures bumps the account's failure streak.
func (m *Manager) IncrementFailures(acct *account.Account) {
	m.states.IncrementFailures(acct.Email)
}

// NotifySuccess reports a completed request.
func (m *Manager) NotifySuccess(acct *account.Account, model string) {
	m.states.ResetFailures(acct.Email)
	m.strategy.OnSuccess(acct, model)
}

// NotifyRateLimit reports a throttled request.
func (m *Manager) NotifyRateLimit(acct *account.Account, model string) {
	m.strategy.OnRateLimit(acct, model)
}

// NotifyFailure reports a failed request; the token spent on it is refunded.
// A long enough failure streak puts the account on a temporary cooldown so
// selection stops feeding it requests while it misbehaves.
func (m *Manager) NotifyFailure(acct *account.Account, model string) {
	streak := m.states.IncrementFailures(acct.Email)
	if streak >= failureCooldownThreshold && m.failureCooldown > 0 {
		m.states.MarkCoolingDown(acct.Email, m.failureCooldown, "consecutive failures")
		log.Warnf("pool: account %s cooling down after %d consecutive failures", acct.Email, streak)
	}
	m.strategy.OnFailure(acct, model)
}

// SetQuota feeds an externally observed quota snapshot into selection.
func (m *Manager) SetQuota(acct *account.Account, model string, snap account.QuotaSnapshot) {
	m.states.SetQuota(acct.Email, model, snap)
}
