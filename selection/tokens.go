package selection

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/routerlab/gravitypool/config"
)

// TokenBucketTracker rate-shapes how often each account may be chosen for a
// new call. Each account gets a rate.Limiter sized to the configured burst,
// refilling continuously. A consumed token can be refunded when the request
// it paid for never reached the network; the most recent reservation per
// account is retained for that purpose.
type TokenBucketTracker struct {
	mu       sync.Mutex
	cfg      config.TokenBucketConfig
	limiters map[string]*rate.Limiter
	lastRes  map[string]*rate.Reservation
}

// NewTokenBucketTracker creates a tracker with the given bucket tuning.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 10
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = 0.2
	}
	return &TokenBucketTracker{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		lastRes:  make(map[string]*rate.Reservation),
	}
}

func (t *TokenBucketTracker) limiter(id string) *rate.Limiter {
	lim, ok := t.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(t.cfg.RefillPerSecond), int(t.cfg.MaxTokens))
		t.limiters[id] = lim
	}
	return lim
}

// HasTokens reports whether the account has at least one whole token after
// refill is applied.
func (t *TokenBucketTracker) HasTokens(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter(id).Tokens() >= 1
}

// Consume takes one token. It returns false without side effects when the
// bucket is empty; the balance never goes negative.
func (t *TokenBucketTracker) Consume(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiter(id)
	if lim.Tokens() < 1 {
		return false
	}
	res := lim.ReserveN(time.Now(), 1)
	if !res.OK() {
		return false
	}
	if res.Delay() > 0 {
		res.Cancel()
		return false
	}
	t.lastRes[id] = res
	return true
}

// Refund returns the most recently consumed token to the bucket, used when
// the consuming request failed before doing any work. The balance never
// exceeds the bucket capacity.
func (t *TokenBucketTracker) Refund(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res, ok := t.lastRes[id]; ok && res != nil {
		res.CancelAt(time.Now())
		delete(t.lastRes, id)
	}
}

// Tokens returns the current balance, clamped to [0, MaxTokens].
func (t *TokenBucketTracker) Tokens(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	tokens := t.limiter(id).Tokens()
	if tokens < 0 {
		return 0
	}
	if tokens > t.cfg.MaxTokens {
		return t.cfg.MaxTokens
	}
	return tokens
}

// MaxTokens returns the bucket capacity.
func (t *TokenBucketTracker) MaxTokens() float64 {
	return t.cfg.MaxTokens
}

// MinTimeUntilToken computes the shortest wait until any of the given
// accounts refills to a whole token. It returns zero when one of them
// already has a token, and zero for an empty id set.
func (t *TokenBucketTracker) MinTimeUntilToken(ids []string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var min time.Duration = -1
	for _, id := range ids {
		tokens := t.limiter(id).Tokens()
		if tokens >= 1 {
			return 0
		}
		need := 1 - tokens
		wait := time.Duration(need / t.cfg.RefillPerSecond * float64(time.Second))
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}
