package cache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ModelInfo is one entry of the upstream model catalog.
type ModelInfo struct {
	ID          string
	DisplayName string
}

// FetchModelsFunc retrieves the current upstream model catalog.
type FetchModelsFunc func(ctx context.Context) ([]ModelInfo, error)

// ModelCache validates requested model ids against the upstream catalog.
// Refreshes are TTL-bounded and single-flight: concurrent validations while a
// refresh is in progress share the one in-flight fetch. On refresh failure
// the cache fails open and treats every model as potentially valid.
type ModelCache struct {
	fetch FetchModelsFunc
	ttl   time.Duration

	mu        sync.RWMutex
	models    map[string]ModelInfo
	refreshed time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewModelCache creates a cache around fetch; a non-positive ttl defaults to
// five minutes.
func NewModelCache(fetch FetchModelsFunc, ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ModelCache{
		fetch:  fetch,
		ttl:    ttl,
		models: make(map[string]ModelInfo),
		now:    time.Now,
	}
}

func (c *ModelCache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.refreshed.IsZero() && c.now().Sub(c.refreshed) < c.ttl
}

// refresh fetches the catalog at most once per TTL window; concurrent callers
// join the in-flight fetch. The error is reported but never propagated: a
// failed refresh leaves the previous (possibly empty) catalog in place.
func (c *ModelCache) refresh(ctx context.Context) {
	if c.fresh() {
		return
	}
	_, _, _ = c.group.Do("refresh", func() (interface{}, error) {
		if c.fresh() {
			return nil, nil
		}
		infos, err := c.fetch(ctx)
		if err != nil {
			log.Warnf("model cache: refresh failed, failing open: %v", err)
			return nil, nil
		}
		models := make(map[string]ModelInfo, len(infos))
		for _, info := range infos {
			models[info.ID] = info
		}
		c.mu.Lock()
		c.models = models
		c.refreshed = c.now()
		c.mu.Unlock()
		return nil, nil
	})
}

// IsValid reports whether the model id exists in the catalog. An empty
// catalog (never refreshed successfully) validates everything.
func (c *ModelCache) IsValid(ctx context.Context, model string) bool {
	c.refresh(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.models) == 0 {
		return true
	}
	_, ok := c.models[model]
	return ok
}

// Models returns the current catalog entries, refreshing first if stale.
func (c *ModelCache) Models(ctx context.Context) []ModelInfo {
	c.refresh(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelInfo, 0, len(c.models))
	for _, info := range c.models {
		out = append(out, info)
	}
	return out
}

// Invalidate forces the next validation to refresh.
func (c *ModelCache) Invalidate() {
	c.mu.Lock()
	c.refreshed = time.Time{}
	c.mu.Unlock()
}
