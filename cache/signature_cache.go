// Package cache holds the process-lifetime caches shared across requests:
// thinking-continuation signatures and the upstream model catalog.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSignatureTTL is how long a cached signature stays reusable.
	DefaultSignatureTTL = 3 * time.Hour

	// textHashLen is the length of the hash key (16 hex chars = 64-bit key space).
	textHashLen = 16

	// MinSignatureLen is the minimum length for a continuation signature to be
	// worth caching at all.
	MinSignatureLen = 50

	// purgeInterval controls how often stale entries are swept.
	purgeInterval = 10 * time.Minute

	// SkipSignatureSentinel is returned for gemini-family models when no real
	// signature exists; the upstream validator accepts it in place of one.
	SkipSignatureSentinel = "skip_thought_signature_validator"
)

type signatureEntry struct {
	signature string
	stamp     time.Time
}

// SignatureCache stores thinking-continuation signatures so that multi-turn
// conversations can echo them back to the upstream. Text-keyed entries are
// bucketed by model family; tool-call entries are keyed by call id. Entries
// expire on a sliding TTL and are swept in the background.
type SignatureCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	byText    map[string]map[string]signatureEntry
	byCallID  map[string]signatureEntry
	purgeOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	now       func() time.Time
}

// NewSignatureCache creates a cache; a non-positive ttl uses the default.
func NewSignatureCache(ttl time.Duration) *SignatureCache {
	if ttl <= 0 {
		ttl = DefaultSignatureTTL
	}
	return &SignatureCache{
		ttl:      ttl,
		byText:   make(map[string]map[string]signatureEntry),
		byCallID: make(map[string]signatureEntry),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// hashText creates a stable, Unicode-safe key from text content.
func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])[:textHashLen]
}

// ModelGroup collapses a model id into its signature-compatibility family.
// Signatures are interchangeable within a family but never across families.
func ModelGroup(model string) string {
	switch {
	case strings.Contains(model, "gpt"):
		return "gpt"
	case strings.Contains(model, "claude"):
		return "claude"
	case strings.Contains(model, "gemini"):
		return "gemini"
	}
	return model
}

// Put stores a signature for the given model family and thinking text. Empty
// or too-short signatures are dropped.
func (c *SignatureCache) Put(model, text, signature string) {
	if text == "" || len(signature) < MinSignatureLen {
		return
	}
	group := ModelGroup(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startPurgeLocked()
	bucket, ok := c.byText[group]
	if !ok {
		bucket = make(map[string]signatureEntry)
		c.byText[group] = bucket
	}
	bucket[hashText(text)] = signatureEntry{signature: signature, stamp: c.now()}
}

// Get returns the cached signature for the model family and text, refreshing
// its TTL. For the gemini family a sentinel is returned on any miss so the
// upstream validator does not reject the block.
func (c *SignatureCache) Get(model, text string) string {
	group := ModelGroup(model)
	miss := ""
	if group == "gemini" {
		miss = SkipSignatureSentinel
	}
	if text == "" {
		return miss
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.byText[group]
	if !ok {
		return miss
	}
	key := hashText(text)
	entry, ok := bucket[key]
	if !ok {
		return miss
	}
	now := c.now()
	if now.Sub(entry.stamp) > c.ttl {
		delete(bucket, key)
		return miss
	}
	entry.stamp = now
	bucket[key] = entry
	return entry.signature
}

// PutToolCall stores a signature attached to a specific tool call id.
func (c *SignatureCache) PutToolCall(callID, signature string) {
	if callID == "" || len(signature) < MinSignatureLen {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startPurgeLocked()
	c.byCallID[callID] = signatureEntry{signature: signature, stamp: c.now()}
}

// GetToolCall returns the signature cached for a tool call id, empty on miss.
func (c *SignatureCache) GetToolCall(callID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byCallID[callID]
	if !ok {
		return ""
	}
	now := c.now()
	if now.Sub(entry.stamp) > c.ttl {
		delete(c.byCallID, callID)
		return ""
	}
	entry.stamp = now
	c.byCallID[callID] = entry
	return entry.signature
}

// Valid reports whether a signature can be echoed back for the model: either
// long enough to be real, or the gemini skip sentinel.
func Valid(model, signature string) bool {
	if len(signature) >= MinSignatureLen {
		return true
	}
	return signature == SkipSignatureSentinel && ModelGroup(model) == "gemini"
}

// Clear drops entries for one model family, or everything when model is "".
func (c *SignatureCache) Clear(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model == "" {
		c.byText = make(map[string]map[string]signatureEntry)
		c.byCallID = make(map[string]signatureEntry)
		return
	}
	delete(c.byText, ModelGroup(model))
}

func (c *SignatureCache) startPurgeLocked() {
	c.purgeOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.purge()
				case <-c.stop:
					return
				}
			}
		}()
	})
}

// Close stops the background purge goroutine. The cache stays usable after
// Close; only the periodic sweep ends. Safe to call more than once.
func (c *SignatureCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *SignatureCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for group, bucket := range c.byText {
		for key, entry := range bucket {
			if now.Sub(entry.stamp) > c.ttl {
				delete(bucket, key)
			}
		}
		if len(bucket) == 0 {
			delete(c.byText, group)
		}
	}
	for id, entry := range c.byCallID {
		if now.Sub(entry.stamp) > c.ttl {
			delete(c.byCallID, id)
		}
	}
}
