package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// cacheKeyPrefixRunes bounds how much of the text participates in the cache
// key. Two distinct long texts sharing the same first 1000 runes, voice and
// language therefore map to the same entry. This exact-match-on-bounded-prefix
// behavior is a deliberate trade-off kept from the original key design, not a
// defect to be fixed here.
const cacheKeyPrefixRunes = 1000

// DefaultTTL is how long a synthesized artifact stays servable.
const DefaultTTL = 30 * 24 * time.Hour

// Cache is the content-addressed artifact store. Reads and writes are keyed
// and idempotent: the last put for a key wins and readers always see a whole
// artifact, never a partial one.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Artifact
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]*Artifact),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key derives the content address for (text, voice, language).
func Key(text, voiceID, language string) string {
	normalized := normalizeText(text)
	if runes := []rune(normalized); len(runes) > cacheKeyPrefixRunes {
		normalized = string(runes[:cacheKeyPrefixRunes])
	}
	sum := sha256.Sum256([]byte(normalized + "|" + voiceID + "|" + strings.ToLower(language)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached artifact or nil on miss. Expired entries are misses.
func (c *Cache) Get(text, voiceID, language string) *Artifact {
	key := Key(text, voiceID, language)

	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().After(a.ExpiresAt) {
		return nil
	}
	return a
}

// Put upserts the artifact under its content address and refreshes expiry.
func (c *Cache) Put(text, voiceID, language string, a *Artifact) {
	if a == nil {
		return
	}
	key := Key(text, voiceID, language)
	stored := *a
	stored.CacheKey = key
	stored.ExpiresAt = c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &stored
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartJanitor periodically evicts expired entries.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *Cache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, a := range c.entries {
		if now.After(a.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
}
